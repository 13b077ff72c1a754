package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/termrun/internal/config"
	"github.com/michaelbrown/termrun/internal/logging"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "termrun",
	Short: "termrun - compile and run programs on a remote terminal",
	Long: `termrun compiles submitted source code and runs the program on a
pseudo-terminal, streaming its output live and feeding it input over HTTP,
Server-Sent Events or WebSocket.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./termrun.yaml or ~/.termrun/termrun.yaml)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logging.Configure(cfg.Log)
	return cfg, nil
}

// exitError carries a program's exit status out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
