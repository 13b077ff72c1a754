package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/termrun/internal/logging"
	"github.com/michaelbrown/termrun/internal/server"
	"github.com/michaelbrown/termrun/internal/storage"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the termrun server",
	Long: `Start the termrun HTTP server.

API endpoints are under /api; /health and /metrics sit at the root.

Examples:
  termrun serve
  termrun serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.NewLogger("serve")

	var store storage.Store
	if cfg.Storage.Enabled {
		store, err = openStore(cfg)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()
		log.WithField("path", cfg.Storage.DBPath).Info("run history enabled")
	}

	mgr, err := newManager(cfg, store)
	if err != nil {
		return err
	}
	log.WithField("languages", mgr.Languages()).WithField("driver", cfg.Compiler.Driver).Info("compilers ready")

	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(cfg, mgr, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.RunMaintenance(ctx)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-sigCh
		cancel()
		if err := srv.Shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("shutdown")
		}
	}()

	if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-shutdownDone
	return nil
}
