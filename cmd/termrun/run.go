package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/termrun/internal/compiler"
	"github.com/michaelbrown/termrun/internal/config"
	"github.com/michaelbrown/termrun/internal/session"
)

var (
	serverFlag   string
	languageFlag string
	localFlag    bool
)

var runCmd = &cobra.Command{
	Use:   "run <source-file>",
	Short: "Compile and run a program interactively",
	Long: `Compile a source file and run it, wiring your terminal to the program.
Lines you type are sent to the program's stdin; Ctrl+D sends end-of-file and
Ctrl+C ends the run.

By default the program runs on a termrun server over WebSocket. With --local
it compiles and runs in-process.

Examples:
  termrun run hello.cpp
  termrun run prog.c --server http://build-box:5000
  termrun run main.cc --language cpp --local`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&serverFlag, "server", "", "Server URL (default: http://localhost:<server.port>)")
	runCmd.Flags().StringVar(&languageFlag, "language", "", "Language (default: detected from the file extension)")
	runCmd.Flags().BoolVar(&localFlag, "local", false, "Compile and run in-process instead of on a server")
	rootCmd.AddCommand(runCmd)
}

// runFrame mirrors the WebSocket protocol served at /api/ws.
type runFrame struct {
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	Language  string `json:"language,omitempty"`
	Data      string `json:"data,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Message   string `json:"message,omitempty"`
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	source, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	lang := languageFlag
	if lang == "" {
		lang, err = detectLanguage(cfg, args[0])
		if err != nil {
			return err
		}
	}

	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "",
		HistoryFile:     filepath.Join(home, ".termrun", "run_history"),
		InterruptPrompt: "^C",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if localFlag {
		return runLocal(ctx, cancel, cfg, rl, string(source), lang)
	}
	return runRemote(ctx, cancel, cfg, rl, string(source), lang)
}

func detectLanguage(cfg *config.Config, path string) (string, error) {
	set, err := compiler.NewSetFromOptions(cfg.CompilerOptions())
	if err != nil {
		return "", err
	}
	if lang := set.LanguageFor(path); lang != "" {
		return lang, nil
	}
	return "", fmt.Errorf("cannot detect language of %s; use --language (%s)",
		filepath.Base(path), strings.Join(set.Languages(), ", "))
}

// readInput forwards terminal lines to send until the terminal closes or
// the user interrupts, then calls cancel.
func readInput(rl *readline.Instance, send func(string) error, cancel context.CancelFunc) {
	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			cancel()
			return
		case errors.Is(err, io.EOF):
			// Ctrl+D: the program's terminal turns ^D into end-of-file.
			if send("\x04") != nil {
				return
			}
			continue
		case err != nil:
			return
		}
		if send(line+"\n") != nil {
			return
		}
	}
}

func runLocal(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, rl *readline.Instance, source, lang string) error {
	mgr, err := newManager(cfg, nil)
	if err != nil {
		return err
	}
	defer mgr.Shutdown(context.Background())

	s, err := mgr.StartRun(ctx, session.RunRequest{Source: source, Language: lang})
	if err != nil {
		var serr *session.Error
		if errors.As(err, &serr) && serr.Code == session.CodeCompile {
			fmt.Fprintln(os.Stderr, "Compilation failed:")
			fmt.Fprint(os.Stderr, serr.Diagnostic)
			return &exitError{code: 1}
		}
		return err
	}

	sub, err := mgr.StreamOutput(s.ID)
	if err != nil {
		return err
	}
	defer sub.Close()

	go readInput(rl, func(line string) error {
		return mgr.SendInput(s.ID, []byte(line))
	}, cancel)

	out := rl.Stdout()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = mgr.EndSession(context.Background(), s.ID)
				return &exitError{code: 130}
			}
			return err
		}
		switch ev.Type {
		case session.EventOutput:
			out.Write(ev.Data)
		case session.EventFinished:
			return exitStatus(&ev.ExitCode)
		case session.EventError:
			return fmt.Errorf("run failed: %s", ev.Message)
		}
	}
}

func runRemote(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, rl *readline.Instance, source, lang string) error {
	endpoint, err := wsEndpoint(serverFlag, cfg.Server.Port)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", endpoint, err)
	}
	defer conn.Close()

	var mu sync.Mutex
	send := func(f runFrame) error {
		mu.Lock()
		defer mu.Unlock()
		return conn.WriteJSON(f)
	}

	if err := send(runFrame{Type: "run", Code: source, Language: lang}); err != nil {
		return err
	}

	// Closing the socket unblocks ReadJSON on interrupt.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	out := rl.Stdout()
	inputStarted := false
	for {
		var f runFrame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return &exitError{code: 130}
			}
			return fmt.Errorf("connection lost: %w", err)
		}

		switch f.Type {
		case "started":
			if !inputStarted {
				inputStarted = true
				go readInput(rl, func(line string) error {
					return send(runFrame{Type: "input", Data: line})
				}, cancel)
			}
		case "output":
			io.WriteString(out, f.Data)
		case "compile_error":
			io.WriteString(os.Stderr, f.Data)
			return &exitError{code: 1}
		case "finished":
			io.WriteString(out, f.Data)
			return exitStatus(f.ExitCode)
		case "error":
			io.WriteString(out, f.Data)
			return fmt.Errorf("server: %s", f.Message)
		}
	}
}

func exitStatus(code *int) error {
	if code == nil || *code == 0 {
		return nil
	}
	if *code < 0 {
		return &exitError{code: 1}
	}
	return &exitError{code: *code}
}

// wsEndpoint turns a server base URL into the terminal WebSocket URL.
func wsEndpoint(server string, port int) (string, error) {
	if server == "" {
		server = fmt.Sprintf("http://localhost:%d", port)
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", server, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL %q: scheme must be http or https", server)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/ws"
	return u.String(), nil
}
