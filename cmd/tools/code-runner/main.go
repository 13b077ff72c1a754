package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/termrun/internal/compiler"
	"github.com/michaelbrown/termrun/internal/config"
	"github.com/michaelbrown/termrun/internal/logging"
	"github.com/michaelbrown/termrun/internal/session"
	"github.com/michaelbrown/termrun/internal/workspace"
)

func main() {
	cfg, err := config.Load(os.Getenv("TERMRUN_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	logging.Configure(cfg.Log)

	compilers, err := compiler.NewSetFromOptions(cfg.CompilerOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuring compilers: %v\n", err)
		os.Exit(1)
	}
	mgr := session.NewManager(cfg.Session, compilers, workspace.New(cfg.Workspace.Dir))
	defer mgr.Shutdown(context.Background())

	r := &runner{sessions: mgr, timeout: 30 * time.Second}

	s := server.NewMCPServer("termrun-code-runner", "0.1.0")

	s.AddTool(mcp.Tool{
		Name: "code_run",
		Description: fmt.Sprintf("Compile a program and run it on a pseudo-terminal, returning what the terminal showed. Supported languages: %s.",
			strings.Join(mgr.Languages(), ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": fmt.Sprintf("Programming language (%s)", strings.Join(mgr.Languages(), ", ")),
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to compile and run",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Input typed into the program's terminal (optional)",
				},
			},
			Required: []string{"code"},
		},
	}, r.handleCodeRun)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
	}
}
