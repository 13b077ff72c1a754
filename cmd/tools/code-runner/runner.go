package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/michaelbrown/termrun/internal/session"
	"github.com/michaelbrown/termrun/internal/storage"
)

const maxResultLen = 4000

type runner struct {
	sessions *session.Manager
	timeout  time.Duration
}

func (r *runner) handleCodeRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	language, _ := args["language"].(string)
	code, _ := args["code"].(string)
	stdin, _ := args["stdin"].(string)

	if code == "" {
		return errResult("error: 'code' is required"), nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	s, err := r.sessions.StartRun(ctx, session.RunRequest{Source: code, Language: language})
	if err != nil {
		var serr *session.Error
		if errors.As(err, &serr) && serr.Code == session.CodeCompile {
			return errResult("compilation failed:\n" + truncateResult(serr.Diagnostic)), nil
		}
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	defer r.sessions.EndSession(context.Background(), s.ID)

	sub, err := r.sessions.StreamOutput(s.ID)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	defer sub.Close()

	if stdin != "" {
		if !strings.HasSuffix(stdin, "\n") {
			stdin += "\n"
		}
		// The program may exit before reading; its output still counts.
		_ = r.sessions.SendInput(s.ID, []byte(stdin))
	}

	var output strings.Builder
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			output.WriteString(fmt.Sprintf("\n(stopped after %s)", r.timeout))
			return textResult(output.String(), true), nil
		}
		switch ev.Type {
		case session.EventOutput:
			output.Write(ev.Data)
		case session.EventFinished:
			if ev.ExitCode != 0 {
				output.WriteString(fmt.Sprintf("\nexit code: %d", ev.ExitCode))
			}
			return textResult(output.String(), ev.ExitCode != 0), nil
		case session.EventError:
			output.WriteString("\nerror: " + ev.Message)
			return textResult(output.String(), true), nil
		}
	}
}

// textResult converts terminal output to plain text for the caller.
func textResult(terminal string, isError bool) *mcp.CallToolResult {
	text := storage.StripANSI(strings.ReplaceAll(terminal, "\r\n", "\n"))
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: truncateResult(text)}},
		IsError: isError,
	}
}

func truncateResult(text string) string {
	if len(text) > maxResultLen {
		return text[:maxResultLen] + "\n... (output truncated)"
	}
	return text
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
