package main

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/termrun/internal/compiler"
	"github.com/michaelbrown/termrun/internal/session"
	"github.com/michaelbrown/termrun/internal/workspace"
)

func newTestRunner(t *testing.T, timeout time.Duration) *runner {
	t.Helper()
	tc := compiler.Toolchain{
		Name:    "sh",
		Command: "sh",
		Args: []string{"-c",
			`sh -n "$0" && { printf '#!/bin/sh\n'; cat "$0"; } > "$1" && chmod 755 "$1"`,
			"{source}", "{binary}"},
		SourceExt: ".sh",
	}
	set := compiler.NewSet("sh")
	set.Add(tc, compiler.NewLocal(tc, 5*time.Second))

	mgr := session.NewManager(session.DefaultConfig(), set, workspace.New(t.TempDir()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})
	return &runner{sessions: mgr, timeout: timeout}
}

func call(t *testing.T, r *runner, args map[string]any) (string, bool) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Name = "code_run"
	req.Params.Arguments = args

	res, err := r.handleCodeRun(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func TestCodeRunOutput(t *testing.T) {
	r := newTestRunner(t, 10*time.Second)

	text, isErr := call(t, r, map[string]any{"code": "echo hello"})
	assert.False(t, isErr)
	assert.Equal(t, "hello\n", text)
}

func TestCodeRunStdin(t *testing.T) {
	r := newTestRunner(t, 10*time.Second)

	text, isErr := call(t, r, map[string]any{
		"language": "sh",
		"code":     "read name; echo \"hi $name\"",
		"stdin":    "bob",
	})
	assert.False(t, isErr)
	assert.Contains(t, text, "hi bob")
}

func TestCodeRunExitCode(t *testing.T) {
	r := newTestRunner(t, 10*time.Second)

	text, isErr := call(t, r, map[string]any{"code": "echo oops; exit 4"})
	assert.True(t, isErr)
	assert.Contains(t, text, "oops")
	assert.Contains(t, text, "exit code: 4")
}

func TestCodeRunCompileError(t *testing.T) {
	r := newTestRunner(t, 10*time.Second)

	text, isErr := call(t, r, map[string]any{"code": "if then fi"})
	assert.True(t, isErr)
	assert.Contains(t, text, "compilation failed")
}

func TestCodeRunTimeout(t *testing.T) {
	r := newTestRunner(t, 300*time.Millisecond)

	text, isErr := call(t, r, map[string]any{"code": "echo start; sleep 30"})
	assert.True(t, isErr)
	assert.Contains(t, text, "start")
	assert.Contains(t, text, "stopped after")
}

func TestCodeRunInvalidArguments(t *testing.T) {
	r := newTestRunner(t, time.Second)

	_, isErr := call(t, r, nil)
	assert.True(t, isErr)

	text, isErr := call(t, r, map[string]any{"language": "sh"})
	assert.True(t, isErr)
	assert.Contains(t, text, "'code' is required")

	text, isErr = call(t, r, map[string]any{"language": "cobol", "code": "x"})
	assert.True(t, isErr)
	assert.Contains(t, text, "error:")
}

func TestTruncateResult(t *testing.T) {
	long := make([]byte, maxResultLen+10)
	for i := range long {
		long[i] = 'a'
	}
	out := truncateResult(string(long))
	assert.Len(t, out, maxResultLen+len("\n... (output truncated)"))
	assert.Equal(t, "short", truncateResult("short"))
}
