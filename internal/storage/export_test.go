package storage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRun() *Run {
	code := 0
	return &Run{
		ID:        "abc12345-0000-0000-0000-000000000000",
		SessionID: "sess-1",
		Language:  "cpp",
		Status:    StatusFinished,
		Source:    "int main() {}\n",
		ExitCode:  &code,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestStripANSI(t *testing.T) {
	in := "hello\r\n\x1b[32mProgram exited.\x1b[0m\r\n"
	assert.Equal(t, "hello\nProgram exited.\n", StripANSI(in))
}

func TestExportMarkdown(t *testing.T) {
	md := ExportMarkdown(sampleRun(), "hi\r\n\x1b[1mbold\x1b[0m\r\n")

	assert.Contains(t, md, "# Run abc12345")
	assert.Contains(t, md, "- **Language:** cpp")
	assert.Contains(t, md, "- **Exit code:** 0")
	assert.Contains(t, md, "```cpp\nint main() {}\n```")
	assert.Contains(t, md, "## Output\n\n```\nhi\nbold\n```")
	assert.NotContains(t, md, "Compiler output")
}

func TestExportMarkdownCompileError(t *testing.T) {
	run := sampleRun()
	run.Status = StatusCompileError
	run.ExitCode = nil
	run.Diagnostic = "main.cpp:1:1: error: expected ';'\n"

	md := ExportMarkdown(run, "")
	assert.Contains(t, md, "## Compiler output")
	assert.Contains(t, md, "expected ';'")
	assert.NotContains(t, md, "Exit code")
	assert.NotContains(t, md, "## Output")
}

func TestExportJSON(t *testing.T) {
	data, err := ExportJSON(sampleRun(), "out")
	require.NoError(t, err)

	var decoded struct {
		Run    Run    `json:"run"`
		Output string `json:"output"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "cpp", decoded.Run.Language)
	assert.Equal(t, "out", decoded.Output)
	require.NotNil(t, decoded.Run.ExitCode)
	assert.Equal(t, 0, *decoded.Run.ExitCode)
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, StatusCompiling.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusFinished.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCompileError.Terminal())
}
