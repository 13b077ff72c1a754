package storage

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// StripANSI removes terminal escape sequences and carriage returns from captured output.
func StripANSI(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	return strings.ReplaceAll(s, "\r", "")
}

// ExportMarkdown renders a run, its source and its output as a markdown document.
func ExportMarkdown(run *Run, output string) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Run %s\n\n", shortID(run.ID)))
	b.WriteString(fmt.Sprintf("- **Run:** %s\n", run.ID))
	b.WriteString(fmt.Sprintf("- **Session:** %s\n", run.SessionID))
	b.WriteString(fmt.Sprintf("- **Language:** %s\n", run.Language))
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", run.CreatedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", run.Status))
	if run.ExitCode != nil {
		b.WriteString(fmt.Sprintf("- **Exit code:** %d\n", *run.ExitCode))
	}
	if run.Error != "" {
		b.WriteString(fmt.Sprintf("- **Error:** %s\n", run.Error))
	}
	b.WriteString("\n---\n\n")

	b.WriteString(fmt.Sprintf("## Source\n\n```%s\n%s\n```\n\n", run.Language, strings.TrimRight(run.Source, "\n")))

	if run.Diagnostic != "" {
		b.WriteString(fmt.Sprintf("## Compiler output\n\n```\n%s\n```\n\n", strings.TrimRight(run.Diagnostic, "\n")))
	}
	if output != "" {
		b.WriteString(fmt.Sprintf("## Output\n\n```\n%s\n```\n", strings.TrimRight(StripANSI(output), "\n")))
	}

	return b.String()
}

// ExportJSON renders a run and its output as formatted JSON.
func ExportJSON(run *Run, output string) ([]byte, error) {
	export := struct {
		Run    *Run   `json:"run"`
		Output string `json:"output"`
	}{
		Run:    run,
		Output: output,
	}
	return json.MarshalIndent(export, "", "  ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
