package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/termrun/internal/storage"
)

var (
	statusFilter string
	limitFlag    int
	exportFormat string
	exportOutput string
	forceFlag    bool
)

var runsCmd = &cobra.Command{
	Use:     "runs",
	Aliases: []string{"run-history", "r"},
	Short:   "Inspect recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show run details and captured output",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDelete,
}

var runsExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run as markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsExport,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsDeleteCmd, runsExportCmd)

	runsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (compiling, compile_error, running, finished, failed)")
	runsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max runs to show")

	runsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	runsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	runsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func openHistory() (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openStore(cfg)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	opts := storage.RunListOptions{
		Status: storage.RunStatus(statusFilter),
		Limit:  limitFlag,
	}

	runs, err := store.ListRuns(context.Background(), opts)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-14s %-6s %-6s %-40s %s\n", "ID", "STATUS", "LANG", "EXIT", "SOURCE", "CREATED")
	fmt.Println(strings.Repeat("─", 95))

	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprintf("%d", *r.ExitCode)
		}

		fmt.Printf("%-10s %-14s %-6s %-6s %-40s %s\n",
			r.ID[:8], r.Status, r.Language, exit, firstLine(r.Source, 38), timeAgo(r.CreatedAt))
	}

	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Session:  %s\n", run.SessionID)
	fmt.Printf("Language: %s\n", run.Language)
	fmt.Printf("Status:   %s\n", run.Status)
	if run.ExitCode != nil {
		fmt.Printf("Exit:     %d\n", *run.ExitCode)
	}
	if run.Error != "" {
		fmt.Printf("Error:    %s\n", run.Error)
	}
	fmt.Printf("Created:  %s\n", run.CreatedAt.Format(time.RFC3339))
	if run.FinishedAt != nil {
		fmt.Printf("Finished: %s (%s)\n", run.FinishedAt.Format(time.RFC3339),
			run.FinishedAt.Sub(run.CreatedAt).Round(time.Millisecond))
	}

	if run.Diagnostic != "" {
		fmt.Printf("\nDiagnostic:\n")
		fmt.Println(strings.Repeat("─", 60))
		fmt.Printf("\033[31m%s\033[0m\n", strings.TrimRight(run.Diagnostic, "\n"))
	}

	output, err := store.LoadOutput(ctx, run.ID)
	if err != nil {
		return err
	}
	if output != "" {
		fmt.Printf("\nOutput:\n")
		fmt.Println(strings.Repeat("─", 60))
		fmt.Println(strings.TrimRight(storage.StripANSI(strings.ReplaceAll(output, "\r\n", "\n")), "\n"))
	}

	return nil
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		fmt.Printf("Delete run %s (%s, %s)? [y/N] ", run.ID[:8], run.Language, run.Status)
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted run %s\n", run.ID[:8])
	return nil
}

func runRunsExport(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	output, err := store.LoadOutput(ctx, run.ID)
	if err != nil {
		return err
	}

	var text string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(run, output)
		if err != nil {
			return err
		}
		text = string(data)
	default:
		text = storage.ExportMarkdown(run, output)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(text), 0o644)
	}

	fmt.Print(text)
	return nil
}

// firstLine returns the first non-blank line of s, truncated to maxLen.
func firstLine(s string, maxLen int) string {
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			return truncate(line, maxLen)
		}
	}
	return "(empty)"
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
