// Package storage records run history. The session core writes to it but never
// reads it back; it exists for the runs CLI and the /api/runs endpoints.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no run matches an id or id prefix.
var ErrNotFound = errors.New("run not found")

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	StatusCompiling    RunStatus = "compiling"
	StatusCompileError RunStatus = "compile_error"
	StatusRunning      RunStatus = "running"
	StatusFinished     RunStatus = "finished"
	StatusFailed       RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompileError, StatusFinished, StatusFailed:
		return true
	}
	return false
}

// Run is one compile-and-run attempt.
type Run struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Language   string     `json:"language"`
	Status     RunStatus  `json:"status"`
	Source     string     `json:"source"`
	Diagnostic string     `json:"diagnostic,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunListOptions controls filtering and pagination for ListRuns.
type RunListOptions struct {
	Status    RunStatus
	SessionID string
	Limit     int
	Offset    int
}

// Store is the persistence interface for run history.
type Store interface {
	// CreateRun inserts a new run. The ID field must be set by the caller.
	CreateRun(ctx context.Context, r *Run) error

	// GetRun returns a run by ID or ID prefix.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs ordered by created_at descending.
	ListRuns(ctx context.Context, opts RunListOptions) ([]Run, error)

	// UpdateRun updates mutable fields (status, diagnostic, exit code, error, finished_at).
	UpdateRun(ctx context.Context, r *Run) error

	// DeleteRun removes a run and its captured output.
	DeleteRun(ctx context.Context, id string) error

	// SaveOutput overwrites the captured terminal output for a run.
	SaveOutput(ctx context.Context, runID string, output string) error

	// LoadOutput returns the captured terminal output for a run.
	LoadOutput(ctx context.Context, runID string) (string, error)

	// Close releases resources.
	Close() error
}
