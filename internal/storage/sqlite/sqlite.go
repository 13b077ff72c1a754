package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/termrun/internal/storage"

	_ "modernc.org/sqlite"
)

const runColumns = `id, session_id, language, status, source, diagnostic, exit_code, error, created_at, updated_at, finished_at`

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Every pooled connection to ":memory:" would get its own database.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, r *storage.Run) error {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, session_id, language, status, source, diagnostic, exit_code, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.Language, r.Status, r.Source, r.Diagnostic,
		nullInt(r.ExitCode), r.Error,
		r.CreatedAt.Format(time.RFC3339Nano), r.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO run_output (run_id, output) VALUES (?, '')`, r.ID)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*storage.Run, error) {
	run, err := s.getRunExact(ctx, id)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id LIKE ? || '%'`, id)
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous run prefix %q matches %d runs", id, len(matches))
	}
}

func (s *SQLiteStore) getRunExact(ctx context.Context, id string) (*storage.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts storage.RunListOptions) ([]storage.Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	if opts.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, opts.SessionID)
	}

	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []storage.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, r *storage.Run) error {
	r.UpdatedAt = time.Now().UTC()
	var finished any
	if r.FinishedAt != nil {
		finished = r.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, diagnostic = ?, exit_code = ?, error = ?, updated_at = ?, finished_at = ?
		WHERE id = ?`,
		r.Status, r.Diagnostic, nullInt(r.ExitCode), r.Error,
		r.UpdatedAt.Format(time.RFC3339Nano), finished, r.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, r.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_output WHERE run_id = ?`, run.ID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, run.ID)
	return err
}

func (s *SQLiteStore) SaveOutput(ctx context.Context, runID string, output string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_output (run_id, output, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET output = excluded.output, updated_at = excluded.updated_at`,
		runID, output, now,
	)
	return err
}

func (s *SQLiteStore) LoadOutput(ctx context.Context, runID string) (string, error) {
	var output string
	err := s.db.QueryRowContext(ctx, `SELECT output FROM run_output WHERE run_id = ?`, runID).Scan(&output)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading output: %w", err)
	}
	return output, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*storage.Run, error) {
	var (
		run                  storage.Run
		exitCode             sql.NullInt64
		createdAt, updatedAt string
		finishedAt           sql.NullString
	)
	err := s.Scan(&run.ID, &run.SessionID, &run.Language, &run.Status, &run.Source,
		&run.Diagnostic, &exitCode, &run.Error, &createdAt, &updatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if finishedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finishedAt.String); err == nil {
			run.FinishedAt = &t
		}
	}
	return &run, nil
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
