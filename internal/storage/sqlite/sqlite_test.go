package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/michaelbrown/termrun/internal/storage"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := &storage.Run{
		ID:        "abc12345-0000-0000-0000-000000000000",
		SessionID: "sess-1",
		Language:  "cpp",
		Status:    storage.StatusCompiling,
		Source:    "int main() {}",
	}

	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}

	if got.Language != "cpp" {
		t.Errorf("language = %q, want %q", got.Language, "cpp")
	}
	if got.Status != storage.StatusCompiling {
		t.Errorf("status = %q, want %q", got.Status, storage.StatusCompiling)
	}
	if got.Source != "int main() {}" {
		t.Errorf("source = %q", got.Source)
	}
	if got.ExitCode != nil {
		t.Errorf("exit code = %d, want nil", *got.ExitCode)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should not be zero")
	}
}

func TestGetRunByPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := &storage.Run{ID: "abc12345-0000-0000-0000-000000000000", Status: storage.StatusRunning}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "abc12345")
	if err != nil {
		t.Fatalf("GetRun by prefix: %v", err)
	}
	if got.ID != run.ID {
		t.Errorf("got ID %q, want %q", got.ID, run.ID)
	}
}

func TestGetRunAmbiguousPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{
		"abc00000-0000-0000-0000-000000000000",
		"abc11111-0000-0000-0000-000000000000",
	} {
		if err := s.CreateRun(ctx, &storage.Run{ID: id, Status: storage.StatusRunning}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	_, err := s.GetRun(ctx, "abc")
	if err == nil {
		t.Fatal("expected error for ambiguous prefix")
	}
	if errors.Is(err, storage.ErrNotFound) {
		t.Error("ambiguous prefix should not be reported as not found")
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListRuns(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"aaa", "bbb", "ccc"} {
		if err := s.CreateRun(ctx, &storage.Run{ID: id, Status: storage.StatusRunning}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	runs, err := s.ListRuns(ctx, storage.RunListOptions{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Errorf("got %d runs, want 3", len(runs))
	}
}

func TestListRunsFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.CreateRun(ctx, &storage.Run{ID: "a1", SessionID: "s1", Status: storage.StatusRunning})
	s.CreateRun(ctx, &storage.Run{ID: "a2", SessionID: "s1", Status: storage.StatusFinished})
	s.CreateRun(ctx, &storage.Run{ID: "a3", SessionID: "s2", Status: storage.StatusRunning})

	running, err := s.ListRuns(ctx, storage.RunListOptions{Status: storage.StatusRunning})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(running) != 2 {
		t.Errorf("got %d running runs, want 2", len(running))
	}

	bySession, err := s.ListRuns(ctx, storage.RunListOptions{SessionID: "s1"})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(bySession) != 2 {
		t.Errorf("got %d runs for s1, want 2", len(bySession))
	}
}

func TestListRunsLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.CreateRun(ctx, &storage.Run{ID: string(rune('a' + i)), Status: storage.StatusRunning})
	}

	runs, err := s.ListRuns(ctx, storage.RunListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("got %d runs, want 2", len(runs))
	}
}

func TestUpdateRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := &storage.Run{ID: "upd1", Status: storage.StatusRunning}
	s.CreateRun(ctx, run)

	code := 3
	now := time.Now()
	run.Status = storage.StatusFinished
	run.ExitCode = &code
	run.FinishedAt = &now
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "upd1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != storage.StatusFinished {
		t.Errorf("status = %q, want %q", got.Status, storage.StatusFinished)
	}
	if got.ExitCode == nil || *got.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", got.ExitCode)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at should be set")
	}
}

func TestUpdateRunMissing(t *testing.T) {
	s := testStore(t)

	err := s.UpdateRun(context.Background(), &storage.Run{ID: "nope", Status: storage.StatusFailed})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStatusConstraint(t *testing.T) {
	s := testStore(t)

	err := s.CreateRun(context.Background(), &storage.Run{ID: "bad", Status: "bogus"})
	if err == nil {
		t.Fatal("expected CHECK constraint failure")
	}
}

func TestDeleteRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.CreateRun(ctx, &storage.Run{ID: "del1", Status: storage.StatusFinished})
	s.SaveOutput(ctx, "del1", "hello\r\n")

	if err := s.DeleteRun(ctx, "del1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}

	if _, err := s.GetRun(ctx, "del1"); err == nil {
		t.Fatal("expected error after delete")
	}

	out, err := s.LoadOutput(ctx, "del1")
	if err != nil {
		t.Fatalf("LoadOutput after delete: %v", err)
	}
	if out != "" {
		t.Errorf("expected no output after delete, got %q", out)
	}
}

func TestSaveOutputOverwrites(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.CreateRun(ctx, &storage.Run{ID: "ow1", Status: storage.StatusRunning})

	s.SaveOutput(ctx, "ow1", "first")
	if err := s.SaveOutput(ctx, "ow1", "first\r\nsecond"); err != nil {
		t.Fatalf("SaveOutput: %v", err)
	}

	out, err := s.LoadOutput(ctx, "ow1")
	if err != nil {
		t.Fatalf("LoadOutput: %v", err)
	}
	if out != "first\r\nsecond" {
		t.Errorf("output = %q", out)
	}
}

func TestLoadOutputEmpty(t *testing.T) {
	s := testStore(t)

	out, err := s.LoadOutput(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("LoadOutput: %v", err)
	}
	if out != "" {
		t.Errorf("expected empty output, got %q", out)
	}
}

func TestOpenFileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "runs.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.CreateRun(context.Background(), &storage.Run{ID: "f1", Status: storage.StatusRunning}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
}
