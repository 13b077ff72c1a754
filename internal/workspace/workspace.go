// Package workspace manages the temporary files of a single compile-and-run attempt.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	sourceBase = "main"
	binaryName = "main.out"
)

// Manager creates workspaces under a root directory.
type Manager struct {
	Root string // empty means os.TempDir()
}

// New returns a Manager rooted at dir.
func New(dir string) *Manager {
	return &Manager{Root: dir}
}

// Workspace is an isolated directory holding one source file and its planned binary.
type Workspace struct {
	Dir        string
	SourcePath string
	BinaryPath string

	once sync.Once
	err  error
}

// Prepare writes source into a fresh, uniquely named directory. ext is the
// source file extension including the dot (e.g. ".cpp").
func (m *Manager) Prepare(source, ext string) (*Workspace, error) {
	root := m.Root
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("creating workspace root: %w", err)
		}
	}

	dir, err := os.MkdirTemp(root, "termrun-*")
	if err != nil {
		return nil, fmt.Errorf("creating workspace dir: %w", err)
	}

	ws := &Workspace{
		Dir:        dir,
		SourcePath: filepath.Join(dir, sourceBase+ext),
		BinaryPath: filepath.Join(dir, binaryName),
	}
	if err := os.WriteFile(ws.SourcePath, []byte(source), 0o644); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("writing source file: %w", err)
	}
	return ws, nil
}

// Discard removes the workspace. Files that are already gone count as removed,
// and only the first call does any work.
func (w *Workspace) Discard() error {
	w.once.Do(func() {
		err := os.RemoveAll(w.Dir)
		if err != nil && !os.IsNotExist(err) {
			w.err = fmt.Errorf("removing workspace %s: %w", w.Dir, err)
		}
	})
	return w.err
}

// Exists reports whether the workspace directory is still on disk.
func (w *Workspace) Exists() bool {
	_, err := os.Stat(w.Dir)
	return err == nil
}
