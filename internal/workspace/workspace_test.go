package workspace

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareWritesSource(t *testing.T) {
	m := New(t.TempDir())

	ws, err := m.Prepare("int main() {}\n", ".cpp")
	require.NoError(t, err)

	data, err := os.ReadFile(ws.SourcePath)
	require.NoError(t, err)
	assert.Equal(t, "int main() {}\n", string(data))
	assert.Equal(t, ".cpp", filepath.Ext(ws.SourcePath))
	assert.Equal(t, ws.Dir, filepath.Dir(ws.BinaryPath))

	_, err = os.Stat(ws.BinaryPath)
	assert.True(t, os.IsNotExist(err), "binary should not exist before compiling")
}

func TestPrepareUniquePaths(t *testing.T) {
	m := New(t.TempDir())

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws, err := m.Prepare("x", ".c")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[ws.BinaryPath], "duplicate path %s", ws.BinaryPath)
			seen[ws.BinaryPath] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 32)
}

func TestDiscardIdempotent(t *testing.T) {
	m := New(t.TempDir())
	ws, err := m.Prepare("x", ".cpp")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ws.BinaryPath, []byte("bin"), 0o755))

	require.NoError(t, ws.Discard())
	assert.False(t, ws.Exists())
	assert.NoError(t, ws.Discard())
}

func TestDiscardAlreadyGone(t *testing.T) {
	m := New(t.TempDir())
	ws, err := m.Prepare("x", ".cpp")
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(ws.Dir))
	assert.NoError(t, ws.Discard())
}

func TestPrepareBadRoot(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := New(file).Prepare("x", ".cpp")
	assert.Error(t, err)
}
