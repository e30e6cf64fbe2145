package fswatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	token uint64
	op    Op
}

func newTestWatcher(t *testing.T) (*Watcher, <-chan delivery) {
	t.Helper()
	ch := make(chan delivery, 64)
	w, err := New(func(token uint64, op Op) { ch <- delivery{token, op} }, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, ch
}

func waitFor(t *testing.T, ch <-chan delivery, token uint64, op Op) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d := <-ch:
			if d.token == token && d.op&op != 0 {
				return
			}
		case <-timeout:
			t.Fatalf("no %v delivery for token %d", op, token)
		}
	}
}

func TestWatcher_directoryEntries(t *testing.T) {
	dir := t.TempDir()
	w, ch := newTestWatcher(t)

	require.NoError(t, w.Add(dir, 1))
	require.NoError(t, w.Add(dir, 2))
	assert.Equal(t, 2, w.Len())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o600))
	waitFor(t, ch, 1, OpCreate)
	waitFor(t, ch, 2, OpCreate)
}

func TestWatcher_removeToken(t *testing.T) {
	dir := t.TempDir()
	w, ch := newTestWatcher(t)

	require.NoError(t, w.Add(dir, 1))
	require.NoError(t, w.Add(dir, 2))
	require.NoError(t, w.Remove(1))
	require.NoError(t, w.Remove(1))
	assert.Equal(t, 1, w.Len())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("x"), 0o600))
	waitFor(t, ch, 2, OpCreate)

	// drain anything else, token 1 must never appear
	for {
		select {
		case d := <-ch:
			assert.NotEqual(t, uint64(1), d.token)
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}

func TestWatcher_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	w, ch := newTestWatcher(t)
	require.NoError(t, w.Add(path, 7))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.WriteString("hello")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	waitFor(t, ch, 7, OpWrite)
}

func TestWatcher_closed(t *testing.T) {
	w, err := New(func(uint64, Op) {}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Add(t.TempDir(), 1), ErrClosed)
	assert.NoError(t, w.Remove(1))
}

func TestNew_nilHandler(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}

func TestWatcher_missingPath(t *testing.T) {
	w, _ := newTestWatcher(t)
	assert.Error(t, w.Add(filepath.Join(t.TempDir(), "missing"), 1))
	assert.Equal(t, 0, w.Len())
}
