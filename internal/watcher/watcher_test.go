package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func started(t *testing.T, quiet time.Duration, paths ...string) *Watcher {
	t.Helper()
	w, err := New(paths, quiet)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { w.Stop() })
	return w
}

// collect gathers every event delivered within d.
func collect(w *Watcher, d time.Duration) []Event {
	var got []Event
	deadline := time.After(d)
	for {
		select {
		case ev := <-w.Events():
			got = append(got, ev)
		case <-deadline:
			return got
		}
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.db")
	write(t, path, "home_action=**camera**")

	a, size, err := HashFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, 22, size)

	b, _, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	write(t, path, "home_action=**home**")
	c, _, err := HashFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, _, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, os.IsNotExist(err))
}

func TestNewDedupesPaths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.db")
	w, err := New([]string{path, path, ""}, 0)
	require.NoError(t, err)
	defer w.Stop()

	assert.Equal(t, []string{path}, w.WatchedPaths())
	assert.Equal(t, DefaultQuiet, w.quiet)
}

func TestStopTwice(t *testing.T) {
	w := started(t, 50*time.Millisecond, filepath.Join(t.TempDir(), "bindings.db"))
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	_, open := <-w.Events()
	assert.False(t, open)
}

func TestStartNeedsDirectory(t *testing.T) {
	w, err := New([]string{filepath.Join(t.TempDir(), "gone", "bindings.db")}, 0)
	require.NoError(t, err)
	defer w.Stop()
	assert.Error(t, w.Start())
}

func TestReportsCreatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.db")
	w := started(t, 100*time.Millisecond, path)

	write(t, path, "test content")

	select {
	case ev := <-w.Events():
		assert.Equal(t, path, ev.Path)
		assert.EqualValues(t, 12, ev.Size)
		assert.NotZero(t, ev.Hash)
	case <-time.After(3 * time.Second):
		t.Fatal("no event")
	}
	assert.Zero(t, w.PendingFiles())
}

func TestReportsRemovedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gestures.xml")
	write(t, path, "<touchscreen-gestures/>")
	w := started(t, 50*time.Millisecond, path)

	require.NoError(t, os.Remove(path))

	got := collect(w, time.Second)
	require.Len(t, got, 1)
	assert.Zero(t, got[0].Hash)
}

func TestIgnoresNeighbours(t *testing.T) {
	dir := t.TempDir()
	w := started(t, 50*time.Millisecond, filepath.Join(dir, "bindings.db"))

	write(t, filepath.Join(dir, "bindings.db-journal"), "x")
	assert.Empty(t, collect(w, 500*time.Millisecond))
}

func TestIgnoresIdenticalRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.xml")
	write(t, path, "<keys/>")
	w := started(t, 50*time.Millisecond, path)

	write(t, path, "<keys/>")
	assert.Empty(t, collect(w, 500*time.Millisecond))
}

func TestBurstIsReportedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.db")
	w := started(t, 500*time.Millisecond, path)

	for i := 0; i < 5; i++ {
		write(t, path, fmt.Sprintf("v%d", i))
		time.Sleep(50 * time.Millisecond)
	}

	got := collect(w, 3*time.Second)
	require.Len(t, got, 1)
	assert.EqualValues(t, 2, got[0].Size)
}
