package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestManagerDispatchesOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models: {}\n"), 0o644))

	m := startManager(t, dir)
	changed := make(chan string, 4)
	m.OnChange("models.yaml", func(p string) error {
		changed <- p
		return nil
	})
	require.NoError(t, m.Start())

	require.NoError(t, os.WriteFile(path, []byte("models: {updated: true}\n"), 0o644))

	select {
	case p := <-changed:
		assert.Equal(t, "models.yaml", filepath.Base(p))
	case <-time.After(3 * time.Second):
		t.Fatal("handler was not invoked after file change")
	}
}

func TestManagerIgnoresUnregisteredFiles(t *testing.T) {
	dir := t.TempDir()
	m := startManager(t, dir)
	changed := make(chan string, 4)
	m.OnChange("fabench.yaml", func(p string) error {
		changed <- p
		return nil
	})
	require.NoError(t, m.Start())

	// The unregistered file is written first; if it dispatched, its
	// path would arrive ahead of the registered one.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fabench.yaml"), []byte("service: {}\n"), 0o644))

	select {
	case p := <-changed:
		assert.Equal(t, "fabench.yaml", filepath.Base(p))
	case <-time.After(3 * time.Second):
		t.Fatal("handler was not invoked after file change")
	}
}

func TestManagerDebouncesWriteBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")

	m := startManager(t, dir)
	changed := make(chan string, 8)
	m.OnChange("models.yaml", func(p string) error {
		changed <- p
		return nil
	})
	require.NoError(t, m.Start())

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("models: {}\n"), 0o644))
	}

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("handler was not invoked after write burst")
	}
	select {
	case <-changed:
		t.Fatal("burst of writes dispatched more than once")
	case <-time.After(400 * time.Millisecond):
	}
}

func TestManagerStopIsIdempotent(t *testing.T) {
	m := startManager(t, t.TempDir())
	require.NoError(t, m.Start())
	require.NoError(t, m.Stop())
	assert.NoError(t, m.Stop())
}

func TestNewManagerRequiresDirectory(t *testing.T) {
	_, err := NewManager("", nil)
	assert.Error(t, err)
}
