// Package testutil holds fixtures shared by devloop package tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Context returns a context cancelled when the test completes.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// WriteFile writes content under dir, creating parent directories, and
// returns the absolute path.
func WriteFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750), "failed to create parent of %s", path)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "failed to write %s", path)
	return path
}

// AssertFileContent checks that a file exists with the expected bytes.
func AssertFileContent(t *testing.T, path, expected string) {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err, "failed to read file: %s", path)
	assert.Equal(t, expected, string(content), "file content mismatch: %s", path)
}

// AssertFileNotExists checks that nothing exists at path.
func AssertFileNotExists(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.Error(t, err, "file should not exist: %s", path)
}

// Receive waits for one value from ch or fails the test after timeout.
func Receive[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case value, ok := <-ch:
		require.True(t, ok, "channel closed before a value arrived")
		return value
	case <-time.After(timeout):
		require.FailNow(t, "timed out waiting for value", "timeout %s", timeout)
	}
	var zero T
	return zero
}

// SkipIfShort skips tests that touch real processes or the filesystem
// watcher when -short is set.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping test in short mode")
	}
}
