package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesConsoleAndFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var console bytes.Buffer
	logger, err := New(context.Background(), WithLogDir(dir), WithConsole(&console), WithRunID("run-7"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	logger.Logger.Info("rebuild failed", "session", "host", "entry", "src/index.ts")
	require.NoError(t, logger.Close())

	assert.Equal(t, dir, filepath.Dir(logger.Path()))
	assert.True(t, strings.HasPrefix(filepath.Base(logger.Path()), "devloop-"))
	assert.True(t, strings.HasSuffix(logger.Path(), "-run-7.log"))

	data, err := os.ReadFile(logger.Path())
	require.NoError(t, err)
	for _, text := range []string{console.String(), string(data)} {
		assert.Contains(t, text, "rebuild failed")
		assert.Contains(t, text, "session=host")
		assert.Contains(t, text, "run_id=run-7")
	}
}

func TestNewRespectsLevel(t *testing.T) {
	t.Parallel()

	var console bytes.Buffer
	logger, err := New(context.Background(), WithLogDir(t.TempDir()), WithConsole(&console), WithLevel("warn"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	logger.Logger.Info("hidden")
	logger.Logger.Warn("visible")

	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "visible")
	assert.Equal(t, log.WarnLevel, logger.Level())
}

func TestWithLevelIgnoresUnknownNames(t *testing.T) {
	t.Parallel()

	resolved := resolveOptions([]Option{WithLevel("loud"), nil})
	assert.Equal(t, log.InfoLevel, resolved.level)
}

func TestNewJSONFormat(t *testing.T) {
	t.Parallel()

	var console bytes.Buffer
	logger, err := New(context.Background(), WithLogDir(t.TempDir()), WithConsole(&console), WithJSON())
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	logger.Logger.Error("spawn failed", "pid", 42)

	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(console.Bytes()), &record))
	assert.Equal(t, "spawn failed", record["msg"])
	assert.Equal(t, "error", record["level"])
	assert.EqualValues(t, 42, record["pid"])
}

func TestRelayWithoutPrefixIsVerbatim(t *testing.T) {
	t.Parallel()

	var console bytes.Buffer
	logger, err := New(context.Background(), WithLogDir(t.TempDir()), WithConsole(&console), WithLevel("error"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	line := "[main]\twindow ready  \x1b[32mok\x1b[0m\n"
	_, err = io.WriteString(logger.Relay(""), line)
	require.NoError(t, err)
	assert.Equal(t, line, console.String())

	data, err := os.ReadFile(logger.Path())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), line), "log file should hold the raw line")
}

func TestRelayWithPrefixLabelsEachLine(t *testing.T) {
	t.Parallel()

	var console bytes.Buffer
	logger, err := New(context.Background(), WithLogDir(t.TempDir()), WithConsole(&console), WithLevel("error"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	_, err = io.WriteString(logger.Relay("app"), "first\nsecond\n")
	require.NoError(t, err)

	text := console.String()
	assert.Equal(t, 2, strings.Count(text, "app:"))
	assert.Contains(t, text, "first")
	assert.Contains(t, text, "second")
}

func TestNilRuntimeLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var logger *RuntimeLogger
	assert.NoError(t, logger.Close())
	assert.Empty(t, logger.Path())
	assert.Equal(t, log.InfoLevel, logger.Level())
	_, _ = io.WriteString(logger.Relay("app"), "discarded\n")
}
