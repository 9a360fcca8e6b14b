package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	level   log.Level
	console io.Writer
	logDir  string
	json    bool
	runID   string
}

// WithLevel sets the minimum level. Unknown names keep the default.
func WithLevel(level string) Option {
	return func(opts *newOptions) {
		if parsed, err := log.ParseLevel(strings.TrimSpace(level)); err == nil {
			opts.level = parsed
		}
	}
}

// WithConsole replaces stderr as the console sink. A nil writer disables it.
func WithConsole(w io.Writer) Option {
	return func(opts *newOptions) {
		opts.console = w
	}
}

// WithLogDir overrides ~/.devloop/logs.
func WithLogDir(dir string) Option {
	return func(opts *newOptions) {
		opts.logDir = strings.TrimSpace(dir)
	}
}

// WithJSON switches both sinks to JSON records.
func WithJSON() Option {
	return func(opts *newOptions) {
		opts.json = true
	}
}

// WithRunID tags the log file name and every record with a run id.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// RuntimeLogger writes to the console and to a per-run log file.
type RuntimeLogger struct {
	Logger *log.Logger
	file   *os.File
	path   string
	sink   io.Writer
	level  log.Level
}

// New opens a log file under the log directory and returns a logger that
// writes every record to both the console and the file.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	resolved := resolveOptions(options)

	logDir := resolved.logDir
	if logDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		logDir = filepath.Join(homeDir, ".devloop", "logs")
	}
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	timestamp := time.Now().UTC().Format("20060102-150405")
	fileName := fmt.Sprintf("devloop-%s.log", timestamp)
	if resolved.runID != "" {
		fileName = fmt.Sprintf("devloop-%s-%s.log", timestamp, resolved.runID)
	}
	filePath := filepath.Join(logDir, fileName)
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	var sink io.Writer = file
	if resolved.console != nil {
		sink = io.MultiWriter(resolved.console, file)
	}

	logger := log.NewWithOptions(sink, log.Options{
		Level:           resolved.level,
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})
	if resolved.json {
		logger.SetFormatter(log.JSONFormatter)
		logger.SetTimeFormat(time.RFC3339)
	}
	if resolved.runID != "" {
		logger = logger.With("run_id", resolved.runID)
	}

	runtimeLogger := &RuntimeLogger{
		Logger: logger,
		file:   file,
		path:   filePath,
		sink:   sink,
		level:  resolved.level,
	}
	runtimeLogger.Logger.Debug("logger initialized", "log_file", filePath)

	_ = ctx
	return runtimeLogger, nil
}

// Relay returns the writer supervised process output is copied to. With an
// empty prefix each line reaches the console and log file unchanged; with a
// prefix every line is printed behind the styled label.
func (r *RuntimeLogger) Relay(prefix string) io.Writer {
	if r == nil {
		return io.Discard
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return &lockedWriter{w: r.sink}
	}
	child := log.NewWithOptions(r.sink, log.Options{
		Level:  log.DebugLevel,
		Prefix: prefix,
	})
	child.SetStyles(ChildStyles())
	return prefixedWriter{logger: child}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

type prefixedWriter struct {
	logger *log.Logger
}

func (p prefixedWriter) Write(b []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimSuffix(string(b), "\n"), "\n") {
		p.logger.Print(line)
	}
	return len(b), nil
}

// ChildStyles are the default styles with a bold magenta prefix.
func ChildStyles() *log.Styles {
	styles := log.DefaultStyles()
	styles.Prefix = lipgloss.NewStyle().
		Foreground(lipgloss.AdaptiveColor{Light: "163", Dark: "205"}).
		Bold(true)
	return styles
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Level returns the configured minimum level.
func (r *RuntimeLogger) Level() log.Level {
	if r == nil {
		return log.InfoLevel
	}
	return r.level
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{
		level:   log.InfoLevel,
		console: os.Stderr,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
