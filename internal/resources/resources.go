package resources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/devloop/devloop/internal/platform"
)

const executableMode fs.FileMode = 0o755

// CopySpec stages one file or directory tree before the first launch.
type CopySpec struct {
	From string
	To   string
}

// ResourceError reports a resource that could not be staged.
type ResourceError struct {
	Op   string
	Path string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s resource %s: %v", e.Op, e.Path, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// Options configures a Preparer.
type Options struct {
	Platform    platform.Tag
	Executables []string
	Logger      *log.Logger
}

// Preparer copies native binaries into the runtime tree.
type Preparer struct {
	platform    platform.Tag
	executables []string
	logger      *log.Logger
}

// New creates a Preparer for the given platform.
func New(opts Options) *Preparer {
	tag := opts.Platform
	if tag == "" {
		tag = platform.Current()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Preparer{
		platform:    tag,
		executables: append([]string(nil), opts.Executables...),
		logger:      logger,
	}
}

// Prepare copies every spec and then marks configured executables runnable
// on POSIX targets. The first failure aborts.
func (p *Preparer) Prepare(ctx context.Context, specs []CopySpec) error {
	if p == nil {
		return errors.New("resource preparer is nil")
	}
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return err
		}
		from := strings.TrimSpace(spec.From)
		to := strings.TrimSpace(spec.To)
		if from == "" || to == "" {
			return &ResourceError{Op: "validate", Path: spec.From, Err: errors.New("from and to are required")}
		}
		if err := copyPath(from, to); err != nil {
			return err
		}
		p.logger.Debug("resource staged", "from", from, "to", to)
	}

	if !p.platform.IsPOSIX() {
		return nil
	}
	for _, path := range p.executables {
		if err := chmodExecutable(path); err != nil {
			return err
		}
		p.logger.Debug("resource marked executable", "path", path)
	}
	return nil
}

func copyPath(from, to string) error {
	info, err := os.Stat(from)
	if err != nil {
		return &ResourceError{Op: "stat", Path: from, Err: err}
	}
	if !info.IsDir() {
		return copyFile(from, to, info.Mode().Perm())
	}

	return filepath.WalkDir(from, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return &ResourceError{Op: "walk", Path: path, Err: walkErr}
		}
		rel, err := filepath.Rel(from, path)
		if err != nil {
			return &ResourceError{Op: "resolve", Path: path, Err: err}
		}
		target := filepath.Join(to, rel)
		if entry.IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return &ResourceError{Op: "mkdir", Path: target, Err: err}
			}
			return nil
		}
		entryInfo, err := entry.Info()
		if err != nil {
			return &ResourceError{Op: "stat", Path: path, Err: err}
		}
		return copyFile(path, target, entryInfo.Mode().Perm())
	})
}

func copyFile(from, to string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(to), 0o750); err != nil {
		return &ResourceError{Op: "mkdir", Path: filepath.Dir(to), Err: err}
	}

	// #nosec G304 -- resource paths come from project configuration.
	src, err := os.Open(from)
	if err != nil {
		return &ResourceError{Op: "open", Path: from, Err: err}
	}
	defer src.Close()

	// #nosec G304 -- resource paths come from project configuration.
	dst, err := os.OpenFile(to, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return &ResourceError{Op: "create", Path: to, Err: err}
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return &ResourceError{Op: "copy", Path: to, Err: err}
	}
	if err := dst.Close(); err != nil {
		return &ResourceError{Op: "close", Path: to, Err: err}
	}
	return nil
}

// chmodExecutable marks a file, or every regular file under a directory,
// as executable.
func chmodExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &ResourceError{Op: "stat", Path: path, Err: err}
	}
	if !info.IsDir() {
		if err := os.Chmod(path, executableMode); err != nil {
			return &ResourceError{Op: "chmod", Path: path, Err: err}
		}
		return nil
	}
	return filepath.WalkDir(path, func(current string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return &ResourceError{Op: "walk", Path: current, Err: walkErr}
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		if err := os.Chmod(current, executableMode); err != nil {
			return &ResourceError{Op: "chmod", Path: current, Err: err}
		}
		return nil
	})
}
