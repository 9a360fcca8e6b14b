package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period that ends a burst of writes.
const DefaultDebounce = 200 * time.Millisecond

// ChangeEvent signals that the watched tree changed. It carries no payload:
// both bundles are always rebuilt from their full entry graph.
type ChangeEvent struct{}

// IgnoreFunc reports whether a changed path should be ignored.
type IgnoreFunc func(path string) bool

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	Ignore   IgnoreFunc
	Logger   *log.Logger
}

// Watcher turns recursive filesystem notifications into debounced change
// events.
type Watcher struct {
	debounce time.Duration
	ignore   IgnoreFunc
	logger   *log.Logger
}

// New creates a Watcher. A non-positive debounce uses DefaultDebounce.
func New(opts Options) *Watcher {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	ignore := opts.Ignore
	if ignore == nil {
		ignore = DefaultIgnore
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Watcher{
		debounce: debounce,
		ignore:   ignore,
		logger:   logger,
	}
}

// DefaultIgnore skips dotfiles and common editor scratch files.
func DefaultIgnore(path string) bool {
	name := filepath.Base(path)
	switch {
	case strings.HasPrefix(name, "."):
		return true
	case strings.HasSuffix(name, "~"):
		return true
	case strings.HasSuffix(name, ".swp"), strings.HasSuffix(name, ".swx"):
		return true
	default:
		return false
	}
}

// Watch registers root and every directory beneath it and returns a channel
// of change events. The channel holds at most one unread event; later bursts
// coalesce into it. It is closed once ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context, root string) (<-chan ChangeEvent, error) {
	if w == nil {
		return nil, errors.New("watcher is nil")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch %s: not a directory", root)
	}

	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	if err := w.addTree(notify, root); err != nil {
		_ = notify.Close()
		return nil, err
	}

	out := make(chan ChangeEvent, 1)
	go w.loop(ctx, notify, out)
	return out, nil
}

func (w *Watcher) loop(ctx context.Context, notify *fsnotify.Watcher, out chan<- ChangeEvent) {
	defer close(out)
	defer notify.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case event, ok := <-notify.Events:
			if !ok {
				return
			}
			if !w.relevant(notify, event) {
				continue
			}
			if pending && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.debounce)
			pending = true
		case err, ok := <-notify.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "err", err)
		case <-timer.C:
			pending = false
			select {
			case out <- ChangeEvent{}:
			default:
				w.logger.Debug("change coalesced into unread event")
			}
		}
	}
}

// relevant filters chmod-only and ignored events and registers directories
// created after the initial walk.
func (w *Watcher) relevant(notify *fsnotify.Watcher, event fsnotify.Event) bool {
	if w.ignore(event.Name) {
		return false
	}
	if event.Op == fsnotify.Chmod {
		return false
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(notify, event.Name); err != nil {
				w.logger.Warn("watch new directory", "path", event.Name, "err", err)
			}
		}
	}
	w.logger.Debug("source change", "path", event.Name, "op", event.Op.String())
	return true
}

func (w *Watcher) addTree(notify *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("walk %s: %w", path, walkErr)
		}
		if !entry.IsDir() {
			return nil
		}
		if path != root && w.ignore(path) {
			return filepath.SkipDir
		}
		if err := notify.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}
