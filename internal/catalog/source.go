package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Source yields the catalog snapshot a run should use.
type Source interface {
	Current() (*Catalog, error)
}

// Static always yields the same catalog.
type Static struct {
	Catalog *Catalog
}

func (s Static) Current() (*Catalog, error) {
	if s.Catalog == nil {
		return nil, fmt.Errorf("no catalog loaded")
	}
	return s.Catalog, nil
}

// File reloads the catalog from disk on every call.
type File string

func (f File) Current() (*Catalog, error) { return Load(string(f)) }

// Watcher keeps the last valid catalog in memory and reloads it when the file
// changes on disk. An invalid edit is logged and the previous snapshot kept.
type Watcher struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.RWMutex
	current  *Catalog
	onReload func(*Catalog)
}

// WatcherOption customizes a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// OnReload registers a callback invoked after each successful reload.
func OnReload(fn func(*Catalog)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher loads path once; the initial load must succeed.
func NewWatcher(path string, logger *slog.Logger, opts ...WatcherOption) (*Watcher, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     c.Path,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		current:  c,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Watcher) Current() (*Catalog, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current, nil
}

// Reload re-reads the file now. On error the previous snapshot stays active.
func (w *Watcher) Reload() error {
	c, err := Load(w.path)
	if err != nil {
		w.logger.Warn("catalog reload rejected, keeping previous version", "path", w.path, "err", err)
		return err
	}
	w.mu.Lock()
	w.current = c
	w.mu.Unlock()
	w.logger.Info("catalog reloaded", "path", w.path, "groups", len(c.Groups), "messages", len(c.Messages))
	if w.onReload != nil {
		w.onReload(c)
	}
	return nil
}

// Run watches the catalog's directory until ctx is done. Editors often
// replace files by rename, so the directory is watched rather than the file.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog watcher: %w", err)
	}
	defer fw.Close()

	dir, file := filepath.Dir(w.path), filepath.Base(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("catalog watcher: watch %s: %w", dir, err)
	}
	w.logger.Debug("catalog watcher started", "dir", dir, "file", file)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			_ = w.Reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("catalog watch error", "err", err)
		}
	}
}
