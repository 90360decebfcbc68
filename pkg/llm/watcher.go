package llm

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// TierWatcher reloads a tier file into a Selector whenever it changes.
// Invalid files are logged and the previous configuration stays active.
type TierWatcher struct {
	path     string
	selector *Selector
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	onReload func(*TierConfig, error)
}

// NewTierWatcher watches the directory containing path, so editors that
// replace the file atomically are still observed.
func NewTierWatcher(path string, selector *Selector) (*TierWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tier watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("tier watcher: watch %q: %w", path, err)
	}
	return &TierWatcher{
		path:     filepath.Clean(path),
		selector: selector,
		watcher:  w,
		logger:   slog.Default().With("component", "tier_watcher"),
	}, nil
}

// OnReload sets a callback invoked after every reload attempt.
func (w *TierWatcher) OnReload(fn func(*TierConfig, error)) {
	w.onReload = fn
}

// Run processes file events until ctx is cancelled.
func (w *TierWatcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("tier watcher error", "error", err)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *TierWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	cfg, err := LoadTierConfig(w.path)
	if err != nil {
		w.logger.Error("tier config reload rejected", "path", w.path, "error", err)
	} else {
		w.selector.SetConfig(cfg)
	}
	if w.onReload != nil {
		w.onReload(cfg, err)
	}
}
