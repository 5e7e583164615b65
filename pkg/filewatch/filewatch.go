// Package filewatch calls back when a single file changes on disk.
//
// The parent directory is watched rather than the file itself, so editors
// and config management tools that save by writing a temporary file and
// renaming it over the target keep triggering. Bursts of events are
// coalesced: the callback runs once the file has been quiet for the
// debounce window.
package filewatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period used by Watch.
const DefaultDebounce = 100 * time.Millisecond

// Watch calls onChange after each burst of writes to path until ctx is
// cancelled. onChange runs on the watching goroutine.
func Watch(ctx context.Context, path string, onChange func()) error {
	return WatchDebounced(ctx, path, DefaultDebounce, onChange)
}

// WatchDebounced is Watch with an explicit quiet period.
func WatchDebounced(ctx context.Context, path string, debounce time.Duration, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("filewatch: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("filewatch: watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			timer = nil
			onChange()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("filewatch: watcher error", "path", path, "err", err)
		}
	}
}
