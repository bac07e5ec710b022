package schema

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchOptions configures the live discovery watcher.
type WatchOptions struct {
	Dirs     []string
	Debounce time.Duration
	Logger   *slog.Logger
}

// DefaultWatchOptions returns the debounce/logger defaults the watcher
// falls back to when unset.
func DefaultWatchOptions(dirs ...string) WatchOptions {
	return WatchOptions{Dirs: dirs, Debounce: 500 * time.Millisecond, Logger: slog.Default()}
}

// Watch re-runs DiscoverAndLoadAll whenever a .json file under any of
// opts.Dirs is created or written, debounced so a burst of writes
// triggers a single rescan. Blocks until ctx is cancelled.
func (e *Engine) Watch(ctx context.Context, opts WatchOptions) error {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, dir := range opts.Dirs {
		if err := watcher.Add(dir); err != nil {
			opts.Logger.WarnContext(ctx, "schema: cannot watch directory", "dir", dir, "error", err)
		}
	}

	var timer *time.Timer
	rescan := func() {
		if _, err := e.DiscoverAndLoadAll(ctx, opts.Dirs...); err != nil {
			opts.Logger.ErrorContext(ctx, "schema: rescan failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isRelevantSchemaEvent(event) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(opts.Debounce, rescan)

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			opts.Logger.ErrorContext(ctx, "schema: watcher error", "error", watchErr)
		}
	}
}

// isRelevantSchemaEvent filters fsnotify events down to create/write
// of a .json file, ignoring editor temp files.
func isRelevantSchemaEvent(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	if !strings.HasSuffix(event.Name, ".json") {
		return false
	}
	if strings.HasSuffix(event.Name, "~") || strings.HasSuffix(event.Name, ".swp") {
		return false
	}
	return true
}
