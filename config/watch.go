package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/NotEvenANeko/objc-sdk/logger"
)

// Watch calls fn with the reloaded config every time the file at path changes, until ctx
// is done. The watch is in place by the time Watch returns. Changes that do not load are
// logged and skipped.
func Watch(ctx context.Context, logger *logger.Logger, path string, fn func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("error starting new file watcher: %w", err)
	}

	// editors replace the file rather than write to it, so the directory is what we watch
	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				config, err := Load(ctx, path)
				if err != nil {
					logger.Errorf("Ignoring config change: %s", err)
					continue
				}
				logger.Infof("Reloaded config from %s", path)
				fn(config)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Errorf("Config watcher error: %s", err)
			}
		}
	}()

	return nil
}
