package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watcherDebounce = 500 * time.Millisecond

// StartWatcher watches the config file and calls Reload when it changes.
// The parent directory is watched so editors that replace the file by rename
// are still seen. It blocks until the context is cancelled.
func (d *Daemon) StartWatcher(ctx context.Context) error {
	if d.cfgPath == "" {
		return errors.New("daemon has no config file to watch")
	}
	target := filepath.Clean(d.cfgPath)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}

	d.logger.Info("watching config file for changes", "path", target)

	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			d.logger.Debug("config file changed", "op", event.Op)

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(watcherDebounce, func() {
				result, err := d.Reload(ctx)
				if err != nil {
					d.logger.Error("config reload failed", "error", err)
					return
				}
				if len(result.Applied) > 0 || len(result.Deferred) > 0 {
					d.logger.Info("config reloaded",
						"applied", result.Applied,
						"deferred_until_restart", result.Deferred)
				} else {
					d.logger.Debug("config reload: no changes detected")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Error("file watcher error", "error", err)
		}
	}
}
