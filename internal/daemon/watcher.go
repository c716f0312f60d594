package daemon

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/benaskins/warden/internal/audit"
)

const watcherDebounce = 500 * time.Millisecond

// StartWatcher watches the spec directory for changes and triggers Reload on modifications.
// It blocks until the context is cancelled.
func (d *Daemon) StartWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(d.specDir); err != nil {
		return err
	}

	d.logger.Info("watching spec directory for changes", "dir", d.specDir)

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
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isSpecFile(event.Name) {
				continue
			}
			d.logger.Debug("spec file changed", "file", event.Name, "op", event.Op)

			// Debounce: reset timer on each event
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(watcherDebounce, func() {
				if ctx.Err() != nil {
					return
				}
				d.logger.Info("reloading specs after file change")
				result, err := d.Reload(ctx)
				d.auditReload(result, err)
				if err != nil {
					d.logger.Error("auto-reload failed", "error", err)
					return
				}
				if result.Changed() {
					d.logger.Info("auto-reload complete",
						"added", result.Added,
						"removed", result.Removed,
						"restarted", result.Restarted)
				} else {
					d.logger.Debug("auto-reload: no changes detected")
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

func (d *Daemon) auditReload(result *ReloadResult, err error) {
	e := audit.Entry{Action: audit.ActionReload, Actor: "watcher"}
	if result != nil {
		e.Detail = result.String()
	}
	if err != nil {
		e.Error = err.Error()
	}
	if err := d.audit.Log(e); err != nil {
		d.logger.Warn("audit log write failed", "error", err)
	}
}

// isSpecFile reports whether path names a file LoadDir would read. The state
// file may share the directory and must not trigger reloads.
func isSpecFile(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
