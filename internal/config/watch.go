package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file on change and calls onReload after a
// successful swap. Reload is non-destructive: live sessions keep their
// resolution results; only new sessions observe the new config. Invalid
// files are logged and skipped; the last good config stays active.
func Watch(ctx context.Context, path string, cfg *Config, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: editors replace files by rename, which drops a
	// watch on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, func() {
					reload(path, cfg, onReload)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func reload(path string, cfg *Config, onReload func()) {
	next, err := Load(path)
	if err != nil {
		slog.Warn("config reload failed, keeping previous", "path", path, "error", err)
		return
	}
	if err := next.Validate(); err != nil {
		slog.Warn("config reload invalid, keeping previous", "path", path, "error", err)
		return
	}
	cfg.ReplaceFrom(next)
	slog.Info("config reloaded", "path", path)
	if onReload != nil {
		onReload()
	}
}

// Reload is the config.reload method path: same semantics as a watcher hit.
func Reload(path string, cfg *Config, onReload func()) error {
	next, err := Load(path)
	if err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	cfg.ReplaceFrom(next)
	if onReload != nil {
		onReload()
	}
	return nil
}
