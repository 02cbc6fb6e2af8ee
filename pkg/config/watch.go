package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/odvcencio/threadline/pkg/logging"
	"github.com/odvcencio/threadline/pkg/paths"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads the config whenever one of files changes and passes each
// valid result to onChange. Invalid edits are logged and skipped. It blocks
// until ctx is done.
//
// Editors often replace a file rather than write it in place, so the
// parent directories are watched and events are filtered by name.
func Watch(ctx context.Context, files []string, load func() (*Config, error), onChange func(*Config), logger *logging.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	wanted := make(map[string]bool, len(files))
	dirs := make(map[string]bool)
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			continue
		}
		wanted[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			logger.Debug(logging.CategoryChat, "config_watch_skip", err.Error(), map[string]any{"dir": dir})
		}
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(ev.Name)
			if err != nil || !wanted[name] {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			cfg, err := load()
			if err != nil {
				logger.Warn(logging.CategoryChat, "config_reload_failed", err.Error(), nil)
				continue
			}
			logger.Info(logging.CategoryChat, "config_reloaded", "configuration reloaded", nil)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn(logging.CategoryChat, "config_watch_error", err.Error(), nil)
		}
	}
}

// WatchedFiles returns the config files Load reads.
func WatchedFiles() []string {
	return []string{paths.UserConfigPath(), paths.ProjectConfigPath(".")}
}
