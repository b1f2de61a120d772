package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 200 * time.Millisecond

// Watch reloads the configuration whenever the loaded file is written or
// recreated, until ctx is done. The file's directory is watched so that
// atomic renames are seen. A reload that fails keeps the previous
// configuration.
func (cm *ConfigManager) Watch(ctx context.Context, logger hclog.Logger) error {
	path := cm.ConfigPath()
	if path == "" {
		return fmt.Errorf("no config path set")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("config-watcher")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		reload := func() {
			if err := cm.LoadConfig(path); err != nil {
				logger.Error("Config reload failed", "path", path, "error", err)
				return
			}
			logger.Info("Config reloaded", "path", path)
		}

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Config watcher error", "error", err)
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			}
		}
	}()
	return nil
}
