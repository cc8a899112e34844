package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chatpilot/chatpilot/internal/platform"
)

const reloadDebounce = 100 * time.Millisecond

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	path     string
	onChange func(*Config)

	mu      sync.RWMutex
	current *Config
}

// NewWatcher watches path, starting from cfg. onChange runs after every
// successful reload; a file that fails to decode keeps the previous config.
func NewWatcher(path string, cfg *Config, onChange func(*Config)) *Watcher {
	return &Watcher{path: path, current: cfg, onChange: onChange}
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run watches until ctx is done. The directory is watched rather than the
// file so editors that save by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if warn := platform.CheckFsnotifySupport(dir); warn != "" {
		configLog.Warn("config_watch_unreliable", "dir", dir, "warning", warn)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var (
		timerMu  sync.Mutex
		debounce *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if debounce != nil {
			debounce.Stop()
		}
		timerMu.Unlock()
	}()

	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			timerMu.Lock()
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if ctx.Err() == nil {
					w.reload()
				}
			})
			timerMu.Unlock()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			configLog.Warn("config_watch_error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Read(w.path)
	if err != nil {
		configLog.Warn("config_reload_failed", "path", w.path, "error", err)
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	configLog.Info("config_reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
