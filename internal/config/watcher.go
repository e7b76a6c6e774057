package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the configuration file and invokes a callback with the
// freshly loaded config after changes settle. Reload failures keep the
// previous config in effect.
type Watcher struct {
	configPath   string
	watcher      *fsnotify.Watcher
	onReload     func(*Config)
	debounceTime time.Duration
}

// NewWatcher creates a watcher for configPath. onReload is called from the
// watcher goroutine; callers are responsible for their own locking.
func NewWatcher(configPath string, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	// Resolve absolute path for consistent watching.
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	return &Watcher{
		configPath:   absPath,
		watcher:      fsw,
		onReload:     onReload,
		debounceTime: 2 * time.Second, // settle window for editors that write in bursts
	}, nil
}

// Start begins monitoring until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	// Watch the directory: watching the file directly breaks on atomic
	// rename-based saves.
	configDir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(configDir); err != nil {
		return fmt.Errorf("watch config directory %s: %w", configDir, err)
	}

	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer func() { _ = w.watcher.Close() }()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.configPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounceTime)
				timerC = timer.C
			} else {
				timer.Reset(w.debounceTime)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.configPath)
	if err != nil {
		slog.Error("Config reload failed, keeping previous config", "path", w.configPath, "error", err)
		return
	}
	slog.Info("Config reloaded", "path", w.configPath)
	w.onReload(cfg)
}
