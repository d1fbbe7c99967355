package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDelay = 200 * time.Millisecond

// ReloadFunc receives every configuration that loads and validates after a
// change to the watched file.
type ReloadFunc func(*Config) error

// Watcher reloads a configuration file when it changes. A file that fails to
// load is logged and skipped; the previous configuration stays in effect.
type Watcher struct {
	path   string
	logger zerolog.Logger
	delay  time.Duration

	mu      sync.Mutex
	current *Config
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a watcher for path. current is the configuration
// already in effect.
func NewWatcher(path string, current *Config, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:    filepath.Clean(path),
		logger:  logger.With().Str("component", "config-watcher").Logger(),
		delay:   reloadDelay,
		current: current,
	}
}

// Current returns the configuration most recently accepted.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start watches the file's directory, so editors that replace the file are
// seen, and calls fn after each successful reload. It returns once the
// watcher is set up.
func (w *Watcher) Start(ctx context.Context, fn ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.processEvents(ctx, watcher, fn)

	w.logger.Info().Str("path", w.path).Msg("Watching configuration file")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher, fn ReloadFunc) {
	defer close(w.done)

	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path ||
				event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().Str("op", event.Op.String()).Msg("Configuration file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(w.delay, func() {
				if err := w.reload(fn); err != nil {
					w.logger.Error().Err(err).Msg("Failed to reload configuration")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload(fn ReloadFunc) error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return fmt.Errorf("failed to apply configuration: %w", err)
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info().Msg("Configuration reloaded")
	return nil
}

// Stop closes the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	watcher, done := w.watcher, w.done
	w.watcher = nil
	w.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}
