package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the config file must stay quiet before a
// change is reloaded.
const DefaultDebounce = 250 * time.Millisecond

// ReloadFunc receives each successfully loaded and validated config.
type ReloadFunc func(cfg *Config)

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	Path     string
	Debounce time.Duration
	OnReload ReloadFunc
	Logger   zerolog.Logger
}

// Watcher reloads the config file when it changes. The parent directory
// is watched because editors often replace a file instead of writing it.
// Configs that fail to load or validate are logged and skipped.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	onReload ReloadFunc
	logger   zerolog.Logger

	done     chan struct{}
	timer    *time.Timer
	timerMu  sync.Mutex
	stopOnce sync.Once
}

// NewWatcher creates a new config watcher
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.OnReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}

	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	return &Watcher{
		watcher:  watcher,
		path:     path,
		debounce: cfg.Debounce,
		onReload: cfg.OnReload,
		logger:   cfg.Logger,
		done:     make(chan struct{}),
	}, nil
}

// Start starts watching the config file
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.eventLoop()

	w.logger.Info().Str("path", w.path).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)

		w.timerMu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.timerMu.Unlock()

		if closeErr := w.watcher.Close(); closeErr != nil {
			err = fmt.Errorf("failed to close watcher: %w", closeErr)
		}
		w.logger.Info().Msg("Config watcher stopped")
	})
	return err
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

// schedule debounces bursts of events into one reload.
func (w *Watcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("Ignoring unreadable config change")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("Ignoring invalid config change")
		return
	}

	w.logger.Info().Str("path", w.path).Int("namespaces", len(cfg.Namespaces)).Msg("Config reloaded")
	w.onReload(cfg)
}
