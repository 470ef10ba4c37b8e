package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Subscriber receives every successfully reloaded configuration
type Subscriber func(*Config)

// Watcher reloads the config file when it changes on disk.
// Invalid files are logged and ignored; subscribers only see valid configs.
type Watcher struct {
	loader      *Loader
	watcher     *fsnotify.Watcher
	debounce    time.Duration
	mu          sync.Mutex
	subscribers []Subscriber
	timer       *time.Timer
	done        chan struct{}
	stopOnce    sync.Once
}

// NewWatcher creates a watcher for the loader's config path.
// A zero debounce defaults to 100ms.
func NewWatcher(loader *Loader, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &Watcher{
		loader:   loader,
		watcher:  fw,
		debounce: debounce,
		done:     make(chan struct{}),
	}, nil
}

// Subscribe registers fn for future reloads
func (w *Watcher) Subscribe(fn Subscriber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

// Start watches the directory holding the config file. Editors replace files
// by rename, so the directory is watched rather than the file itself.
func (w *Watcher) Start() error {
	path := w.loader.GetConfigPath()
	if err := w.watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.eventLoop(filepath.Clean(path))

	log.Info().Str("path", path).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)

		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()

		if cerr := w.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
	})
	return err
}

func (w *Watcher) eventLoop(path string) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

// schedule coalesces bursts of writes into one reload
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

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
	cfg, err := w.loader.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Config reload failed, keeping previous config")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Warn().Err(err).Msg("Reloaded config is invalid, keeping previous config")
		return
	}

	w.mu.Lock()
	subscribers := append([]Subscriber(nil), w.subscribers...)
	w.mu.Unlock()

	log.Info().Msg("Config reloaded")
	for _, fn := range subscribers {
		fn(cfg)
	}
}
