package config

import (
	"path/filepath"
	"sync"

	"skipper/internal/logger"

	"github.com/fsnotify/fsnotify"
)

// ChangeListener receives the freshly loaded config after a file change.
type ChangeListener func(cfg *Config)

// Watcher reloads the config file on modification and fans the new
// snapshot out to subscribers. Reload failures keep the previous
// snapshot; a broken edit never takes the process down.
type Watcher struct {
	path string

	mu        sync.RWMutex
	current   *Config
	listeners []ChangeListener

	fsw *fsnotify.Watcher
}

func NewWatcher(path string, initial *Config) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{path: abs, current: initial, fsw: fsw}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != w.path {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warnf("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logger.Errorf("config reload failed (%s): %v", w.path, err)
		return
	}
	w.mu.Lock()
	w.current = cfg
	listeners := make([]ChangeListener, len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.Unlock()
	logger.Infof("config reloaded from %s", w.path)
	for _, fn := range listeners {
		w.safeNotify(fn, cfg)
	}
}

func (w *Watcher) safeNotify(fn ChangeListener, cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("config listener panic: %v", r)
		}
	}()
	fn(cfg)
}

// Snapshot returns the most recently loaded config.
func (w *Watcher) Snapshot() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe registers a listener for future reloads.
func (w *Watcher) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}
