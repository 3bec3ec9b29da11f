package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Callback is called with the freshly loaded configuration after the watched
// file changes and passes validation.
type Callback func(*Config)

// Watcher watches the configuration file and triggers reloads. Only the
// fields documented as reloadable should be consumed from reloads; the rest
// require a restart.
type Watcher struct {
	path          string
	watcher       *fsnotify.Watcher
	callback      Callback
	logger        *zap.Logger
	debounceDelay time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopCh  chan struct{}
	stopped sync.Once
}

// NewWatcher creates a watcher for the given config path. Events are
// debounced because editors and config mounts produce bursts of writes.
func NewWatcher(path string, callback Callback, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}

	// Watch the directory: atomic-rename updates replace the file inode.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{
		path:          path,
		watcher:       fsw,
		callback:      callback,
		logger:        logger,
		debounceDelay: 200 * time.Millisecond,
		stopCh:        make(chan struct{}),
	}

	go w.run()

	return w, nil
}

// run consumes fsnotify events until Stop is called.
func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-w.stopCh:
			return
		}
	}
}

// scheduleReload debounces bursts of file events into one reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounceDelay, w.reload)
}

// reload loads, validates, and hands the new configuration to the callback.
// An invalid file is logged and ignored; the running configuration stays.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed", zap.Error(err))
		return
	}
	if err := Validate(cfg); err != nil {
		w.logger.Warn("config reload rejected", zap.Error(err))
		return
	}

	w.logger.Info("configuration reloaded", zap.String("path", w.path))
	w.callback(cfg)
}

// Stop stops the watcher. Safe to call multiple times.
func (w *Watcher) Stop() error {
	var err error
	w.stopped.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
	})
	return err
}
