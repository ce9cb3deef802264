package config

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher watches the configuration file and emits a nudge on Changes
// after it is written. The control loop still re-reads the file every
// iteration; nudges only cut the sleep short so edits apply sooner.
type Watcher struct {
	path     string
	logger   *log.Logger
	debounce time.Duration

	changes chan struct{}

	mu            sync.Mutex
	debounceTimer *time.Timer
	stopCh        chan struct{}
	stopOnce      sync.Once
	doneCh        chan struct{}
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long to wait for writes to settle before nudging.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, logger *log.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		logger:   logger,
		debounce: defaultDebounce,
		changes:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Changes delivers at most one pending nudge at a time.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Start watches the config file's directory until ctx is cancelled or Stop
// is called. Editors often replace files by rename, so the directory is
// watched rather than the file. If fsnotify cannot be initialized, Start
// logs and returns; the loop falls back to its regular interval.
func (w *Watcher) Start(ctx context.Context) {
	defer close(w.doneCh)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Printf("ConfigWatcher: fsnotify init failed (%v), relying on interval reloads", err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		w.logger.Printf("ConfigWatcher: watch %s failed (%v), relying on interval reloads", dir, err)
		return
	}
	name := filepath.Base(w.path)
	w.logger.Printf("ConfigWatcher: watching %s", w.path)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return
		case <-w.stopCh:
			w.stopTimer()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.triggerDebounced()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("ConfigWatcher: %v", err)
		}
	}
}

// Stop signals the watcher to stop and waits for Start to return.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *Watcher) triggerDebounced() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounce, w.notify)
}

func (w *Watcher) notify() {
	select {
	case w.changes <- struct{}{}:
	default:
	}
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
}
