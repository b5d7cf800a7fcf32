package bridgecfg

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/qsysbridge/core/internal/errors"
)

// ReloadCallback is invoked with the freshly reloaded configuration
// whenever the watched file changes.
type ReloadCallback func(*Config)

// Watcher watches one config file and calls every registered
// ReloadCallback, debounced, whenever it changes on disk. The bridge
// only ever reloads to log the new resolved configuration for an
// operator's audit trail, never to apply it live.
type Watcher struct {
	path      string
	watcher   *fsnotify.Watcher
	mu        sync.Mutex
	callbacks []ReloadCallback
	debounce  time.Duration
	stop      chan struct{}
}

// NewWatcher starts watching path for changes. path must already exist;
// a config file that doesn't exist yet has nothing to watch.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating fsnotify watcher")
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "watching config file %s", path)
	}

	w := &Watcher{
		path:     path,
		watcher:  fw,
		debounce: 500 * time.Millisecond,
		stop:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// OnReload registers cb to be called after every debounced reload.
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

func (w *Watcher) run() {
	var timer *time.Timer
	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFromFile(w.path)
	if err != nil {
		return
	}
	w.mu.Lock()
	callbacks := append([]ReloadCallback(nil), w.callbacks...)
	w.mu.Unlock()
	for _, cb := range callbacks {
		cb(cfg)
	}
}

// Close stops the watcher and releases its file handle.
func (w *Watcher) Close() error {
	close(w.stop)
	return w.watcher.Close()
}
