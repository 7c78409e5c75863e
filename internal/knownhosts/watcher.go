package knownhosts

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Store when its backing file changes, so pins edited by
// hand (or removed for a re-keyed server) take effect without restarting.
type Watcher struct {
	store    *Store
	onChange chan int
	onError  chan error
	stop     chan struct{}
	once     sync.Once
}

// NewWatcher creates a watcher for the store's backing file.
func NewWatcher(store *Store) *Watcher {
	return &Watcher{
		store:    store,
		onChange: make(chan int, 1),
		onError:  make(chan error, 1),
		stop:     make(chan struct{}),
	}
}

// OnChange returns a channel that receives the pin count after each reload.
func (w *Watcher) OnChange() <-chan int {
	return w.onChange
}

// OnError returns a channel that receives reload errors.
func (w *Watcher) OnError() <-chan error {
	return w.onError
}

// Start begins watching the pin file. Must be called in a goroutine.
func (w *Watcher) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("failed to create file watcher", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(w.store.Path()); err != nil {
		slog.Error("failed to watch known hosts file", "path", w.store.Path(), "error", err)
		return
	}

	slog.Info("watching known hosts file", "path", w.store.Path())

	var debounce *time.Timer

	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				// Debounce: wait 100ms for writes to settle
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, func() {
					w.reload()
				})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	if err := w.store.Reload(); err != nil {
		slog.Error("known hosts reload failed (keeping old pins)", "error", err)
		select {
		case w.onError <- err:
		default:
		}
		return
	}
	slog.Info("known hosts reloaded", "pins", w.store.Len())
	select {
	case w.onChange <- w.store.Len():
	default:
	}
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stop) })
}
