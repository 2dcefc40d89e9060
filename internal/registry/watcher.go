package registry

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"fotopoisk/internal/errors"
)

// DefaultDebounce coalesces the burst of filesystem events a single
// pointer swap produces.
const DefaultDebounce = 200 * time.Millisecond

// Watcher fires a callback when the active pointer changes on disk, which
// happens when an operator promotes or restores from another process.
type Watcher struct {
	registry *Registry
	fsw      *fsnotify.Watcher
	debounce time.Duration
	onChange func(*Artifact)
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// WatchActive starts watching the registry's active pointer. onChange
// receives the freshly resolved artifact after each change; resolution
// failures are logged and swallowed so a torn deploy cannot crash the
// server through its watcher.
func WatchActive(r *Registry, debounce time.Duration, onChange func(*Artifact), logger *slog.Logger) (*Watcher, error) {
	if r == nil || onChange == nil {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "registry and callback are required", nil)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.StoreError("cannot create registry watcher", err)
	}
	// The pointer is replaced by rename, so the directory is watched, not
	// the file itself.
	if err := fsw.Add(r.Root()); err != nil {
		_ = fsw.Close()
		return nil, errors.StoreError("cannot watch registry directory", err)
	}

	w := &Watcher{
		registry: r,
		fsw:      fsw,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != activeFile {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timerC:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.notify()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("registry_watch_error", "error", err.Error())
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) notify() {
	a, err := w.registry.Active()
	if err != nil {
		w.logger.Warn("registry_reload_failed", "error", err.Error())
		return
	}
	w.logger.Info("active_model_changed", "version", a.Version, "origin", a.Origin)
	w.onChange(a)
}

// Close stops the watcher and waits for its loop to exit.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.fsw.Close()
		<-w.done
	})
	return err
}
