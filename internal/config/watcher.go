package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/twistedxcom/autopilot/internal/logging"
)

var cfgLog = logging.ForComponent(logging.CompConfig)

// debounceWindow coalesces the editor write-rename-chmod burst into a single
// reload.
const debounceWindow = 250 * time.Millisecond

// Watcher reloads the store when the config file changes on disk and invokes
// the registered callback. The parent directory is watched rather than the
// file itself, since atomic saves replace the inode.
type Watcher struct {
	store    *Store
	onReload func()

	fsw       *fsnotify.Watcher
	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewWatcher starts watching the store's config file. onReload runs after
// every successful reload.
func NewWatcher(store *Store, onReload func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(store.Path())
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		store:    store,
		onReload: onReload,
		fsw:      fsw,
		closeCh:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	target := filepath.Base(w.store.Path())

	for {
		select {
		case <-w.closeCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.store.Reload(); err != nil {
				cfgLog.Warn("config_reload_failed", slog.String("error", err.Error()))
				continue
			}
			cfgLog.Info("config_reloaded", slog.String("path", w.store.Path()))
			if w.onReload != nil {
				w.onReload()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			cfgLog.Warn("config_watch_error", slog.String("error", err.Error()))
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.closeCh)
		_ = w.fsw.Close()
	})
}
