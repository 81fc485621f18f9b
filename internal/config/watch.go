package config

import (
	"github.com/fsnotify/fsnotify"

	"ouroboros.dev/ouroboros/internal/errors"
	"ouroboros.dev/ouroboros/internal/logging"
)

// Watcher reloads a bootstrap configuration file on every write,
// the generalisation of the teacher's config hot-reload (same
// `fsnotify.Watcher` dependency) to a running IPCP picking up an
// updated QoS-cube table without a restart (spec §A.3).
type Watcher struct {
	path     string
	onReload func(*BootstrapConf, error)
	log      *logging.Logger

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// WatchBootstrapConf starts watching path for writes, invoking
// onReload with the freshly parsed+validated configuration (or the
// error encountered) on every change.
func WatchBootstrapConf(path string, log *logging.Logger, onReload func(*BootstrapConf, error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "config: create fsnotify watcher")
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, errors.KindInternal, "config: watch %q", path)
	}

	w := &Watcher{path: path, onReload: onReload, log: log, fsw: fsw, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			conf, err := LoadBootstrapConf(w.path)
			if err != nil {
				w.log.Warn("config: reload failed, keeping previous configuration", "path", w.path, "error", err)
			} else {
				w.log.Notice("config: bootstrap configuration reloaded", "path", w.path, "dif", conf.DIFName)
			}
			w.onReload(conf, err)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config: watcher error", "path", w.path, "error", err)
		}
	}
}

// Close stops watching and releases the underlying fsnotify handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
