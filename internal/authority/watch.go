package authority

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes authority.lock/authority.meta for out-of-process
// removal or rewrite while this process believes it holds the lock
// (spec §4.9's external-tamper detection, SPEC_FULL.md DOMAIN STACK).
// It only logs and reports; it does not re-acquire or shut the process
// down, since that policy decision belongs to the caller (cmd/ripd).
type Watcher struct {
	fsw *fsnotify.Watcher
	log *slog.Logger

	Tampered chan string // receives the path that changed
}

// WatchLock starts watching dataDir's lock files. Callers should range
// over Tampered and decide whether to exit.
func WatchLock(dataDir string, log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dataDir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, log: log, Tampered: make(chan string, 8)}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				close(w.Tampered)
				return
			}
			base := fsBaseName(ev.Name)
			if base != lockFileName && base != metaFileName {
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if w.log != nil {
				w.log.Warn("authority lock file changed externally", "path", ev.Name, "op", ev.Op.String())
			}
			select {
			case w.Tampered <- ev.Name:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.Warn("authority lock watcher error", "error", err)
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }

func fsBaseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
