package tailer

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher turns file system activity in the log directories into wake-up
// signals, so the loop can poll before its interval elapses.
type Watcher struct {
	fsw    *fsnotify.Watcher
	wake   chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

func NewWatcher(dirs []string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	w := &Watcher{
		fsw:    fsw,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go w.run()
	return w, nil
}

// Wake fires at most once per burst of events.
func (w *Watcher) Wake() <-chan struct{} {
	return w.wake
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if isStateFile(ev.Name) {
				continue
			}
			select {
			case w.wake <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// isStateFile reports whether name is the offset store's own file, which is
// rewritten on every tick and must not wake the loop.
func isStateFile(name string) bool {
	base := filepath.Base(name)
	return base == stateFileName || base == stateFileName+".tmp"
}

func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}
