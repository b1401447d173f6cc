package targets

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports target directories being created or removed under
// the targets root, so the dispatcher can (un)subscribe without a
// restart.
type Watcher struct {
	watcher  *fsnotify.Watcher
	onCreate func(target string)
	onRemove func(target string)
	logger   *slog.Logger
	done     chan struct{}
}

// WatchDirectory starts watching root. onCreate runs when a new entry
// appears directly under root, onRemove when one disappears. Both run
// on the watcher's goroutine and must not block.
func WatchDirectory(root string, onCreate, onRemove func(target string), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create targets watcher: %w", err)
	}
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch targets directory %s: %w", root, err)
	}

	w := &Watcher{
		watcher:  fsw,
		onCreate: onCreate,
		onRemove: onRemove,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go w.run()

	logger.Info("watching targets directory", "path", root)
	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			target := filepath.Base(ev.Name)
			switch {
			case ev.Has(fsnotify.Create):
				w.logger.Debug("target appeared", "target", target)
				w.onCreate(target)
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				w.logger.Debug("target disappeared", "target", target)
				w.onRemove(target)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("targets watcher error", "error", err)
		}
	}
}
