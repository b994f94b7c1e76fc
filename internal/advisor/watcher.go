package advisor

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Shaydu/mondrian/internal/logging"
)

// Watcher reloads the catalog when advisor files change. Events are
// debounced so an editor's write-rename dance triggers a single reload.
type Watcher struct {
	catalog  *Catalog
	fsw      *fsnotify.Watcher
	debounce time.Duration
	done     chan struct{}
}

// NewWatcher starts watching the catalog's directory. Call Close to stop.
func NewWatcher(catalog *Catalog) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(catalog.dir); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{
		catalog:  catalog,
		fsw:      fsw,
		debounce: 500 * time.Millisecond,
		done:     make(chan struct{}),
	}
	go w.run()
	logging.Advisor("Watching %s for catalog changes", catalog.dir)
	return w, nil
}

func (w *Watcher) run() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !isYAML(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.catalog.Load(context.Background()); err != nil {
				logging.AdvisorError("Catalog reload failed: %v", err)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.AdvisorWarn("Watcher error: %v", err)
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
