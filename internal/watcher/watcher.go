// Package watcher signals when files in a directory are written.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/withObsrvr/obsrvr-block-writer/internal/logging"
)

// Watcher delivers write notifications for files in one directory.
type Watcher struct {
	fs  *fsnotify.Watcher
	dir string
	log *slog.Logger

	mu   sync.Mutex
	subs map[string]chan struct{}
}

// New starts watching dir.
func New(dir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{
		fs:   fw,
		dir:  dir,
		log:  logging.Component("watcher"),
		subs: make(map[string]chan struct{}),
	}, nil
}

// Changed returns a channel that receives a value after name (a file in the
// watched directory) is written or created. Notifications coalesce.
func (w *Watcher) Changed(name string) <-chan struct{} {
	name = filepath.Base(name)
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.subs[name]
	if !ok {
		ch = make(chan struct{}, 1)
		w.subs[name] = ch
	}
	return ch
}

// Run dispatches events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.notify(filepath.Base(event.Name))

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "dir", w.dir, "error", err)
		}
	}
}

func (w *Watcher) notify(name string) {
	w.mu.Lock()
	ch, ok := w.subs[name]
	w.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
