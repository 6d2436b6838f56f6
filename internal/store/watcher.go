package store

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates the store's committed-document cache when a scope
// backing file changes on disk outside the store (manual edits, other
// processes). Working copies held by in-flight transactions are never
// affected.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching the store's config root. Call Close to stop.
func Watch(s *Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(s.rootDir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config root: %w", err)
	}

	w := &Watcher{
		store:   s,
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			scope, ok := scopeFromPath(event.Name)
			if !ok {
				continue
			}
			w.store.Invalidate(scope)
			w.store.logger.Printf("DEBUG store: cache invalidated scope=%s op=%s", scope, event.Op)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.store.logger.Printf("WARN store: watcher error=%v", err)
		}
	}
}

// scopeFromPath maps a backing file path to its scope name. Temp files,
// backups and quarantined files are ignored.
func scopeFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, ".yaml") {
		return "", false
	}
	return strings.TrimSuffix(base, ".yaml"), true
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
