package config

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Store whenever its backing file is edited on disk
// outside this process (e.g. a user hand-editing config.json while the
// supervisor is stopped). It follows the same fsnotify event-loop shape as
// backend/internal/syncer/watcher.go's WatcherService, narrowed from
// watching many synced directories to watching one config file.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	logger  *log.Logger
}

// NewWatcher creates a Watcher for store. The directory containing the
// store's file is watched (rather than the file itself) so that editors
// which replace the file via rename-on-save still trigger a reload.
func NewWatcher(store *Store, logger *log.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(store.path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{store: store, watcher: fw, logger: logger}, nil
}

// Run blocks until ctx is cancelled or the watcher's channels close,
// reloading store on every write or create event on its file and calling
// onChange (if non-nil) after each successful reload.
func (w *Watcher) Run(ctx context.Context, onChange func()) {
	defer w.watcher.Close()
	target := filepath.Clean(w.store.path)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			if err := w.store.Load(); err != nil {
				w.logger.Printf("config watcher: reload failed: %v", err)
				continue
			}
			if onChange != nil {
				onChange()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("config watcher: %v", err)
		}
	}
}
