package storage

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// CacheWatcher observes the local cache file for writes made by another
// tab or process and surfaces them as coalesced change signals. The cache
// is written atomically (write temp, rename), so the watcher listens on the
// parent directory and filters for the cache file name.
type CacheWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  Logger

	events    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewCacheWatcher(path string, logger Logger) (*CacheWatcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidDSN
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	w := &CacheWatcher{
		path:    path,
		watcher: watcher,
		logger:  logger,
		events:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Events delivers one signal per burst of cache file changes. The channel
// has capacity one; signals arriving while one is pending are coalesced.
func (w *CacheWatcher) Events() <-chan struct{} {
	return w.events
}

func (w *CacheWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *CacheWatcher) run() {
	base := filepath.Base(w.path)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			select {
			case w.events <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Printf("cache watcher error: %v", err)
			}
		}
	}
}
