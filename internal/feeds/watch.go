package feeds

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// WatchedSource serves the catalog at path and reloads it whenever the file
// changes. A reload that fails to parse, or that finds no feeds, keeps the
// previous catalog.
type WatchedSource struct {
	path    string
	logger  *log.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.RWMutex
	catalog Catalog
	reloads int
}

func WatchCatalog(path string, logger *log.Logger) (*WatchedSource, error) {
	if logger == nil {
		logger = log.Default()
	}
	catalog, err := LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create catalog watcher: %w", err)
	}
	// Editors often replace the file rather than write it in place, so the
	// directory is watched and events are filtered by name.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch catalog dir: %w", err)
	}
	w := &WatchedSource{
		path:    filepath.Clean(path),
		logger:  logger,
		watcher: watcher,
		done:    make(chan struct{}),
		catalog: catalog,
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()
	return w, nil
}

func (w *WatchedSource) Feeds() []Feed {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]Feed(nil), w.catalog.Feeds...)
}

// Reloads reports how many times the catalog was replaced after startup.
func (w *WatchedSource) Reloads() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reloads
}

func (w *WatchedSource) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *WatchedSource) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("feeds: catalog watcher error: %v", err)
		}
	}
}

func (w *WatchedSource) reload() {
	catalog, err := LoadCatalog(w.path)
	if err != nil {
		w.logger.Printf("feeds: keeping previous catalog: %v", err)
		return
	}
	if len(catalog.Feeds) == 0 {
		// usually a truncate observed before the rewrite lands
		w.logger.Printf("feeds: keeping previous catalog: %s has no feeds", w.path)
		return
	}
	w.mu.Lock()
	w.catalog = catalog
	w.reloads++
	w.mu.Unlock()
	w.logger.Printf("feeds: reloaded catalog %s (%d feeds)", w.path, len(catalog.Feeds))
}
