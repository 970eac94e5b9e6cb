package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher observes the session root for transcript changes, invalidates the
// cache, and republishes events on the bus.
type Watcher struct {
	root   string
	cache  *Cache
	bus    *Bus
	logger *zap.Logger
}

// NewWatcher creates a watcher over root (the projects directory of the
// session tree).
func NewWatcher(root string, cache *Cache, bus *Bus, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{root: root, cache: cache, bus: bus, logger: logger}
}

// Run watches until ctx is cancelled. Project directories created while
// running are added to the watch set.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := w.addRecursive(fw, w.root); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(fw *fsnotify.Watcher, ev fsnotify.Event) {
	// New project directories must join the watch set.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := fw.Add(ev.Name); err != nil {
				w.logger.Warn("watching new directory", zap.String("path", ev.Name), zap.Error(err))
			}
			return
		}
	}

	if !strings.HasSuffix(ev.Name, ".jsonl") {
		return
	}

	var op FileOp
	switch {
	case ev.Op.Has(fsnotify.Create):
		op = FileCreated
	case ev.Op.Has(fsnotify.Write):
		op = FileModified
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		op = FileDeleted
	default:
		return
	}

	w.cache.Invalidate(ev.Name)
	w.bus.Publish(FileEvent{Op: op, Path: ev.Name})
}

func (w *Watcher) addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// A vanished subdirectory is not fatal.
			return nil
		}
		if d.IsDir() {
			if err := fw.Add(path); err != nil {
				w.logger.Warn("watching directory", zap.String("path", path), zap.Error(err))
			}
		}
		return nil
	})
}
