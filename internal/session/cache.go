package session

import (
	"container/list"
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Cache holds parsed session snapshots keyed by file path.
//
// Get is the synchronous variant: it returns the cached snapshot or nil and
// never touches the filesystem beyond a stat. Load parses when the cache is
// cold or the file's mtime has advanced; with an unchanged mtime it is O(1).
// Entries are evicted least-recently-used once the cache exceeds its bound.
type Cache struct {
	parser *Parser
	size   int
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used
}

type cacheItem struct {
	path  string
	entry *Entry
}

// NewCache creates a cache bounded to size entries.
func NewCache(parser *Parser, size int, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size < 1 {
		size = 1
	}
	return &Cache{
		parser:  parser,
		size:    size,
		logger:  logger,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// Get returns the cached snapshot for path if it is still current, or nil.
func (c *Cache) Get(path string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[path]
	if !ok {
		return nil
	}
	item := el.Value.(*cacheItem)

	info, err := os.Stat(path)
	if err != nil || info.ModTime().After(item.entry.FileMtime) {
		return nil
	}
	c.lru.MoveToFront(el)
	return item.entry
}

// Load returns the snapshot for path, parsing the file when the cache is
// cold or stale. Unreadable or malformed files yield nil with the error;
// the caller decides how to degrade.
func (c *Cache) Load(ctx context.Context, path string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if entry := c.Get(path); entry != nil {
		return entry, nil
	}

	entry, err := c.parser.ParseFile(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[path]; ok {
		el.Value.(*cacheItem).entry = entry
		c.lru.MoveToFront(el)
		return entry, nil
	}
	el := c.lru.PushFront(&cacheItem{path: path, entry: entry})
	c.entries[path] = el
	c.evictLocked()
	return entry, nil
}

// Invalidate drops the snapshot for path.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[path]; ok {
		c.lru.Remove(el)
		delete(c.entries, path)
	}
}

// Len returns the number of cached snapshots.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictLocked() {
	for c.lru.Len() > c.size {
		back := c.lru.Back()
		if back == nil {
			return
		}
		item := back.Value.(*cacheItem)
		c.lru.Remove(back)
		delete(c.entries, item.path)
		c.logger.Debug("evicted session snapshot", zap.String("path", item.path))
	}
}
