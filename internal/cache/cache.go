// Package cache keeps instrumented file content keyed by absolute path.
// An entry is only trusted while its modification time matches the file's
// current one; stale entries are replaced on the next miss, never evicted.
package cache

import (
	"sync"
	"time"
)

// Status is the outcome of a lookup.
type Status string

const (
	Hit   Status = "hit"
	Miss  Status = "miss"
	Stale Status = "stale"
)

// Entry is the cached transform result for one file.
type Entry struct {
	Path    string
	ModTime time.Time
	Content []byte
}

// Cache maps absolute file paths to their last transform result.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]*Entry),
	}
}

// Lookup returns the cached content for path if it was produced from a file
// with the given modification time.
func (c *Cache) Lookup(path string, modTime time.Time) ([]byte, Status) {
	c.mu.RLock()
	e, ok := c.entries[path]
	c.mu.RUnlock()

	if !ok {
		return nil, Miss
	}
	if !e.ModTime.Equal(modTime) {
		return nil, Stale
	}
	return e.Content, Hit
}

// Store records content for path, replacing any previous entry.
func (c *Cache) Store(path string, modTime time.Time, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[path] = &Entry{
		Path:    path,
		ModTime: modTime,
		Content: content,
	}
}

// Get returns the entry for path regardless of freshness.
func (c *Cache) Get(path string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[path]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of cached files.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
