package state

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Cache maps normalized entity names to resolved record paths. Invalidation
// is wholesale and event-driven (every save/load); there is no TTL because
// correctness beats staleness-avoidance via time.
//
// Invalidation events: Manager.Save, Manager.Load, Manager.Close.
type Cache struct {
	dir string // entity records directory

	mu      sync.RWMutex
	entries map[string]string
}

// NewCache creates a cache over the entity records in dir.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir, entries: map[string]string{}}
}

// Normalize is the pure, total name-normalization function used for cache
// keys and record filenames: lowercase, trimmed, internal whitespace and
// filesystem-unsafe characters replaced with underscores.
func Normalize(name string) string {
	const unsafe = `<>:"/\|?*`
	var b strings.Builder
	for _, r := range strings.TrimSpace(strings.ToLower(name)) {
		switch {
		case r == ' ' || r == '\t':
			b.WriteByte('_')
		case strings.ContainsRune(unsafe, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Resolve returns the record path for name, computing and caching it when
// absent. The bool result is false when no record file exists.
func (c *Cache) Resolve(name string) (string, bool) {
	key := Normalize(name)

	c.mu.RLock()
	path, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return path, true
	}

	candidate := filepath.Join(c.dir, key+".json")
	if _, err := os.Stat(candidate); err != nil {
		return "", false
	}

	c.mu.Lock()
	c.entries[key] = candidate
	c.mu.Unlock()
	return candidate, true
}

// Invalidate drops every entry.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = map[string]string{}
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
