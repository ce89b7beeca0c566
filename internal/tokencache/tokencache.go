// Package tokencache is the expiry-aware token cache shared by the shell SSO
// bridge and the federation adapter. It is an explicit object with an
// injected clock so tests can construct independent instances; there is no
// ambient global state.
package tokencache

import (
	"sync"
	"time"
)

// Entry is a cached access token with its absolute expiry.
type Entry struct {
	Token     string
	ExpiresAt time.Time
}

// Cache maps opaque keys (the callers build them from app name and sorted
// scope sets) to token entries. An entry is served only while more than the
// configured safety margin remains before expiry.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
	margin  time.Duration
}

// New constructs a cache with the given pre-expiry margin. A nil clock
// defaults to time.Now.
func New(margin time.Duration, clock func() time.Time) *Cache {
	if clock == nil {
		clock = time.Now
	}
	return &Cache{
		entries: make(map[string]Entry),
		now:     clock,
		margin:  margin,
	}
}

// Get returns the entry for key if it is still comfortably valid. Entries
// inside the margin are evicted on access.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if e.ExpiresAt.Sub(c.now()) <= c.margin {
		delete(c.entries, key)
		return Entry{}, false
	}
	return e, true
}

// Put stores an entry under key, replacing any previous one.
func (c *Cache) Put(key string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = e
}

// Delete removes a single entry.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear drops every entry (logout, tests).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
}

// Len reports the number of stored entries, including ones inside the
// margin that have not been evicted yet.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
