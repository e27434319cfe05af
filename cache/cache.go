// Package cache provides the two bounded in-memory collections of the DM
// subsystem: the decrypted-content cache that spares repeat calls to the
// signing authority, and the processed-envelope set that deduplicates the
// historical and live event streams. Both evict oldest-first and are torn
// down on logout; neither survives the process.
package cache

import "sync"

// DefaultCapacity is the default bound for the decrypted-content cache.
const DefaultCapacity = 2000

// Cache maps envelope ids to plaintext with FIFO eviction. Entries are only
// written after a successful decrypt and are never invalidated: an
// envelope's ciphertext is immutable once published.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]string
	order    []string
}

// NewCache creates a cache bounded to capacity entries. A non-positive
// capacity falls back to DefaultCapacity.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]string),
	}
}

// Get returns the cached plaintext for an envelope id.
func (c *Cache) Get(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	plaintext, ok := c.entries[id]
	return plaintext, ok
}

// Put stores the plaintext for an envelope id, evicting the oldest entry
// when full. Re-putting an existing id updates the value without changing
// its eviction position.
func (c *Cache) Put(id, plaintext string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[id]; exists {
		c.entries[id] = plaintext
		return
	}

	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[id] = plaintext
	c.order = append(c.order, id)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Clear drops every entry. Called on logout.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]string)
	c.order = nil
}
