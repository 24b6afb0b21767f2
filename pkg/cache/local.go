package cache

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LocalCache is the in-process tier: a bounded LRU holding entry envelopes.
// Expiry is enforced on read; eviction under memory pressure is handled by
// the LRU. Safe for concurrent use.
type LocalCache struct {
	entries *lru.Cache[string, *Entry]
}

// NewLocalCache creates the local tier with the given capacity
func NewLocalCache(maxEntries int) (*LocalCache, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	entries, err := lru.New[string, *Entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &LocalCache{entries: entries}, nil
}

// Get returns the entry for key if present and unexpired. Expired entries
// are removed on the way out.
func (c *LocalCache) Get(key string) (*Entry, bool) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if entry.Expired(time.Now()) {
		c.entries.Remove(key)
		return nil, false
	}
	return entry, true
}

// Set stores an entry, evicting the least recently used one when full
func (c *LocalCache) Set(key string, entry *Entry) {
	c.entries.Add(key, entry)
}

// Delete removes an entry. Removing an absent key is a no-op.
func (c *LocalCache) Delete(key string) {
	c.entries.Remove(key)
}

// DeletePrefix removes every entry whose key starts with prefix and
// returns the number removed
func (c *LocalCache) DeletePrefix(prefix string) int {
	removed := 0
	for _, key := range c.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries currently held
func (c *LocalCache) Len() int {
	return c.entries.Len()
}

// Purge drops every entry
func (c *LocalCache) Purge() {
	c.entries.Purge()
}
