package tracker

import "time"

// entry is one cache slot. Every Put allocates a new slot.
type entry struct {
	snapshot Snapshot
	// media is the download backing snapshot.Media, nil when the current body
	// has no media to fetch. Each edit replaces it, so a late download only
	// lands on the slot while its hold is still the current one.
	media *mediaHold
}

// mediaHold is one media download. snapshot is written once, before done is
// closed.
type mediaHold struct {
	done     chan struct{}
	snapshot *MediaSnapshot
}

func newMediaHold() *mediaHold {
	return &mediaHold{done: make(chan struct{})}
}

func (h *mediaHold) settled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Cache is an unbounded message snapshot store. It is not safe for concurrent
// use; Tracker guards it with its own mutex.
type Cache struct {
	entries map[CacheKey]*entry
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[CacheKey]*entry)}
}

// Put stores snapshot under its key, replacing any previous entry.
func (c *Cache) Put(snapshot Snapshot) {
	c.store(snapshot)
}

// Get returns a copy of the snapshot stored under key.
func (c *Cache) Get(key CacheKey) (Snapshot, bool) {
	slot, ok := c.entries[key]
	if !ok {
		return Snapshot{}, false
	}

	return slot.snapshot, true
}

func (c *Cache) store(snapshot Snapshot) *entry {
	slot := &entry{snapshot: snapshot}
	c.entries[snapshot.Key()] = slot

	return slot
}

func (c *Cache) slot(key CacheKey) (*entry, bool) {
	slot, ok := c.entries[key]

	return slot, ok
}

// Remove drops key and reports whether it was present.
func (c *Cache) Remove(key CacheKey) bool {
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)

	return true
}

// Sweep evicts every entry cached more than ttl before now and returns the
// number of evicted entries.
func (c *Cache) Sweep(now time.Time, ttl time.Duration) int {
	evicted := 0
	for key, slot := range c.entries {
		if now.Sub(slot.snapshot.CachedAt) > ttl {
			delete(c.entries, key)
			evicted++
		}
	}

	return evicted
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return len(c.entries)
}
