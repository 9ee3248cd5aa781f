// Package namecache memoizes sender display names for a bounded time.
package namecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kiroku/pkg/kiroku"
)

const defaultTTL = time.Hour

// Option mutates cache configuration.
type Option func(*Cache)

// WithTTL sets how long a resolved name is reused.
func WithTTL(ttl time.Duration) Option {
	return func(cache *Cache) {
		if ttl > 0 {
			cache.ttl = ttl
		}
	}
}

// WithClock overrides the time source used for expiry.
func WithClock(clock func() time.Time) Option {
	return func(cache *Cache) {
		if clock != nil {
			cache.clock = clock
		}
	}
}

type record struct {
	name      string
	expiresAt time.Time
}

// Cache wraps a SenderDirectory and reuses successful lookups until they
// expire. Failed lookups are not cached.
type Cache struct {
	directory kiroku.SenderDirectory
	ttl       time.Duration
	clock     func() time.Time

	mu      sync.Mutex
	records map[int64]record
}

var _ kiroku.SenderDirectory = (*Cache)(nil)

// New creates a name cache in front of directory.
func New(directory kiroku.SenderDirectory, options ...Option) *Cache {
	cache := &Cache{
		directory: directory,
		ttl:       defaultTTL,
		clock:     time.Now,
		records:   make(map[int64]record),
	}
	for _, option := range options {
		option(cache)
	}

	return cache
}

// DisplayName returns the cached name of userID or asks the wrapped directory.
func (c *Cache) DisplayName(ctx context.Context, userID int64) (string, error) {
	now := c.clock()

	c.mu.Lock()
	cached, ok := c.records[userID]
	if ok && now.Before(cached.expiresAt) {
		c.mu.Unlock()
		return cached.name, nil
	}
	if ok {
		delete(c.records, userID)
	}
	c.mu.Unlock()

	if c.directory == nil {
		return "", fmt.Errorf("display name %d: %w", userID, kiroku.ErrPeerNotFound)
	}
	name, err := c.directory.DisplayName(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("display name %d: %w", userID, err)
	}

	c.mu.Lock()
	c.records[userID] = record{name: name, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	return name, nil
}

// Forget drops the cached name of userID.
func (c *Cache) Forget(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.records, userID)
}

// Len returns the number of cached names, including expired ones not yet
// looked up again.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.records)
}
