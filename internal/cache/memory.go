package cache

import (
	"context"
	"sync"
	"time"

	"transcription-service/internal/domain"
)

type memoryEntry struct {
	result    domain.Result
	expiresAt time.Time
}

// MemoryCache is the in-process cache used by the local backend.
// Expiry is passive: entries are dropped when a read finds them stale.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get fetches a cached result by content hash.
func (c *MemoryCache) Get(_ context.Context, hash string) (*domain.Result, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[hash]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, hash)
		return nil, false, nil
	}

	result := entry.result
	return &result, true, nil
}

// Set stores a result under the content hash with the configured TTL.
func (c *MemoryCache) Set(_ context.Context, hash string, result domain.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[hash] = memoryEntry{result: result, expiresAt: c.now().Add(c.ttl)}
	return nil
}
