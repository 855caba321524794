package memory

import (
	"context"
	"sync"
	"time"

	"plontis/internal/ports"
)

// SnapshotCache is a process-local ports.SnapshotCache. Expired entries are
// dropped on the next Put.
type SnapshotCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	snap      ports.CachedSnapshot
	expiresAt time.Time
}

func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{entries: make(map[string]cacheEntry), now: time.Now}
}

func (c *SnapshotCache) Get(ctx context.Context, key string) (ports.CachedSnapshot, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || (!e.expiresAt.IsZero() && !c.now().Before(e.expiresAt)) {
		return ports.CachedSnapshot{}, false, nil
	}
	return e.snap, true, nil
}

func (c *SnapshotCache) Put(ctx context.Context, key string, snap ports.CachedSnapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, old := range c.entries {
		if !old.expiresAt.IsZero() && !now.Before(old.expiresAt) {
			delete(c.entries, k)
		}
	}
	e := cacheEntry{snap: snap}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	c.entries[key] = e
	return nil
}
