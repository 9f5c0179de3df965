package rls

import (
	"context"
	"sync"
	"time"

	"github.com/oarkflow/rls/utils"
)

// ============================================================================
// CACHE PROVIDER
// ============================================================================

// CacheProvider stores small serializable blobs with a TTL. Providers are
// shared across concurrent operations; a racing write after a shared miss
// is acceptable (last writer wins, contents are derivable and TTL-bounded).
type CacheProvider interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// PatternDeleter is an optional capability: bulk invalidation by glob.
// Providers that cannot enumerate keys simply do not implement it.
type PatternDeleter interface {
	DeletePattern(ctx context.Context, pattern string) error
}

type memoryCacheEntry struct {
	value     any
	expiresAt time.Time // zero = no expiry
}

func (e memoryCacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryCache is the reference in-process provider: a map with lazy
// expiry on read and an optional background sweep.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryCacheEntry
	done    chan struct{}
	once    sync.Once
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryCacheEntry),
		done:    make(chan struct{}),
	}
}

// NewMemoryCacheWithSweep starts a janitor goroutine that evicts expired
// entries every interval. Call Stop when done.
func NewMemoryCacheWithSweep(interval time.Duration) *MemoryCache {
	c := NewMemoryCache()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-c.done:
				return
			}
		}
	}()
	return c
}

func (c *MemoryCache) Stop() { c.once.Do(func() { close(c.done) }) }

func (c *MemoryCache) Get(_ context.Context, key string) (any, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if entry.expired(time.Now()) {
		c.mu.Lock()
		// re-check under the write lock, another writer may have refreshed it
		if cur, ok := c.entries[key]; ok && cur.expired(time.Now()) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	entry := memoryCacheEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) DeletePattern(_ context.Context, pattern string) error {
	c.mu.Lock()
	for key := range c.entries {
		if utils.MatchPattern(key, pattern) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
	return nil
}

// Len reports the number of live (possibly expired, not yet swept) entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache) sweep() {
	now := time.Now()
	c.mu.Lock()
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}
