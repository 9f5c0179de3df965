package stores

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

// RistrettoCache is an in-process CacheProvider on a ristretto cache:
// admission-controlled, TTL-capable, no key enumeration (and therefore no
// pattern invalidation).
type RistrettoCache struct {
	cache *ristretto.Cache
}

// NewRistrettoCache builds a cache sized by the usual ristretto knobs.
// Zero values take defaults suitable for resolver payloads.
func NewRistrettoCache(numCounters, maxCost, bufferItems int64) (*RistrettoCache, error) {
	if numCounters <= 0 {
		numCounters = 1e5
	}
	if maxCost <= 0 {
		maxCost = 1 << 24
	}
	if bufferItems <= 0 {
		bufferItems = 64
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoCache{cache: cache}, nil
}

func (c *RistrettoCache) Get(_ context.Context, key string) (any, bool, error) {
	value, ok := c.cache.Get(key)
	return value, ok, nil
}

func (c *RistrettoCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	c.cache.SetWithTTL(key, value, 1, ttl)
	// ristretto admits asynchronously; wait so a read-after-write in the
	// same operation observes the entry
	c.cache.Wait()
	return nil
}

func (c *RistrettoCache) Delete(_ context.Context, key string) error {
	c.cache.Del(key)
	return nil
}

func (c *RistrettoCache) Stop() { c.cache.Close() }
