package rls

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryCacheBasic(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if _, ok, _ := c.Get(ctx, "missing"); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	if err := c.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || value != "v" {
		t.Fatalf("get = %v %v %v", value, ok, err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("deleted key still present")
	}
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	_ = c.Set(ctx, "k", 1, 30*time.Millisecond)

	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Fatal("entry expired too early")
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("entry survived its TTL")
	}
}

func TestMemoryCacheDeletePattern(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	_ = c.Set(ctx, "rls:resolver:perms:user:1", 1, 0)
	_ = c.Set(ctx, "rls:resolver:perms:user:2", 2, 0)
	_ = c.Set(ctx, "rls:resolver:settings:user:1", 3, 0)

	if err := c.DeletePattern(ctx, "rls:resolver:perms:*"); err != nil {
		t.Fatalf("deletePattern: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "rls:resolver:perms:user:1"); ok {
		t.Fatal("pattern match not deleted")
	}
	if _, ok, _ := c.Get(ctx, "rls:resolver:settings:user:1"); !ok {
		t.Fatal("non-matching key was deleted")
	}
}

func TestMemoryCacheSweep(t *testing.T) {
	c := NewMemoryCacheWithSweep(10 * time.Millisecond)
	defer c.Stop()
	ctx := context.Background()
	_ = c.Set(ctx, "short", 1, 5*time.Millisecond)
	_ = c.Set(ctx, "long", 2, 0)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.Len() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sweep did not evict expired entry, len=%d", c.Len())
}

func TestMemoryCacheConcurrent(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i))
			for j := 0; j < 100; j++ {
				_ = c.Set(ctx, key, j, time.Minute)
				_, _, _ = c.Get(ctx, key)
			}
		}(i)
	}
	wg.Wait()
	if c.Len() != 8 {
		t.Fatalf("expected 8 live keys, got %d", c.Len())
	}
}
