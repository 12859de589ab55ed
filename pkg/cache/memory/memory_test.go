package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"bank-settlement/pkg/cache"
)

func TestMemoryCache_GetSet(t *testing.T) {
	c := NewMemoryCache(MemoryCacheConfig{Name: "test"})
	defer c.Close()

	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); !cache.IsNotFound(err) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}

	if err := c.Set(ctx, "jwks:bank", []byte(`{"keys":[]}`), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, err := c.Get(ctx, "jwks:bank")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != `{"keys":[]}` {
		t.Errorf("Unexpected value %s", value)
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache(MemoryCacheConfig{Name: "test"})
	defer c.Close()

	now := time.Now()
	c.now = func() time.Time { return now }

	ctx := context.Background()
	c.Set(ctx, "rate:EUR:USD", []byte("1.08"), time.Minute)

	now = now.Add(59 * time.Second)
	if _, err := c.Get(ctx, "rate:EUR:USD"); err != nil {
		t.Fatalf("Expected entry before TTL, got %v", err)
	}

	now = now.Add(2 * time.Second)
	if _, err := c.Get(ctx, "rate:EUR:USD"); !cache.IsNotFound(err) {
		t.Errorf("Expected expired entry to miss, got %v", err)
	}
}

func TestMemoryCache_LRUEviction(t *testing.T) {
	c := NewMemoryCache(MemoryCacheConfig{Name: "test", MaxSize: 2})
	defer c.Close()

	now := time.Now()
	c.now = func() time.Time { return now }

	ctx := context.Background()
	c.Set(ctx, "a", []byte("1"), time.Hour)
	now = now.Add(time.Millisecond)
	c.Set(ctx, "b", []byte("2"), time.Hour)
	now = now.Add(time.Millisecond)

	// touch "a" so "b" becomes least recently used
	c.Get(ctx, "a")
	now = now.Add(time.Millisecond)
	c.Set(ctx, "c", []byte("3"), time.Hour)

	if _, err := c.Get(ctx, "b"); !cache.IsNotFound(err) {
		t.Errorf("Expected b to be evicted, got %v", err)
	}
	if _, err := c.Get(ctx, "a"); err != nil {
		t.Errorf("Expected a to survive eviction, got %v", err)
	}
	if c.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", c.Len())
	}
}

func TestMemoryCache_InvalidKey(t *testing.T) {
	c := NewMemoryCache(MemoryCacheConfig{})
	defer c.Close()

	if err := c.Set(context.Background(), "", []byte("x"), 0); err == nil {
		t.Error("Expected error for empty key")
	}
}

func TestMemoryCache_Concurrent(t *testing.T) {
	c := NewMemoryCache(MemoryCacheConfig{Name: "test", MaxSize: 50})
	defer c.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i))
			for j := 0; j < 100; j++ {
				c.Set(ctx, key, []byte("v"), time.Minute)
				c.Get(ctx, key)
				c.Delete(ctx, key)
			}
		}(i)
	}
	wg.Wait()
}
