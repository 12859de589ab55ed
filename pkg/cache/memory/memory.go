package memory

import (
	"context"
	"sync"
	"time"

	"bank-settlement/pkg/cache"
)

// MemoryCache is an in-process TTL cache layer.
// It provides thread-safe operations, background expiry and LRU eviction when MaxSize is set.
type MemoryCache struct {
	// data stores the cache entries
	data map[string]*entry

	// mu protects concurrent access to data
	mu sync.Mutex

	config MemoryCacheConfig

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	wg            sync.WaitGroup
	now           func() time.Time
}

type entry struct {
	value      []byte
	expiresAt  time.Time
	accessedAt time.Time
}

// MemoryCacheConfig holds configuration for the memory cache
type MemoryCacheConfig struct {
	// Name is the cache layer identifier
	Name string

	// MaxSize is the maximum number of entries (0 = unlimited)
	MaxSize int

	// DefaultTTL is used when Set is called with ttl <= 0
	DefaultTTL time.Duration

	// CleanupInterval is how often to drop expired entries
	CleanupInterval time.Duration
}

// NewMemoryCache creates a new in-memory cache with the given configuration.
// It starts a background goroutine for TTL cleanup; call Close to stop it.
func NewMemoryCache(config MemoryCacheConfig) *MemoryCache {
	if config.Name == "" {
		config.Name = "memory"
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}

	c := &MemoryCache{
		data:          make(map[string]*entry),
		config:        config,
		stopCleanup:   make(chan struct{}),
		cleanupTicker: time.NewTicker(config.CleanupInterval),
		now:           time.Now,
	}

	c.wg.Add(1)
	go c.cleanup()

	return c
}

// Get retrieves a value from the cache.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if !ok {
		return nil, cache.ErrKeyNotFound
	}

	now := c.now()
	if now.After(e.expiresAt) {
		delete(c.data, key)
		return nil, cache.ErrKeyNotFound
	}

	e.accessedAt = now
	return e.value, nil
}

// Set stores a value in the cache with the specified TTL.
// Enforces MaxSize by evicting the least recently used entry.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}

	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && c.config.MaxSize > 0 && len(c.data) >= c.config.MaxSize {
		c.evictLRU()
	}

	now := c.now()
	c.data[key] = &entry{
		value:      value,
		expiresAt:  now.Add(ttl),
		accessedAt: now,
	}

	return nil
}

// evictLRU drops the least recently used entry. Caller holds mu.
func (c *MemoryCache) evictLRU() {
	var lruKey string
	var lruTime time.Time

	for k, e := range c.data {
		if lruKey == "" || e.accessedAt.Before(lruTime) {
			lruKey = k
			lruTime = e.accessedAt
		}
	}

	if lruKey != "" {
		delete(c.data, lruKey)
	}
}

// Delete removes a key from the cache.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()

	return nil
}

// Name returns the cache layer name.
func (c *MemoryCache) Name() string {
	return c.config.Name
}

// Close stops the background cleanup goroutine and clears all data.
func (c *MemoryCache) Close() error {
	c.cleanupTicker.Stop()
	close(c.stopCleanup)
	c.wg.Wait()

	c.mu.Lock()
	c.data = make(map[string]*entry)
	c.mu.Unlock()

	return nil
}

// Len returns the number of stored entries, expired ones included until cleanup.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *MemoryCache) cleanup() {
	defer c.wg.Done()

	for {
		select {
		case <-c.cleanupTicker.C:
			c.removeExpired()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *MemoryCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.data {
		if now.After(e.expiresAt) {
			delete(c.data, key)
		}
	}
}
