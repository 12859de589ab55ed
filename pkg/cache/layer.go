package cache

import (
	"context"
	"time"
)

// CacheLayer is one tier of a TTL cache holding encoded documents such as
// remote verification keysets and exchange rates.
// Values are opaque bytes so that every tier (memory, Redis) stores the same encoding.
type CacheLayer interface {
	// Get retrieves a value by key.
	// Returns ErrKeyNotFound on a miss or an expired entry.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Name identifies the layer in logs and metrics (e.g. "jwks-memory", "redis").
	Name() string

	// Close releases any resources held by the layer.
	Close() error
}
