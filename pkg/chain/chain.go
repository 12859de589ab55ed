package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bank-settlement/pkg/cache"
	"bank-settlement/pkg/logging"
	"bank-settlement/pkg/metrics"
	"bank-settlement/pkg/resilience"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LoadFunc fetches a value from its source of truth after every layer missed.
type LoadFunc func(ctx context.Context) ([]byte, error)

// Config configures a Chain.
type Config struct {
	// Name labels cache lookups in metrics, e.g. "jwks" or "rates".
	Name string

	// WarmTTL is the TTL used when a hit in a lower layer is copied upward.
	WarmTTL time.Duration

	// Guard, when set, wraps every layer with a breaker built from it.
	Guard *resilience.Config

	Metrics metrics.MetricsCollector
	Logger  *logging.Logger
}

// Chain manages multiple cache layers with fallback, warm-up and
// single-flight loading. Layers are ordered from fastest (L1) to slowest (LN).
type Chain struct {
	name    string
	layers  []cache.CacheLayer
	warmTTL time.Duration
	sf      singleflight.Group
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// New creates a new chain of cache layers.
// Returns an error if no layers are provided.
func New(config Config, layers ...cache.CacheLayer) (*Chain, error) {
	if len(layers) == 0 {
		return nil, errors.New("chain: at least one layer required")
	}
	if config.Name == "" {
		config.Name = "chain"
	}
	if config.WarmTTL <= 0 {
		config.WarmTTL = time.Minute
	}

	logger := logging.OrNop(config.Logger).Named("chain").With(zap.String("chain", config.Name))

	wrapped := make([]cache.CacheLayer, len(layers))
	for i, layer := range layers {
		if config.Guard != nil {
			layer = resilience.NewGuardedLayer(layer, *config.Guard, config.Metrics, config.Logger)
		}
		wrapped[i] = layer
	}

	return &Chain{
		name:    config.Name,
		layers:  wrapped,
		warmTTL: config.WarmTTL,
		metrics: metrics.OrNoOp(config.Metrics),
		logger:  logger,
	}, nil
}

// Get retrieves a value from the chain.
// It traverses layers in order until a hit, then warms upper layers.
func (c *Chain) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, err := c.getWithFallback(ctx, key)
	c.metrics.RecordCacheLookup(c.name, err == nil)
	return value, err
}

func (c *Chain) getWithFallback(ctx context.Context, key string) ([]byte, error) {
	var lastErr error

	for i, layer := range c.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		value, err := layer.Get(ctx, key)
		if err != nil {
			// unavailable layers are skipped like misses
			if !cache.IsNotFound(err) {
				c.logger.Debug("layer get failed", zap.String("layer", layer.Name()), zap.Error(err))
			}
			lastErr = err
			continue
		}

		if i > 0 {
			c.warmUpperLayers(ctx, key, value, i)
		}
		return value, nil
	}

	if lastErr != nil && !cache.IsNotFound(lastErr) {
		return nil, fmt.Errorf("%w: %v", cache.ErrKeyNotFound, lastErr)
	}
	return nil, cache.ErrKeyNotFound
}

func (c *Chain) warmUpperLayers(ctx context.Context, key string, value []byte, hitIndex int) {
	for i := hitIndex - 1; i >= 0; i-- {
		if err := c.layers[i].Set(ctx, key, value, c.warmTTL); err != nil {
			c.logger.Debug("warm-up failed", zap.String("layer", c.layers[i].Name()), zap.Error(err))
		}
	}
}

// GetOrLoad returns the cached value for key, or calls load on a miss and
// stores its result in every layer for ttl. Concurrent callers for the same
// key share one load. Load errors are returned and not cached.
func (c *Chain) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load LoadFunc) ([]byte, error) {
	if value, err := c.Get(ctx, key); err == nil {
		return value, nil
	} else if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// another caller may have loaded it while we waited
		if value, err := c.getWithFallback(ctx, key); err == nil {
			return value, nil
		}

		value, err := load(ctx)
		if err != nil {
			return nil, err
		}

		if err := c.Set(ctx, key, value, ttl); err != nil {
			c.logger.Warn("failed to store loaded value", zap.String("key", key), zap.Error(err))
		}
		return value, nil
	})
	if err != nil {
		return nil, err
	}

	return result.([]byte), nil
}

// Set writes the value to all layers in the chain.
// If any layer fails, the error is returned but other layers are still attempted.
func (c *Chain) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var lastErr error

	for _, layer := range c.layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := layer.Set(ctx, key, value, ttl); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// Delete removes the key from all layers in the chain.
func (c *Chain) Delete(ctx context.Context, key string) error {
	var lastErr error

	for _, layer := range c.layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := layer.Delete(ctx, key); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// Close closes all layers in the chain.
func (c *Chain) Close() error {
	var lastErr error
	for _, layer := range c.layers {
		if err := layer.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Len returns the number of layers in the chain.
func (c *Chain) Len() int {
	return len(c.layers)
}

// String returns a string representation of the chain.
func (c *Chain) String() string {
	names := make([]string, len(c.layers))
	for i, layer := range c.layers {
		names[i] = layer.Name()
	}
	return fmt.Sprintf("chain %s(%d layers): %s", c.name, len(c.layers), strings.Join(names, " -> "))
}
