package resilience

import (
	"context"
	"errors"
	"time"

	"bank-settlement/pkg/cache"
	"bank-settlement/pkg/logging"
	"bank-settlement/pkg/metrics"
)

// GuardedLayer wraps a CacheLayer with a Breaker so that a slow or failing
// shared cache degrades to a miss instead of stalling settlement.
type GuardedLayer struct {
	layer   cache.CacheLayer
	breaker *Breaker
}

// NewGuardedLayer wraps layer with a breaker named after it.
func NewGuardedLayer(layer cache.CacheLayer, config Config, collector metrics.MetricsCollector, logger *logging.Logger) *GuardedLayer {
	// a miss is a normal answer, not a fault of the layer
	config = config.WithIsSuccessful(func(err error) bool {
		return err == nil || cache.IsNotFound(err)
	})

	return &GuardedLayer{
		layer:   layer,
		breaker: NewBreaker("cache:"+layer.Name(), config, collector, logger),
	}
}

func (gl *GuardedLayer) Name() string {
	return gl.layer.Name()
}

func (gl *GuardedLayer) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := gl.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		value, err = gl.layer.Get(ctx, key)
		return err
	})
	return value, gl.mapError(err, "get")
}

func (gl *GuardedLayer) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := gl.breaker.Do(ctx, func(ctx context.Context) error {
		return gl.layer.Set(ctx, key, value, ttl)
	})
	return gl.mapError(err, "set")
}

func (gl *GuardedLayer) Delete(ctx context.Context, key string) error {
	err := gl.breaker.Do(ctx, func(ctx context.Context) error {
		return gl.layer.Delete(ctx, key)
	})
	return gl.mapError(err, "delete")
}

func (gl *GuardedLayer) Close() error {
	return gl.layer.Close()
}

// Breaker exposes the underlying breaker.
func (gl *GuardedLayer) Breaker() *Breaker {
	return gl.breaker
}

func (gl *GuardedLayer) mapError(err error, op string) error {
	if err == nil || cache.IsNotFound(err) {
		return err
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTimeout) {
		return cache.WrapError(errors.Join(cache.ErrLayerUnavailable, err), gl.layer.Name(), op)
	}
	return err
}

var _ cache.CacheLayer = (*GuardedLayer)(nil)
