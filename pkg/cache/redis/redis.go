package redis

import (
	"context"
	"fmt"
	"time"

	"bank-settlement/pkg/cache"

	"github.com/redis/rueidis"
)

// RedisCache is a shared cache layer so that every settlement node sees
// the same verification keysets and exchange rates.
type RedisCache struct {
	client rueidis.Client
	name   string
	config RedisCacheConfig
}

type RedisCacheConfig struct {
	Name string
	// Addr is the Redis server address, e.g. "localhost:6379".
	Addr string
	// ClusterAddrs enables cluster mode when set.
	ClusterAddrs []string
	Username     string
	Password     string
	// DB is ignored in cluster mode.
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultRedisCacheConfig() RedisCacheConfig {
	return RedisCacheConfig{
		Name:         "redis",
		Addr:         "localhost:6379",
		KeyPrefix:    "settlement:",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisCache connects and pings the server.
func NewRedisCache(config RedisCacheConfig) (*RedisCache, error) {
	if config.Name == "" {
		config.Name = "redis"
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}

	var initAddress []string
	switch {
	case len(config.ClusterAddrs) > 0:
		initAddress = config.ClusterAddrs
	case config.Addr != "":
		initAddress = []string{config.Addr}
	default:
		return nil, fmt.Errorf("redis: no addresses configured (set Addr or ClusterAddrs)")
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:      initAddress,
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
		MaxFlushDelay:    100 * time.Microsecond,
	})
	if err != nil {
		return nil, fmt.Errorf("redis: failed to create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", err)
	}

	return &RedisCache{
		client: client,
		name:   config.Name,
		config: config,
	}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, err
	}

	resp := r.client.Do(ctx, r.client.B().Get().Key(r.config.KeyPrefix+key).Build())
	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, cache.ErrKeyNotFound
		}
		return nil, cache.WrapError(err, r.name, "get")
	}

	data, err := resp.AsBytes()
	if err != nil {
		return nil, cache.WrapError(err, r.name, "get")
	}

	return data, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}

	cmd := r.client.B().Set().Key(r.config.KeyPrefix + key).Value(rueidis.BinaryString(value)).Ex(ttl).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return cache.WrapError(err, r.name, "set")
	}

	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	cmd := r.client.B().Del().Key(r.config.KeyPrefix + key).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return cache.WrapError(err, r.name, "delete")
	}
	return nil
}

func (r *RedisCache) Name() string {
	return r.name
}

func (r *RedisCache) Close() error {
	r.client.Close()
	return nil
}

func (r *RedisCache) Ping(ctx context.Context) error {
	if err := r.client.Do(ctx, r.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// TTL returns the remaining lifetime of key, or ErrKeyNotFound.
func (r *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	resp := r.client.Do(ctx, r.client.B().Pttl().Key(r.config.KeyPrefix+key).Build())
	if err := resp.Error(); err != nil {
		return 0, cache.WrapError(err, r.name, "ttl")
	}

	ms, err := resp.AsInt64()
	if err != nil {
		return 0, cache.WrapError(err, r.name, "ttl")
	}

	switch ms {
	case -2:
		return 0, cache.ErrKeyNotFound
	case -1:
		return -1, nil
	}

	return time.Duration(ms) * time.Millisecond, nil
}

var _ cache.CacheLayer = (*RedisCache)(nil)
