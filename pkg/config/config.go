package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"bank-settlement/pkg/settlement"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config holds everything a settlement node needs. It is loaded once at startup
// and handed to components explicitly.
type Config struct {
	// ListenAddr is the HTTP address of the node (e.g. ":8080")
	ListenAddr string

	// BankPrefix is this node's own routing prefix
	BankPrefix string

	Registry  RegistryConfig
	Signing   SigningConfig
	Processor ProcessorConfig
	Cache     CacheConfig
	Rates     RatesConfig
	Postgres  PostgresConfig
	AMQP      AMQPConfig

	// InboundCredit is "converted" or "original": which amount a
	// cross-currency inbound transfer credits
	InboundCredit string

	// StaticBanks are merged into every directory snapshot (local peering, test networks)
	StaticBanks []settlement.Bank
}

// RegistryConfig points at the central bank registry.
type RegistryConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// SigningConfig holds the node's Ed25519 key material.
type SigningConfig struct {
	// Seed is a 32-byte hex Ed25519 seed; empty generates an ephemeral key
	Seed string
}

// ProcessorConfig tunes the outbound settlement loop.
type ProcessorConfig struct {
	Interval    time.Duration
	PeerTimeout time.Duration
	Workers     int
}

// CacheConfig controls the TTL caches for verification keys and exchange rates.
type CacheConfig struct {
	JWKSTTL   time.Duration
	RateTTL   time.Duration
	RedisAddr string
}

// RatesConfig points at the exchange-rate feed.
type RatesConfig struct {
	URL     string
	Timeout time.Duration
}

// PostgresConfig holds the database DSN; empty selects the in-memory store.
type PostgresConfig struct {
	DSN string
}

// AMQPConfig holds the event broker settings; empty URL logs events instead.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// Load reads configuration from environment variables with default values.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		BankPrefix: getEnv("BANK_PREFIX", ""),
		Registry: RegistryConfig{
			URL:    getEnv("CENTRAL_BANK_URL", ""),
			APIKey: getEnv("API_KEY", ""),
		},
		Signing: SigningConfig{
			Seed: getEnv("SIGNING_KEY_SEED", ""),
		},
		Cache: CacheConfig{
			RedisAddr: getEnv("REDIS_ADDR", ""),
		},
		Rates: RatesConfig{
			URL: getEnv("RATES_URL", "https://api.frankfurter.app"),
		},
		Postgres: PostgresConfig{
			DSN: getEnv("POSTGRES_DSN", ""),
		},
		AMQP: AMQPConfig{
			URL:      getEnv("AMQP_URL", ""),
			Exchange: getEnv("AMQP_EXCHANGE", "bank.settlement"),
		},
		InboundCredit: getEnv("INBOUND_CREDIT", "converted"),
	}

	var err error
	if cfg.Registry.Timeout, err = getDuration("REGISTRY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.Processor.Interval, err = getDuration("POLL_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.Processor.PeerTimeout, err = getDuration("PEER_TIMEOUT", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.Processor.Workers, err = getInt("WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.Cache.JWKSTTL, err = getDuration("JWKS_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Cache.RateTTL, err = getDuration("RATE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Rates.Timeout, err = getDuration("RATES_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}

	if raw := os.Getenv("STATIC_BANKS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.StaticBanks); err != nil {
			return nil, fmt.Errorf("%w: STATIC_BANKS: %v", ErrInvalidConfig, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Registry.URL == "" {
		return fmt.Errorf("%w: CENTRAL_BANK_URL is required", ErrInvalidConfig)
	}
	if c.Registry.APIKey == "" {
		return fmt.Errorf("%w: API_KEY is required", ErrInvalidConfig)
	}
	if len(c.BankPrefix) != settlement.PrefixLength {
		return fmt.Errorf("%w: BANK_PREFIX must be %d characters", ErrInvalidConfig, settlement.PrefixLength)
	}
	if c.Processor.Interval <= 0 || c.Processor.PeerTimeout <= 0 {
		return fmt.Errorf("%w: POLL_INTERVAL and PEER_TIMEOUT must be positive", ErrInvalidConfig)
	}
	if c.Processor.Workers < 1 {
		return fmt.Errorf("%w: WORKERS must be at least 1", ErrInvalidConfig)
	}
	if c.Cache.JWKSTTL < 0 || c.Cache.RateTTL < 0 {
		return fmt.Errorf("%w: cache TTLs must not be negative", ErrInvalidConfig)
	}
	if c.InboundCredit != "converted" && c.InboundCredit != "original" {
		return fmt.Errorf("%w: INBOUND_CREDIT must be converted or original", ErrInvalidConfig)
	}
	for _, b := range c.StaticBanks {
		if len(b.BankPrefix) != settlement.PrefixLength || b.TransactionURL == "" {
			return fmt.Errorf("%w: static bank %q needs a prefix and transactionUrl", ErrInvalidConfig, b.Name)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	return n, nil
}
