package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"bank-settlement/pkg/api"
	"bank-settlement/pkg/cache"
	"bank-settlement/pkg/cache/memory"
	"bank-settlement/pkg/cache/redis"
	"bank-settlement/pkg/chain"
	"bank-settlement/pkg/config"
	"bank-settlement/pkg/currency"
	"bank-settlement/pkg/directory"
	"bank-settlement/pkg/events"
	amqpevents "bank-settlement/pkg/events/amqp"
	"bank-settlement/pkg/inbound"
	"bank-settlement/pkg/jws"
	"bank-settlement/pkg/logging"
	"bank-settlement/pkg/metrics"
	promMetrics "bank-settlement/pkg/metrics/prometheus"
	"bank-settlement/pkg/processor"
	"bank-settlement/pkg/resilience"
	"bank-settlement/pkg/store"
	storemem "bank-settlement/pkg/store/memory"
	"bank-settlement/pkg/store/postgres"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLoggerFromEnv(cfg.BankPrefix)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("settlement node failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting settlement node", zap.String("bank_prefix", cfg.BankPrefix))

	collector := promMetrics.NewPrometheusCollector("settlement")
	if err := collector.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	signer, err := newSigner(cfg, logger)
	if err != nil {
		return err
	}

	jwksCache, err := newChain("jwks", cfg.Cache.JWKSTTL, cfg.Cache.RedisAddr, collector, logger)
	if err != nil {
		return err
	}
	defer jwksCache.Close()

	rateCache, err := newChain("rates", cfg.Cache.RateTTL, cfg.Cache.RedisAddr, collector, logger)
	if err != nil {
		return err
	}
	defer rateCache.Close()

	registryBreaker := resilience.NewBreaker("central-bank",
		resilience.DefaultConfig().WithTimeout(cfg.Registry.Timeout), collector, logger)
	registry := directory.NewRegistry(directory.RegistryConfig{
		URL:     cfg.Registry.URL,
		APIKey:  cfg.Registry.APIKey,
		Timeout: cfg.Registry.Timeout,
	}, nil, registryBreaker)

	dir := directory.New(registry,
		directory.WithStaticBanks(cfg.StaticBanks...),
		directory.WithMetrics(collector),
		directory.WithLogger(logger),
	)
	if err := dir.Refresh(ctx); err != nil {
		// resolved lazily on the first miss
		logger.Warn("initial bank directory refresh failed", zap.Error(err))
	}

	verifier, err := jws.NewVerifier(jws.VerifierConfig{
		TTL:      cfg.Cache.JWKSTTL,
		Cache:    jwksCache,
		Breakers: resilience.NewBreakerSet("jwks:", resilience.DefaultConfig(), collector, logger),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ratesBreaker := resilience.NewBreaker("rates", resilience.DefaultConfig().WithTimeout(cfg.Rates.Timeout), collector, logger)
	rates := currency.NewCachedRateSource(
		currency.NewHTTPRateSource(cfg.Rates.URL, cfg.Rates.Timeout, ratesBreaker),
		rateCache, cfg.Cache.RateTTL)
	converter := currency.NewConverter(rates, logger)

	publisher := events.NewAsyncPublisher(newEventSink(cfg, logger), events.AsyncConfig{}, collector, logger)
	defer publisher.Close()

	credit, err := inbound.ParseCreditPolicy(cfg.InboundCredit)
	if err != nil {
		return err
	}
	handler := inbound.NewHandler(dir, verifier, converter, st, inbound.Config{
		Replays: inbound.NewLedgerReplayFilter(st, 100000),
		Credit:  credit,
		Events:  publisher,
		Metrics: collector,
		Logger:  logger,
	})

	peers := processor.NewHTTPPeerClient(processor.HTTPPeerClientConfig{
		Timeout: cfg.Processor.PeerTimeout,
		Breakers: resilience.NewBreakerSet("peer:",
			resilience.DefaultConfig().WithTimeout(cfg.Processor.PeerTimeout), collector, logger),
	})
	proc := processor.New(st, dir, signer, peers, processor.Config{
		Interval: cfg.Processor.Interval,
		Workers:  cfg.Processor.Workers,
		Events:   publisher,
		Metrics:  collector,
		Logger:   logger,
	})

	serverConfig := api.DefaultServerConfig()
	serverConfig.Address = cfg.ListenAddr
	srv := api.NewServer(serverConfig, api.Dependencies{
		Store:      st,
		Banks:      dir,
		Inbound:    handler,
		Keys:       signer,
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
		Logger:     logger,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	procDone := make(chan struct{})
	go func() {
		defer close(procDone)
		if err := proc.Run(ctx); err != nil {
			logger.Error("processor stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server shutdown error", zap.Error(err))
	}

	// the processor finishes its current pass before returning
	select {
	case <-procDone:
	case <-shutdownCtx.Done():
		logger.Warn("processor did not finish its pass before shutdown timeout")
	}

	logger.Info("settlement node stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (store.Store, error) {
	if cfg.Postgres.DSN == "" {
		logger.Warn("POSTGRES_DSN not set, using in-memory store")
		return storemem.New(), nil
	}
	st, err := postgres.Open(ctx, postgres.DefaultConfig(cfg.Postgres.DSN))
	if err != nil {
		return nil, err
	}
	logger.Info("postgres store ready")
	return st, nil
}

func newSigner(cfg *config.Config, logger *logging.Logger) (*jws.Signer, error) {
	if cfg.Signing.Seed == "" {
		logger.Warn("SIGNING_KEY_SEED not set, generating an ephemeral signing key")
		return jws.GenerateSigner()
	}
	return jws.NewSignerFromSeed(cfg.Signing.Seed)
}

// newChain builds an in-memory L1 chain, backed by a shared Redis L2 when
// redisAddr is set so that every node of the bank reuses the same entries.
func newChain(name string, ttl time.Duration, redisAddr string, collector metrics.MetricsCollector, logger *logging.Logger) (*chain.Chain, error) {
	layers := []cache.CacheLayer{
		memory.NewMemoryCache(memory.MemoryCacheConfig{
			Name:            name + "-memory",
			MaxSize:         4096,
			DefaultTTL:      ttl,
			CleanupInterval: time.Minute,
		}),
	}

	var guard *resilience.Config
	if redisAddr != "" {
		redisConfig := redis.DefaultRedisCacheConfig()
		redisConfig.Name = name + "-redis"
		redisConfig.Addr = redisAddr
		redisConfig.KeyPrefix = "settlement:" + name + ":"
		rc, err := redis.NewRedisCache(redisConfig)
		if err != nil {
			logger.Warn("redis unavailable, caching in memory only", zap.String("cache", name), zap.Error(err))
		} else {
			layers = append(layers, rc)
			g := resilience.DefaultConfig().WithTimeout(500 * time.Millisecond)
			guard = &g
		}
	}

	return chain.New(chain.Config{
		Name:    name,
		WarmTTL: ttl,
		Guard:   guard,
		Metrics: collector,
		Logger:  logger,
	}, layers...)
}

func newEventSink(cfg *config.Config, logger *logging.Logger) events.Publisher {
	if cfg.AMQP.URL == "" {
		return events.NewLogPublisher(logger)
	}
	p, err := amqpevents.NewPublisher(amqpevents.Config{URL: cfg.AMQP.URL, Exchange: cfg.AMQP.Exchange})
	if err != nil {
		logger.Warn("amqp unavailable, logging events instead", zap.Error(err))
		return events.NewLogPublisher(logger)
	}
	return p
}
