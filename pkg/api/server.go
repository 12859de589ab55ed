package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"bank-settlement/pkg/inbound"
	"bank-settlement/pkg/logging"
	"bank-settlement/pkg/settlement"
	"bank-settlement/pkg/store"

	"github.com/go-jose/go-jose/v4"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses
	WriteTimeout time.Duration

	// RequestTimeout bounds the work done for one request
	RequestTimeout time.Duration
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        ":8080",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		RequestTimeout: 8 * time.Second,
	}
}

// BankResolver finds the bank owning a routing prefix.
type BankResolver interface {
	Resolve(ctx context.Context, prefix string) (settlement.Bank, error)
}

// DirectoryStatus is the optional view of the bank directory shown on /status.
type DirectoryStatus interface {
	Len() int
	Generation() uint64
}

// InboundSettler settles transfers posted by peer banks.
type InboundSettler interface {
	Settle(ctx context.Context, token string) (*inbound.Result, error)
}

// KeyPublisher exposes this node's verification keys.
type KeyPublisher interface {
	PublishedKeys() jose.JSONWebKeySet
}

// Dependencies are the components the server routes requests to.
type Dependencies struct {
	Store   store.Store
	Banks   BankResolver
	Inbound InboundSettler
	Keys    KeyPublisher

	// Registerer receives the HTTP request metrics; Gatherer serves /metrics.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	Logger *logging.Logger
	Now    func() time.Time
}

// Server exposes the settlement node over HTTP.
type Server struct {
	deps    Dependencies
	config  ServerConfig
	router  *mux.Router
	server  *http.Server
	logger  *logging.Logger
	started time.Time
}

// NewServer creates a server and registers its routes.
func NewServer(config ServerConfig, deps Dependencies) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultServerConfig().RequestTimeout
	}

	s := &Server{
		deps:    deps,
		config:  config,
		router:  mux.NewRouter(),
		logger:  logging.OrNop(deps.Logger).Named("api"),
		started: deps.Now(),
	}

	s.router.Use(loggingMiddleware(s.logger))
	s.router.Use(prometheusMiddleware(newHTTPMetrics(deps.Registerer)))

	// static paths are registered before /transactions/{id}
	s.router.HandleFunc("/transactions", s.handleCreateTransaction).Methods(http.MethodPost)
	s.router.HandleFunc("/transactions/jwks", s.handleJWKS).Methods(http.MethodGet)
	s.router.HandleFunc("/transactions/b2b", s.handleB2B).Methods(http.MethodPost)
	s.router.HandleFunc("/transactions/{id}", s.handleGetTransaction).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}

	s.logger.Info("listening", zap.String("address", ln.Addr().String()))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.deps.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "running",
		"timestamp": s.deps.Now().Unix(),
		"uptime":    s.deps.Now().Sub(s.started).String(),
	}
	if dir, ok := s.deps.Banks.(DirectoryStatus); ok {
		response["banks"] = dir.Len()
		response["directoryGeneration"] = dir.Generation()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Keys.PublishedKeys())
}

// requestContext bounds the work of one request.
func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.config.RequestTimeout)
}
