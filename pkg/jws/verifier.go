package jws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"bank-settlement/pkg/cache"
	"bank-settlement/pkg/cache/memory"
	"bank-settlement/pkg/chain"
	"bank-settlement/pkg/logging"
	"bank-settlement/pkg/resilience"
	"bank-settlement/pkg/settlement"

	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
)

// acceptedAlgorithms are the signature algorithms peers may use.
var acceptedAlgorithms = []jose.SignatureAlgorithm{jose.EdDSA, jose.ES256, jose.RS256}

var jwksKeys = cache.NewKeyPattern("jwks", ":")

// maxKeysetSize bounds a fetched keyset document.
const maxKeysetSize = 1 << 20

// DefaultMinRefetchInterval is how old a keyset must be before an unknown
// key id may force a fresh fetch.
const DefaultMinRefetchInterval = 30 * time.Second

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// Client performs keyset fetches. Defaults to a client with Timeout.
	Client  *http.Client
	Timeout time.Duration

	// TTL is how long a fetched keyset is trusted before it is fetched again.
	TTL time.Duration

	// Cache holds fetched keysets. Defaults to an in-memory chain.
	Cache *chain.Chain

	// Breakers guards keyset fetches per host. Optional.
	Breakers *resilience.BreakerSet

	// MinRefetchInterval limits refetches triggered by unknown key ids
	// (default: 30s), so forged key ids cannot bypass the TTL.
	MinRefetchInterval time.Duration

	Logger *logging.Logger
	Now    func() time.Time
}

// Verifier fetches peer keysets and verifies their tokens.
type Verifier struct {
	client     *http.Client
	ttl        time.Duration
	cache      *chain.Chain
	breakers   *resilience.BreakerSet
	minRefetch time.Duration
	logger     *logging.Logger
	now        func() time.Time

	mu        sync.Mutex
	fetchedAt map[string]time.Time
}

// NewVerifier creates a verifier.
func NewVerifier(config VerifierConfig) (*Verifier, error) {
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	if config.TTL <= 0 {
		config.TTL = 5 * time.Minute
	}
	if config.Client == nil {
		config.Client = &http.Client{Timeout: config.Timeout}
	}
	if config.MinRefetchInterval <= 0 {
		config.MinRefetchInterval = DefaultMinRefetchInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Cache == nil {
		c, err := chain.New(chain.Config{Name: "jwks", WarmTTL: config.TTL, Logger: config.Logger},
			memory.NewMemoryCache(memory.MemoryCacheConfig{Name: "jwks-memory", MaxSize: 1024, DefaultTTL: config.TTL}))
		if err != nil {
			return nil, err
		}
		config.Cache = c
	}

	return &Verifier{
		client:     config.Client,
		ttl:        config.TTL,
		cache:      config.Cache,
		breakers:   config.Breakers,
		minRefetch: config.MinRefetchInterval,
		logger:     logging.OrNop(config.Logger).Named("jws"),
		now:        config.Now,
		fetchedAt:  make(map[string]time.Time),
	}, nil
}

// FetchVerificationKey returns the keyset published at jwksURL, served from
// cache while it is younger than the configured TTL.
func (v *Verifier) FetchVerificationKey(ctx context.Context, jwksURL string) (*jose.JSONWebKeySet, error) {
	raw, err := v.cache.GetOrLoad(ctx, jwksKeys.Build(jwksURL), v.ttl, func(ctx context.Context) ([]byte, error) {
		return v.download(ctx, jwksURL)
	})
	if err != nil {
		return nil, err
	}
	return parseKeySet(raw)
}

// Invalidate drops a cached keyset so the next fetch goes to the network.
func (v *Verifier) Invalidate(ctx context.Context, jwksURL string) error {
	return v.cache.Delete(ctx, jwksKeys.Build(jwksURL))
}

func (v *Verifier) download(ctx context.Context, jwksURL string) ([]byte, error) {
	var body []byte
	fetch := func(ctx context.Context) error {
		var err error
		body, err = v.get(ctx, jwksURL)
		return err
	}

	var err error
	if b := v.breakerFor(jwksURL); b != nil {
		err = b.Do(ctx, fetch)
	} else {
		err = fetch(ctx)
	}
	if err != nil {
		var upstream *settlement.UpstreamError
		if errors.As(err, &upstream) {
			return nil, err
		}
		return nil, &settlement.UpstreamError{Source: jwksURL, Err: err}
	}

	// refuse to cache something that is not a keyset
	if _, err := parseKeySet(body); err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.fetchedAt[jwksURL] = v.now()
	v.mu.Unlock()

	v.logger.Debug("fetched verification keyset", zap.String("url", jwksURL))
	return body, nil
}

func (v *Verifier) get(ctx context.Context, jwksURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeysetSize))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &settlement.UpstreamError{
			Source:     jwksURL,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	return body, nil
}

func (v *Verifier) breakerFor(rawURL string) *resilience.Breaker {
	if v.breakers == nil {
		return nil
	}
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return v.breakers.For(host)
}

func parseKeySet(raw []byte) (*jose.JSONWebKeySet, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("%w: keyset is not valid JSON: %v", settlement.ErrSignature, err)
	}
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("%w: keyset has no keys", settlement.ErrSignature)
	}
	return &set, nil
}

// Verify checks token against keys and returns the signed payload.
// Every failure, whether malformed token, unknown key or bad signature,
// wraps settlement.ErrSignature.
func (v *Verifier) Verify(token string, keys *jose.JSONWebKeySet) ([]byte, error) {
	return Verify(token, keys)
}

// VerifyFrom verifies token against the keyset published at jwksURL. When the
// token names a key id missing from a cached keyset, the keyset is fetched
// once more in case the peer rotated keys, at most once per MinRefetchInterval.
func (v *Verifier) VerifyFrom(ctx context.Context, token, jwksURL string) ([]byte, error) {
	keys, err := v.FetchVerificationKey(ctx, jwksURL)
	if err != nil {
		return nil, err
	}

	payload, err := Verify(token, keys)
	if err == nil || !errors.Is(err, errUnknownKey) {
		return payload, err
	}

	if !v.refetchAllowed(jwksURL) {
		v.logger.Debug("unknown key id, keyset fetched recently", zap.String("url", jwksURL))
		return nil, err
	}

	v.logger.Info("unknown key id, refetching keyset", zap.String("url", jwksURL))
	if err := v.Invalidate(ctx, jwksURL); err != nil {
		v.logger.Warn("failed to invalidate keyset", zap.Error(err))
	}
	keys, err = v.FetchVerificationKey(ctx, jwksURL)
	if err != nil {
		return nil, err
	}
	return Verify(token, keys)
}

// refetchAllowed reserves a refetch of jwksURL when its keyset is older than
// the minimum interval. A keyset never downloaded by this node, e.g. one
// served from a shared cache, may be refetched once.
func (v *Verifier) refetchAllowed(jwksURL string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	if last, ok := v.fetchedAt[jwksURL]; ok && now.Sub(last) < v.minRefetch {
		return false
	}
	v.fetchedAt[jwksURL] = now
	return true
}

var errUnknownKey = errors.New("no key matches token key id")

// Verify checks token against keys and returns the signed payload.
func Verify(token string, keys *jose.JSONWebKeySet) ([]byte, error) {
	if keys == nil || len(keys.Keys) == 0 {
		return nil, fmt.Errorf("%w: no verification keys", settlement.ErrSignature)
	}

	obj, err := jose.ParseSigned(token, acceptedAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", settlement.ErrSignature, err)
	}
	if len(obj.Signatures) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one signature", settlement.ErrSignature)
	}

	candidates := keys.Keys
	if kid := obj.Signatures[0].Header.KeyID; kid != "" {
		candidates = keys.Key(kid)
		if len(candidates) == 0 {
			return nil, fmt.Errorf("%w: %w %q", settlement.ErrSignature, errUnknownKey, kid)
		}
	}

	for _, k := range candidates {
		payload, err := obj.Verify(k.Key)
		if err == nil {
			return payload, nil
		}
	}

	return nil, fmt.Errorf("%w: signature does not match any key", settlement.ErrSignature)
}
