package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bank-settlement/pkg/cache"
	"bank-settlement/pkg/chain"
	"bank-settlement/pkg/resilience"
	"bank-settlement/pkg/settlement"

	"github.com/shopspring/decimal"
)

// HTTPRateSource reads rates from a Frankfurter-compatible API:
// GET {base}/latest?from=EUR&to=USD -> {"base":"EUR","rates":{"USD":1.0842}}
type HTTPRateSource struct {
	baseURL string
	client  *http.Client
	breaker *resilience.Breaker
}

// NewHTTPRateSource creates a rate source. breaker may be nil.
func NewHTTPRateSource(baseURL string, timeout time.Duration, breaker *resilience.Breaker) *HTTPRateSource {
	return &HTTPRateSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

type latestResponse struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (s *HTTPRateSource) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	var rate decimal.Decimal
	call := func(ctx context.Context) error {
		var err error
		rate, err = s.fetch(ctx, from, to)
		return err
	}

	var err error
	if s.breaker != nil {
		err = s.breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return decimal.Zero, &RateError{From: from, To: to, Err: err}
	}
	return rate, nil
}

func (s *HTTPRateSource) fetch(ctx context.Context, from, to string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("from", from)
	q.Set("to", to)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/latest?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, &settlement.UpstreamError{
			Source:     "rates",
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var payload latestResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("decode rates: %w", err)
	}

	rate, ok := payload.Rates[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("no %s rate in response", to)
	}
	return rate, nil
}

var rateKeys = cache.NewKeyPattern("rate", ":")

// CachedRateSource serves rates from a cache chain, loading misses from source.
type CachedRateSource struct {
	source RateSource
	cache  *chain.Chain
	ttl    time.Duration
}

// NewCachedRateSource caches rates from source in c for ttl.
func NewCachedRateSource(source RateSource, c *chain.Chain, ttl time.Duration) *CachedRateSource {
	return &CachedRateSource{source: source, cache: c, ttl: ttl}
}

func (s *CachedRateSource) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	raw, err := s.cache.GetOrLoad(ctx, rateKeys.Build(from, to), s.ttl, func(ctx context.Context) ([]byte, error) {
		rate, err := s.source.Rate(ctx, from, to)
		if err != nil {
			return nil, err
		}
		return []byte(rate.String()), nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	rate, err := decimal.NewFromString(string(raw))
	if err != nil {
		return decimal.Zero, &RateError{From: from, To: to, Err: fmt.Errorf("cached rate %q: %w", raw, err)}
	}
	return rate, nil
}
