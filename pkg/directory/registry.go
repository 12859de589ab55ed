package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bank-settlement/pkg/resilience"
	"bank-settlement/pkg/settlement"
)

// registrySource names the central registry in upstream errors.
const registrySource = "central bank"

// maxErrorBody bounds how much of a failed response is kept in an error.
const maxErrorBody = 1024

// BankSource lists every bank known to the central registry.
type BankSource interface {
	FetchBanks(ctx context.Context) ([]settlement.Bank, error)
}

// RegistryConfig configures the central registry client.
type RegistryConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Registry fetches the bank list from the central registry over HTTP.
type Registry struct {
	url     string
	apiKey  string
	client  *http.Client
	breaker *resilience.Breaker
}

// NewRegistry creates a registry client. breaker may be nil.
func NewRegistry(config RegistryConfig, client *http.Client, breaker *resilience.Breaker) *Registry {
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &Registry{
		url:     strings.TrimRight(config.URL, "/"),
		apiKey:  config.APIKey,
		client:  client,
		breaker: breaker,
	}
}

// FetchBanks performs GET {url}/banks with the Api-Key header.
func (r *Registry) FetchBanks(ctx context.Context) ([]settlement.Bank, error) {
	var banks []settlement.Bank

	call := func(ctx context.Context) error {
		var err error
		banks, err = r.fetch(ctx)
		return err
	}

	var err error
	if r.breaker != nil {
		err = r.breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		var upstream *settlement.UpstreamError
		if errors.As(err, &upstream) {
			return nil, err
		}
		return nil, &settlement.UpstreamError{Source: registrySource, Err: err}
	}

	return banks, nil
}

func (r *Registry) fetch(ctx context.Context) ([]settlement.Bank, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url+"/banks", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Api-Key", r.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &settlement.UpstreamError{
			Source:     registrySource,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var banks []settlement.Bank
	if err := json.NewDecoder(resp.Body).Decode(&banks); err != nil {
		return nil, fmt.Errorf("decode bank list: %w", err)
	}

	return banks, nil
}

// StaticSource serves a fixed bank list. Used in tests and for locally configured peers.
type StaticSource []settlement.Bank

func (s StaticSource) FetchBanks(ctx context.Context) ([]settlement.Bank, error) {
	out := make([]settlement.Bank, len(s))
	copy(out, s)
	return out, nil
}
