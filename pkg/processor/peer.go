package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bank-settlement/pkg/resilience"
	"bank-settlement/pkg/settlement"
)

const maxPeerBody = 64 * 1024

// DefaultPeerTimeout bounds one outbound settlement call.
const DefaultPeerTimeout = 500 * time.Millisecond

// PeerResponse is the answer of a destination bank to a settlement call.
type PeerResponse struct {
	StatusCode   int    `json:"-"`
	ReceiverName string `json:"receiverName"`
	Error        string `json:"error"`
}

// Rejected reports whether the peer explicitly refused the transfer.
func (r *PeerResponse) Rejected() bool {
	return r.Error != ""
}

// AlreadySettled reports whether the peer recognised the token as a replay
// of a transfer it has already credited.
func (r *PeerResponse) AlreadySettled() bool {
	return r.StatusCode == http.StatusConflict
}

// PeerClient delivers a signed transfer to its destination bank.
// Transport failures, timeouts, 5xx answers and undecodable successes are
// returned as errors; every other answer is returned as a PeerResponse.
type PeerClient interface {
	Send(ctx context.Context, bank settlement.Bank, token string) (*PeerResponse, error)
}

// HTTPPeerClientConfig configures HTTPPeerClient.
type HTTPPeerClientConfig struct {
	Client *http.Client

	// Timeout is applied when Breakers is nil (default: 500ms)
	Timeout time.Duration

	// Breakers supplies one breaker per peer host; their timeout bounds each call
	Breakers *resilience.BreakerSet
}

// HTTPPeerClient posts {jwt} to bank.TransactionURL.
type HTTPPeerClient struct {
	client   *http.Client
	breakers *resilience.BreakerSet
}

// NewHTTPPeerClient creates a peer client.
func NewHTTPPeerClient(config HTTPPeerClientConfig) *HTTPPeerClient {
	if config.Client == nil {
		config.Client = http.DefaultClient
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultPeerTimeout
	}
	if config.Breakers == nil {
		config.Breakers = resilience.NewBreakerSet("peer:", resilience.DefaultConfig().WithTimeout(config.Timeout), nil, nil)
	}
	return &HTTPPeerClient{client: config.Client, breakers: config.Breakers}
}

func (c *HTTPPeerClient) Send(ctx context.Context, bank settlement.Bank, token string) (*PeerResponse, error) {
	body, err := json.Marshal(map[string]string{"jwt": token})
	if err != nil {
		return nil, err
	}

	var resp *PeerResponse
	err = c.breakerFor(bank.TransactionURL).Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.post(ctx, bank, body)
		return err
	})
	if err != nil {
		var upstream *settlement.UpstreamError
		if errors.As(err, &upstream) {
			return nil, err
		}
		return nil, &settlement.UpstreamError{Source: bank.BankPrefix, Err: err}
	}

	return resp, nil
}

func (c *HTTPPeerClient) post(ctx context.Context, bank settlement.Bank, body []byte) (*PeerResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bank.TransactionURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxPeerBody))
	if err != nil {
		return nil, err
	}

	resp := &PeerResponse{StatusCode: httpResp.StatusCode}
	decodeErr := json.Unmarshal(raw, resp)

	// a success that is not a settlement answer (proxy or gateway page) is
	// retried rather than finalised
	if decodeErr != nil && httpResp.StatusCode >= 200 && httpResp.StatusCode <= 299 {
		return nil, &settlement.UpstreamError{
			Source:     bank.BankPrefix,
			StatusCode: httpResp.StatusCode,
			Body:       "undecodable response: " + truncate(strings.TrimSpace(string(raw)), 256),
		}
	}

	// 5xx is the peer failing, not the peer refusing: retried even when it
	// carries an error message
	if httpResp.StatusCode >= 500 {
		detail := resp.Error
		if detail == "" {
			detail = strings.TrimSpace(string(raw))
		}
		return nil, &settlement.UpstreamError{
			Source:     bank.BankPrefix,
			StatusCode: httpResp.StatusCode,
			Body:       truncate(detail, 1024),
		}
	}

	return resp, nil
}

func (c *HTTPPeerClient) breakerFor(rawURL string) *resilience.Breaker {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return c.breakers.For(host)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
