package jws

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"bank-settlement/pkg/settlement"

	"github.com/go-jose/go-jose/v4"
)

const testSeed = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"

func testPayload() settlement.TransferPayload {
	return settlement.TransferPayload{
		AccountFrom: "abc1234567",
		AccountTo:   "bf79876543",
		Amount:      500,
		Currency:    "EUR",
		Explanation: "rent",
		SenderName:  "John Smith",
	}
}

func mustSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSignerFromSeed(testSeed)
	if err != nil {
		t.Fatalf("NewSignerFromSeed failed: %v", err)
	}
	return s
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s := mustSigner(t)
	keys := s.PublishedKeys()

	token, err := s.Sign(testPayload())
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	payload, err := Verify(token, &keys)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	var got settlement.TransferPayload
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got != testPayload() {
		t.Errorf("Expected %+v, got %+v", testPayload(), got)
	}
}

func TestSign_Deterministic(t *testing.T) {
	s := mustSigner(t)

	a, _ := s.Sign(testPayload())
	b, _ := s.Sign(testPayload())
	if a != b {
		t.Error("Expected identical tokens for identical payloads")
	}
}

func TestPublishedKeys_PublicOnly(t *testing.T) {
	s := mustSigner(t)
	keys := s.PublishedKeys()

	if len(keys.Keys) != 1 {
		t.Fatalf("Expected 1 key, got %d", len(keys.Keys))
	}
	if !keys.Keys[0].IsPublic() {
		t.Error("Published key must be public")
	}
	if keys.Keys[0].KeyID != s.KeyID() || s.KeyID() == "" {
		t.Errorf("Unexpected key id %q", keys.Keys[0].KeyID)
	}

	raw, _ := json.Marshal(keys)
	if strings.Contains(string(raw), `"d"`) {
		t.Error("Published keyset leaks private key material")
	}
}

func TestVerify_TamperedByte(t *testing.T) {
	s := mustSigner(t)
	keys := s.PublishedKeys()
	token, _ := s.Sign(testPayload())

	parts := strings.Split(token, ".")
	payload := []byte(parts[1])
	if payload[10] == 'A' {
		payload[10] = 'B'
	} else {
		payload[10] = 'A'
	}
	tampered := parts[0] + "." + string(payload) + "." + parts[2]

	if _, err := Verify(tampered, &keys); !errors.Is(err, settlement.ErrSignature) {
		t.Errorf("Expected ErrSignature, got %v", err)
	}
}

func TestVerify_WrongKey(t *testing.T) {
	s := mustSigner(t)
	other, err := GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}
	token, _ := s.Sign(testPayload())

	otherKeys := other.PublishedKeys()
	if _, err := Verify(token, &otherKeys); !errors.Is(err, settlement.ErrSignature) {
		t.Errorf("Expected ErrSignature, got %v", err)
	}

	// a keyset without key ids never matches a token naming one
	anon := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: other.PublishedKeys().Keys[0].Key}}}
	if _, err := Verify(token, &anon); !errors.Is(err, settlement.ErrSignature) {
		t.Errorf("Expected ErrSignature, got %v", err)
	}
}

func TestVerify_Malformed(t *testing.T) {
	s := mustSigner(t)
	keys := s.PublishedKeys()

	for _, token := range []string{"", "abc", "a.b.c", "....."} {
		if _, err := Verify(token, &keys); !errors.Is(err, settlement.ErrSignature) {
			t.Errorf("Verify(%q): expected ErrSignature, got %v", token, err)
		}
	}
}

func TestDecodeUnverified(t *testing.T) {
	s := mustSigner(t)
	token, _ := s.Sign(testPayload())

	payload, err := DecodeUnverified(token)
	if err != nil {
		t.Fatalf("DecodeUnverified failed: %v", err)
	}
	if !strings.Contains(string(payload), `"accountTo":"bf79876543"`) {
		t.Errorf("Unexpected payload %s", payload)
	}

	for _, bad := range []string{"", "only.two", "a.!!!.c"} {
		if _, err := DecodeUnverified(bad); !errors.Is(err, settlement.ErrMalformed) {
			t.Errorf("DecodeUnverified(%q): expected ErrMalformed, got %v", bad, err)
		}
	}
}

func TestNewSigner_InvalidInput(t *testing.T) {
	if _, err := NewSigner(ed25519.PrivateKey([]byte("short"))); err == nil {
		t.Error("Expected error for short key")
	}
	if _, err := NewSignerFromSeed("zz"); err == nil {
		t.Error("Expected error for non-hex seed")
	}
	if _, err := NewSignerFromSeed("abcd"); err == nil {
		t.Error("Expected error for short seed")
	}
}

func jwksServer(t *testing.T, keys func() jose.JSONWebKeySet, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(keys())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVerifier_FetchCachedWithinTTL(t *testing.T) {
	s := mustSigner(t)
	var hits int32
	srv := jwksServer(t, s.PublishedKeys, &hits)

	v, err := NewVerifier(VerifierConfig{TTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		keys, err := v.FetchVerificationKey(ctx, srv.URL)
		if err != nil {
			t.Fatalf("FetchVerificationKey failed: %v", err)
		}
		if len(keys.Keys) != 1 {
			t.Errorf("Expected 1 key, got %d", len(keys.Keys))
		}
	}

	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("Expected a single fetch within TTL, got %d", n)
	}
}

func TestVerifier_FetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	v, _ := NewVerifier(VerifierConfig{})
	_, err := v.FetchVerificationKey(context.Background(), srv.URL)

	var upstream *settlement.UpstreamError
	if !errors.As(err, &upstream) || upstream.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 UpstreamError, got %v", err)
	}
}

func TestVerifier_VerifyFromRefetchesOnRotation(t *testing.T) {
	old := mustSigner(t)
	rotated, _ := GenerateSigner()

	var current atomic.Pointer[Signer]
	current.Store(old)

	var hits int32
	srv := jwksServer(t, func() jose.JSONWebKeySet { return current.Load().PublishedKeys() }, &hits)

	clock := time.Now()
	v, _ := NewVerifier(VerifierConfig{TTL: time.Hour, Now: func() time.Time { return clock }})
	ctx := context.Background()

	// warm the cache with the old keyset
	if _, err := v.FetchVerificationKey(ctx, srv.URL); err != nil {
		t.Fatal(err)
	}

	current.Store(rotated)
	token, _ := rotated.Sign(testPayload())
	clock = clock.Add(DefaultMinRefetchInterval)

	if _, err := v.VerifyFrom(ctx, token, srv.URL); err != nil {
		t.Fatalf("Expected rotated key to verify after refetch, got %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("Expected 2 fetches, got %d", n)
	}
}

func TestVerifier_VerifyFromRejectsForeignToken(t *testing.T) {
	s := mustSigner(t)
	var hits int32
	srv := jwksServer(t, s.PublishedKeys, &hits)

	other, _ := GenerateSigner()
	token, _ := other.Sign(testPayload())

	v, _ := NewVerifier(VerifierConfig{})
	if _, err := v.VerifyFrom(context.Background(), token, srv.URL); !errors.Is(err, settlement.ErrSignature) {
		t.Errorf("Expected ErrSignature, got %v", err)
	}
}

func TestVerifier_UnknownKeyIDRefetchIsRateLimited(t *testing.T) {
	s := mustSigner(t)
	var hits int32
	srv := jwksServer(t, s.PublishedKeys, &hits)

	clock := time.Now()
	v, _ := NewVerifier(VerifierConfig{TTL: time.Hour, Now: func() time.Time { return clock }})
	ctx := context.Background()

	forger, _ := GenerateSigner()
	token, _ := forger.Sign(testPayload())

	for i := 0; i < 5; i++ {
		if _, err := v.VerifyFrom(ctx, token, srv.URL); !errors.Is(err, settlement.ErrSignature) {
			t.Fatalf("Expected ErrSignature, got %v", err)
		}
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("Expected unknown key ids within the interval to reuse the cached keyset, got %d fetches", n)
	}

	clock = clock.Add(DefaultMinRefetchInterval)
	v.VerifyFrom(ctx, token, srv.URL)
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("Expected one refetch once the keyset aged, got %d fetches", n)
	}

	// a genuine token keeps verifying from cache
	good, _ := s.Sign(testPayload())
	if _, err := v.VerifyFrom(ctx, good, srv.URL); err != nil {
		t.Errorf("Expected valid token to verify, got %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("Expected no extra fetch for a known key, got %d", n)
	}
}
