package jws

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"bank-settlement/pkg/settlement"

	"github.com/go-jose/go-jose/v4"
)

// Signer produces compact JWS tokens over transfer payloads with this node's
// Ed25519 key. Ed25519 signatures are deterministic, so signing the same
// payload twice yields the same token.
type Signer struct {
	key    jose.JSONWebKey
	signer jose.Signer
}

// NewSigner creates a signer for priv. The key id is the RFC 7638 thumbprint
// of the public key.
func NewSigner(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("jws: invalid ed25519 private key length %d", len(priv))
	}

	pub := jose.JSONWebKey{Key: priv.Public(), Algorithm: string(jose.EdDSA), Use: "sig"}
	thumb, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("jws: thumbprint: %w", err)
	}
	kid := base64.RawURLEncoding.EncodeToString(thumb)

	key := jose.JSONWebKey{Key: priv, KeyID: kid, Algorithm: string(jose.EdDSA), Use: "sig"}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.EdDSA, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("jws: new signer: %w", err)
	}

	return &Signer{key: key, signer: signer}, nil
}

// NewSignerFromSeed creates a signer from a hex-encoded 32 byte Ed25519 seed.
func NewSignerFromSeed(seedHex string) (*Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("jws: decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("jws: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return NewSigner(ed25519.NewKeyFromSeed(seed))
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("jws: generate key: %w", err)
	}
	return NewSigner(priv)
}

// Sign serializes payload and returns it as a compact JWS.
func (s *Signer) Sign(payload settlement.TransferPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("jws: encode payload: %w", err)
	}
	return s.SignBytes(body)
}

// SignBytes signs an already encoded payload.
func (s *Signer) SignBytes(body []byte) (string, error) {
	obj, err := s.signer.Sign(body)
	if err != nil {
		return "", fmt.Errorf("jws: sign: %w", err)
	}
	return obj.CompactSerialize()
}

// KeyID returns the key id placed in every token header.
func (s *Signer) KeyID() string {
	return s.key.KeyID
}

// PublishedKeys returns the public keyset peers use to verify our tokens.
func (s *Signer) PublishedKeys() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{s.key.Public()}}
}
