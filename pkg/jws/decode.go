package jws

import (
	"encoding/base64"
	"fmt"
	"strings"

	"bank-settlement/pkg/settlement"
)

// DecodeUnverified returns the payload segment of a compact JWS without
// checking its signature. The result must not be trusted until Verify succeeds.
func DecodeUnverified(token string) ([]byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: token has %d segments, expected 3", settlement.ErrMalformed, len(parts))
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload segment: %v", settlement.ErrMalformed, err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", settlement.ErrMalformed)
	}

	return payload, nil
}
