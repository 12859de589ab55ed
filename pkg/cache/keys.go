package cache

import (
	"fmt"
	"strings"
	"unicode"
)

// ValidateKey checks if a cache key is valid.
//
// Rules:
// - Non-empty string
// - Maximum length of 250 characters
// - No control characters
// - No leading or trailing whitespace
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	if len(key) > 250 {
		return fmt.Errorf("%w: key too long (max 250 characters)", ErrInvalidKey)
	}

	for _, r := range key {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: key contains control character", ErrInvalidKey)
		}
	}

	if strings.TrimSpace(key) != key {
		return fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}

	return nil
}

// KeyPattern builds namespaced cache keys such as "jwks:https://bank/jwks"
// or "rate:EUR:USD".
type KeyPattern struct {
	prefix    string
	separator string
}

// NewKeyPattern creates a new key pattern with the given prefix and separator.
func NewKeyPattern(prefix, separator string) *KeyPattern {
	if separator == "" {
		separator = ":"
	}
	return &KeyPattern{
		prefix:    prefix,
		separator: separator,
	}
}

// Build creates a cache key from the pattern and provided parts.
// Example: NewKeyPattern("rate", ":").Build("EUR", "USD") -> "rate:EUR:USD"
func (kp *KeyPattern) Build(parts ...string) string {
	var b strings.Builder
	b.WriteString(kp.prefix)
	for _, part := range parts {
		b.WriteString(kp.separator)
		b.WriteString(part)
	}
	return b.String()
}
