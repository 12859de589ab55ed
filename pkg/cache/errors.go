package cache

import (
	"errors"
	"fmt"
)

// Common cache operation errors.
var (
	// ErrKeyNotFound is returned when a requested key does not exist in the cache
	ErrKeyNotFound = errors.New("cache: key not found")

	// ErrInvalidKey is returned when a cache key is invalid (empty, too long, contains invalid characters)
	ErrInvalidKey = errors.New("cache: invalid key")

	// ErrLayerUnavailable is returned when a cache layer is temporarily unavailable
	ErrLayerUnavailable = errors.New("cache: layer unavailable")
)

// IsNotFound checks if the given error indicates that a key was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

// WrapError wraps an error with the layer and operation that produced it.
func WrapError(err error, layer string, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("cache layer %s %s: %w", layer, operation, err)
}
