package settlement

import (
	"errors"
	"fmt"
)

// Error kinds shared by every settlement component.
// Callers match them with errors.Is; concrete errors wrap one of these.
var (
	// ErrValidation is returned for malformed or missing fields
	ErrValidation = errors.New("validation failed")

	// ErrMalformed is returned when a message cannot be decoded at all
	ErrMalformed = errors.New("malformed message")

	// ErrAuth is returned when a session token is missing or unknown
	ErrAuth = errors.New("unauthorized")

	// ErrForbidden is returned when an authenticated user acts on an account they do not own
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned for unknown accounts, banks and transactions
	ErrNotFound = errors.New("not found")

	// ErrSignature is returned for any token verification failure
	ErrSignature = errors.New("signature verification failed")

	// ErrUpstream is returned when the central registry or a peer bank is unreachable or erroring
	ErrUpstream = errors.New("upstream unavailable")

	// ErrExpired is returned for transactions that aged out before settlement
	ErrExpired = errors.New("transaction expired")

	// ErrInsufficientFunds is returned when a debit exceeds the account balance
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// FieldError names the payload field that failed schema validation.
type FieldError struct {
	Field    string
	Expected string
	Got      string
	Missing  bool
}

func (e *FieldError) Error() string {
	if e.Missing {
		return fmt.Sprintf("Missing parameter %s", e.Field)
	}
	return fmt.Sprintf("%s is of type %s but expected it to be %s", e.Field, e.Got, e.Expected)
}

// Unwrap lets errors.Is(err, ErrValidation) match field errors.
func (e *FieldError) Unwrap() error {
	return ErrValidation
}

// UpstreamError carries the failure of a remote collaborator.
type UpstreamError struct {
	// Source names the collaborator, e.g. "central bank" or a bank prefix
	Source string
	// StatusCode is the HTTP status, 0 for transport failures
	StatusCode int
	// Body is the (truncated) response body of a non-2xx answer
	Body string
	// Err is the transport error, if any
	Err error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Source, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is makes every UpstreamError match ErrUpstream.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

// ClassifyError returns a short label of the error kind for metrics and logs.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	var fieldErr *FieldError
	switch {
	case errors.As(err, &fieldErr), errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrSignature):
		return "signature"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	default:
		return "other"
	}
}
