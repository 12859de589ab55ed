package store

import (
	"context"
	"errors"
	"fmt"

	"bank-settlement/pkg/settlement"
)

var (
	// ErrConflict is returned by Transition when the record is no longer in the expected status
	ErrConflict = errors.New("store: status conflict")

	// ErrDuplicate is returned when a unique key, such as an inbound token hash, already exists
	ErrDuplicate = errors.New("store: duplicate entry")

	// ErrInvalidTransition is returned when the state graph forbids the requested move
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// TransactionStore persists outbound transactions.
type TransactionStore interface {
	// CreateOutbound debits tx.AccountFrom by tx.Amount and inserts tx in one commit.
	CreateOutbound(ctx context.Context, tx *settlement.Transaction) error

	// Get returns the transaction with id, or an error wrapping settlement.ErrNotFound.
	Get(ctx context.Context, id string) (*settlement.Transaction, error)

	// ListByStatus returns every transaction in status, oldest first.
	ListByStatus(ctx context.Context, status settlement.Status) ([]*settlement.Transaction, error)

	// Transition moves id from one status to another if and only if it is
	// currently in from. mutate, when non-nil, may set other fields on the
	// record before it is written. Returns ErrConflict when the status changed
	// underneath the caller.
	Transition(ctx context.Context, id string, from, to settlement.Status, mutate func(*settlement.Transaction)) (*settlement.Transaction, error)
}

// AccountStore reads and credits local accounts.
type AccountStore interface {
	// FindByNumber returns the account, or an error wrapping settlement.ErrNotFound.
	FindByNumber(ctx context.Context, number string) (*settlement.Account, error)

	// CreditWithLedger adds entry.Amount to entry.AccountTo and records entry
	// in one commit. A repeated entry.ReplayKey returns ErrDuplicate and credits nothing.
	CreditWithLedger(ctx context.Context, entry settlement.InboundEntry) error

	// LedgerEntry returns the inbound entry recorded for replayKey.
	LedgerEntry(ctx context.Context, replayKey string) (*settlement.InboundEntry, error)
}

// SessionStore authenticates API callers.
type SessionStore interface {
	// UserForToken returns the user owning a session token, or an error wrapping settlement.ErrAuth.
	UserForToken(ctx context.Context, token string) (string, error)
}

// Store is everything a settlement node persists.
type Store interface {
	TransactionStore
	AccountStore
	SessionStore
	Close() error
}

// LedgerExists reports whether an inbound entry exists for replayKey.
func LedgerExists(ctx context.Context, s AccountStore, replayKey string) (bool, error) {
	_, err := s.LedgerEntry(ctx, replayKey)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, settlement.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// CheckTransition validates a move along the state graph.
func CheckTransition(from, to settlement.Status) error {
	if !settlement.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
