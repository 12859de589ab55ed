package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bank-settlement/pkg/settlement"
	"bank-settlement/pkg/store"
)

// Store keeps every record in process memory behind one mutex.
// Used by tests and by nodes started without a database.
type Store struct {
	mu           sync.Mutex
	transactions map[string]*settlement.Transaction
	accounts     map[string]*settlement.Account
	sessions     map[string]string
	ledger       map[string]settlement.InboundEntry
	now          func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		transactions: make(map[string]*settlement.Transaction),
		accounts:     make(map[string]*settlement.Account),
		sessions:     make(map[string]string),
		ledger:       make(map[string]settlement.InboundEntry),
		now:          time.Now,
	}
}

// AddAccount seeds an account.
func (s *Store) AddAccount(a settlement.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.Number] = &a
}

// AddSession seeds a session token for userID.
func (s *Store) AddSession(token, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[token] = userID
}

// Insert stores tx as is, without touching balances.
func (s *Store) Insert(tx *settlement.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[tx.ID] = tx.Clone()
}

func (s *Store) CreateOutbound(ctx context.Context, tx *settlement.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactions[tx.ID]; exists {
		return fmt.Errorf("transaction %s: %w", tx.ID, store.ErrDuplicate)
	}

	from, ok := s.accounts[tx.AccountFrom]
	if !ok {
		return fmt.Errorf("account %s: %w", tx.AccountFrom, settlement.ErrNotFound)
	}
	if from.Balance < tx.Amount {
		return settlement.ErrInsufficientFunds
	}

	from.Balance -= tx.Amount
	s.transactions[tx.ID] = tx.Clone()
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*settlement.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, settlement.ErrNotFound)
	}
	return tx.Clone(), nil
}

func (s *Store) ListByStatus(ctx context.Context, status settlement.Status) ([]*settlement.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*settlement.Transaction
	for _, tx := range s.transactions {
		if tx.Status == status {
			out = append(out, tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) Transition(ctx context.Context, id string, from, to settlement.Status, mutate func(*settlement.Transaction)) (*settlement.Transaction, error) {
	if err := store.CheckTransition(from, to); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, settlement.ErrNotFound)
	}
	if current.Status != from {
		return nil, fmt.Errorf("transaction %s is %s, not %s: %w", id, current.Status, from, store.ErrConflict)
	}

	next := current.Clone()
	if mutate != nil {
		mutate(next)
	}
	// mutate may not alter identity or status
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.Status = to
	next.UpdatedAt = s.now()

	s.transactions[id] = next
	return next.Clone(), nil
}

func (s *Store) FindByNumber(ctx context.Context, number string) (*settlement.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[number]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", number, settlement.ErrNotFound)
	}
	c := *a
	return &c, nil
}

func (s *Store) CreditWithLedger(ctx context.Context, entry settlement.InboundEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.ledger[entry.ReplayKey]; dup {
		return store.ErrDuplicate
	}
	a, ok := s.accounts[entry.AccountTo]
	if !ok {
		return fmt.Errorf("account %s: %w", entry.AccountTo, settlement.ErrNotFound)
	}

	a.Balance += entry.Amount
	s.ledger[entry.ReplayKey] = entry
	return nil
}

func (s *Store) LedgerEntry(ctx context.Context, replayKey string) (*settlement.InboundEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.ledger[replayKey]
	if !ok {
		return nil, fmt.Errorf("ledger entry: %w", settlement.ErrNotFound)
	}
	return &e, nil
}

// LedgerLen returns the number of recorded inbound entries.
func (s *Store) LedgerLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ledger)
}

func (s *Store) UserForToken(ctx context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.sessions[token]
	if !ok {
		return "", settlement.ErrAuth
	}
	return user, nil
}

func (s *Store) Close() error {
	return nil
}

var _ store.Store = (*Store)(nil)
