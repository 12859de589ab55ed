package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bank-settlement/pkg/settlement"
	"bank-settlement/pkg/store"

	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// Store persists transactions, accounts, sessions and the inbound ledger in PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Config holds connection pool settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns pool defaults for dsn.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Open connects, pings and creates missing tables.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.initTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init tables: %w", err)
	}

	return s, nil
}

func (s *Store) initTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			number TEXT PRIMARY KEY,
			currency TEXT NOT NULL,
			balance BIGINT NOT NULL DEFAULT 0,
			owner_id TEXT NOT NULL,
			owner_name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			account_from TEXT NOT NULL,
			account_to TEXT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			explanation TEXT NOT NULL,
			sender_name TEXT NOT NULL,
			receiver_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			status_details TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_status_created ON transactions(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS inbound_entries (
			id TEXT PRIMARY KEY,
			replay_key TEXT NOT NULL UNIQUE,
			sender_bank TEXT NOT NULL,
			account_from TEXT NOT NULL,
			account_to TEXT NOT NULL REFERENCES accounts(number),
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			original_amount BIGINT NOT NULL,
			original_currency TEXT NOT NULL,
			explanation TEXT NOT NULL,
			sender_name TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// withTx runs fn inside a database transaction, committing only if fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const transactionColumns = `id, account_from, account_to, amount, currency, explanation,
	sender_name, receiver_name, status, status_details, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row scanner) (*settlement.Transaction, error) {
	var t settlement.Transaction
	err := row.Scan(
		&t.ID, &t.AccountFrom, &t.AccountTo, &t.Amount, &t.Currency, &t.Explanation,
		&t.SenderName, &t.ReceiverName, &t.Status, &t.StatusDetails, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) CreateOutbound(ctx context.Context, t *settlement.Transaction) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var balance int64
		err := tx.QueryRowContext(ctx,
			`SELECT balance FROM accounts WHERE number = $1 FOR UPDATE`, t.AccountFrom,
		).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("account %s: %w", t.AccountFrom, settlement.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		if balance < t.Amount {
			return settlement.ErrInsufficientFunds
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = balance - $2 WHERE number = $1`, t.AccountFrom, t.Amount,
		); err != nil {
			return fmt.Errorf("debit account: %w", err)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO transactions (`+transactionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			t.ID, t.AccountFrom, t.AccountTo, t.Amount, t.Currency, t.Explanation,
			t.SenderName, t.ReceiverName, t.Status, t.StatusDetails, t.CreatedAt, t.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("transaction %s: %w", t.ID, store.ErrDuplicate)
		}
		if err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, id string) (*settlement.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, settlement.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query transaction: %w", err)
	}
	return t, nil
}

func (s *Store) ListByStatus(ctx context.Context, status settlement.Status) ([]*settlement.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE status = $1 ORDER BY created_at, id`, status)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []*settlement.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Transition(ctx context.Context, id string, from, to settlement.Status, mutate func(*settlement.Transaction)) (*settlement.Transaction, error) {
	if err := store.CheckTransition(from, to); err != nil {
		return nil, err
	}

	var next *settlement.Transaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanTransaction(tx.QueryRowContext(ctx,
			`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("transaction %s: %w", id, settlement.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock transaction: %w", err)
		}
		if current.Status != from {
			return fmt.Errorf("transaction %s is %s, not %s: %w", id, current.Status, from, store.ErrConflict)
		}

		next = current.Clone()
		if mutate != nil {
			mutate(next)
		}
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		next.Status = to
		next.UpdatedAt = s.now()

		_, err = tx.ExecContext(ctx, `UPDATE transactions
			SET receiver_name = $2, status = $3, status_details = $4, updated_at = $5
			WHERE id = $1`,
			id, next.ReceiverName, next.Status, next.StatusDetails, next.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Store) FindByNumber(ctx context.Context, number string) (*settlement.Account, error) {
	var a settlement.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT number, currency, balance, owner_id, owner_name FROM accounts WHERE number = $1`, number,
	).Scan(&a.Number, &a.Currency, &a.Balance, &a.OwnerID, &a.OwnerName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", number, settlement.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &a, nil
}

func (s *Store) CreditWithLedger(ctx context.Context, e settlement.InboundEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// credit first so a missing account surfaces as ErrNotFound; a
		// duplicate ledger row below rolls the credit back
		res, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = balance + $2 WHERE number = $1`, e.AccountTo, e.Amount)
		if err != nil {
			return fmt.Errorf("credit account: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("account %s: %w", e.AccountTo, settlement.ErrNotFound)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO inbound_entries (
				id, replay_key, sender_bank, account_from, account_to, amount, currency,
				original_amount, original_currency, explanation, sender_name, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			e.ID, e.ReplayKey, e.SenderBank, e.AccountFrom, e.AccountTo, e.Amount, e.Currency,
			e.OriginalAmount, e.OriginalCurrency, e.Explanation, e.SenderName, e.CreatedAt,
		)
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		return nil
	})
}

func (s *Store) LedgerEntry(ctx context.Context, replayKey string) (*settlement.InboundEntry, error) {
	var e settlement.InboundEntry
	err := s.db.QueryRowContext(ctx, `SELECT id, replay_key, sender_bank, account_from, account_to,
			amount, currency, original_amount, original_currency, explanation, sender_name, created_at
		FROM inbound_entries WHERE replay_key = $1`, replayKey,
	).Scan(&e.ID, &e.ReplayKey, &e.SenderBank, &e.AccountFrom, &e.AccountTo,
		&e.Amount, &e.Currency, &e.OriginalAmount, &e.OriginalCurrency, &e.Explanation, &e.SenderName, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger entry: %w", settlement.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query ledger entry: %w", err)
	}
	return &e, nil
}

func (s *Store) UserForToken(ctx context.Context, token string) (string, error) {
	var user string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE token = $1`, token).Scan(&user)
	if errors.Is(err, sql.ErrNoRows) {
		return "", settlement.ErrAuth
	}
	if err != nil {
		return "", fmt.Errorf("query session: %w", err)
	}
	return user, nil
}

// AddAccount inserts or replaces an account. Accounts are managed outside the
// settlement engine; this exists for provisioning and tests.
func (s *Store) AddAccount(ctx context.Context, a settlement.Account) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts (number, currency, balance, owner_id, owner_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (number) DO UPDATE SET currency = $2, balance = $3, owner_id = $4, owner_name = $5`,
		a.Number, a.Currency, a.Balance, a.OwnerID, a.OwnerName)
	return err
}

// AddSession inserts or replaces a session token.
func (s *Store) AddSession(ctx context.Context, token, userID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (token, user_id) VALUES ($1, $2)
		ON CONFLICT (token) DO UPDATE SET user_id = $2`, token, userID)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

var _ store.Store = (*Store)(nil)
