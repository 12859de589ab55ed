package inbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bank-settlement/pkg/cache/bloom"
	"bank-settlement/pkg/events"
	"bank-settlement/pkg/jws"
	"bank-settlement/pkg/logging"
	"bank-settlement/pkg/metrics"
	"bank-settlement/pkg/settlement"
	"bank-settlement/pkg/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrUnknownSender is returned when the claimed sender prefix is not a registered bank
	ErrUnknownSender = errors.New("unknown sender bank")

	// ErrReplay is returned for a transfer that has already been credited
	ErrReplay = errors.New("transfer already settled")
)

// ReplayError reports a resent transfer together with the original receiver.
type ReplayError struct {
	ReceiverName string
}

func (e *ReplayError) Error() string {
	return ErrReplay.Error()
}

// Is makes every ReplayError match ErrReplay.
func (e *ReplayError) Is(target error) bool {
	return target == ErrReplay
}

// BankResolver finds the bank owning a routing prefix.
type BankResolver interface {
	Resolve(ctx context.Context, prefix string) (settlement.Bank, error)
}

// TokenVerifier verifies a token against the keyset published at jwksURL.
type TokenVerifier interface {
	VerifyFrom(ctx context.Context, token, jwksURL string) ([]byte, error)
}

// AmountConverter converts minor-unit amounts between currencies.
type AmountConverter interface {
	Convert(ctx context.Context, amount int64, from, to string) (int64, error)
}

// CreditPolicy selects which amount a cross-currency transfer credits.
type CreditPolicy string

const (
	// CreditConverted credits the amount converted into the account currency.
	CreditConverted CreditPolicy = "converted"

	// CreditOriginal credits the sent amount unchanged. The conversion still
	// runs and is recorded in the ledger entry.
	CreditOriginal CreditPolicy = "original"
)

// ParseCreditPolicy accepts "converted" or "original"; empty means converted.
func ParseCreditPolicy(s string) (CreditPolicy, error) {
	switch CreditPolicy(s) {
	case "", CreditConverted:
		return CreditConverted, nil
	case CreditOriginal:
		return CreditOriginal, nil
	}
	return "", fmt.Errorf("%w: unknown credit policy %q", settlement.ErrValidation, s)
}

// Config carries the optional collaborators of a Handler.
type Config struct {
	// Replays pre-checks token hashes before the ledger is consulted
	Replays *bloom.ReplayFilter

	// Credit defaults to CreditConverted
	Credit CreditPolicy

	Events  events.Publisher
	Metrics metrics.MetricsCollector
	Logger  *logging.Logger
	Now     func() time.Time
}

// Result describes a credited inbound transfer.
type Result struct {
	EntryID        string
	ReceiverName   string
	CreditedAmount int64
	Currency       string
}

// Handler settles transfers signed by peer banks.
type Handler struct {
	banks     BankResolver
	verifier  TokenVerifier
	converter AmountConverter
	accounts  store.AccountStore
	replays   *bloom.ReplayFilter
	credit    CreditPolicy
	events    events.Publisher
	metrics   metrics.MetricsCollector
	logger    *logging.Logger
	now       func() time.Time
}

// NewHandler creates an inbound handler.
func NewHandler(banks BankResolver, verifier TokenVerifier, converter AmountConverter, accounts store.AccountStore, config Config) *Handler {
	if config.Events == nil {
		config.Events = events.NopPublisher{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Credit == "" {
		config.Credit = CreditConverted
	}
	return &Handler{
		banks:     banks,
		verifier:  verifier,
		converter: converter,
		accounts:  accounts,
		replays:   config.Replays,
		credit:    config.Credit,
		events:    config.Events,
		metrics:   metrics.OrNoOp(config.Metrics),
		logger:    logging.OrNop(config.Logger).Named("inbound"),
		now:       config.Now,
	}
}

// NewLedgerReplayFilter builds a replay filter backed by the inbound ledger.
func NewLedgerReplayFilter(accounts store.AccountStore, expectedItems uint) *bloom.ReplayFilter {
	return bloom.NewReplayFilter(func(ctx context.Context, key string) (bool, error) {
		return store.LedgerExists(ctx, accounts, key)
	}, expectedItems, 0.001)
}

// ReplayKey is the ledger key of a transfer: the sender bank and the
// sender's transaction id. Signing is deterministic, so the token itself
// cannot tell two identical transfers apart.
func ReplayKey(senderBank, transferID string) string {
	return senderBank + ":" + transferID
}

// Settle verifies token and credits the destination account. Nothing is
// written before the signature has been checked against the sender's keys.
func (h *Handler) Settle(ctx context.Context, token string) (*Result, error) {
	result, err := h.settle(ctx, token)

	outcome := "credited"
	if err != nil {
		outcome = settlement.ClassifyError(err)
		if errors.Is(err, ErrReplay) {
			outcome = "replay"
		}
		h.logger.Info("inbound transfer rejected", zap.String("reason", outcome), zap.Error(err))
	}
	h.metrics.RecordInbound(outcome)

	return result, err
}

func (h *Handler) settle(ctx context.Context, token string) (*Result, error) {
	raw, err := jws.DecodeUnverified(token)
	if err != nil {
		return nil, err
	}

	claimed, err := settlement.ParsePayload(raw)
	if err != nil {
		return nil, err
	}

	bank, err := h.senderBank(ctx, claimed.AccountFrom)
	if err != nil {
		return nil, err
	}

	verified, err := h.verifier.VerifyFrom(ctx, token, bank.JWKSURL)
	if err != nil {
		if !errors.Is(err, settlement.ErrSignature) {
			err = fmt.Errorf("%w: keys of bank %s: %v", settlement.ErrSignature, bank.BankPrefix, err)
		}
		return nil, err
	}
	payload, err := settlement.ParsePayload(verified)
	if err != nil {
		return nil, err
	}

	entryID := uuid.NewString()

	// transfers without an id cannot be told apart and are never deduplicated
	key, dedupe := ReplayKey(bank.BankPrefix, payload.TransferID), payload.TransferID != ""
	if !dedupe {
		key = "entry:" + entryID
	} else if err := h.checkReplay(ctx, key, payload.AccountTo); err != nil {
		return nil, err
	}

	account, err := h.accounts.FindByNumber(ctx, payload.AccountTo)
	if err != nil {
		return nil, err
	}

	converted := payload.Amount
	if payload.Currency != account.Currency {
		converted, err = h.converter.Convert(ctx, payload.Amount, payload.Currency, account.Currency)
		if err != nil {
			return nil, err
		}
	}

	amount := converted
	if h.credit == CreditOriginal {
		amount = payload.Amount
		if converted != payload.Amount {
			h.logger.Warn("crediting unconverted amount",
				zap.Int64("amount", payload.Amount),
				zap.Int64("converted", converted),
				zap.String("from", payload.Currency),
				zap.String("to", account.Currency),
			)
		}
	}

	entry := settlement.InboundEntry{
		ID:               entryID,
		ReplayKey:        key,
		SenderBank:       bank.BankPrefix,
		AccountFrom:      payload.AccountFrom,
		AccountTo:        payload.AccountTo,
		Amount:           amount,
		Currency:         account.Currency,
		OriginalAmount:   payload.Amount,
		OriginalCurrency: payload.Currency,
		Explanation:      payload.Explanation,
		SenderName:       payload.SenderName,
		CreatedAt:        h.now(),
	}
	if err := h.accounts.CreditWithLedger(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, &ReplayError{ReceiverName: account.OwnerName}
		}
		return nil, fmt.Errorf("credit account %s: %w", entry.AccountTo, err)
	}
	if dedupe && h.replays != nil {
		h.replays.Add(key)
	}

	h.logger.Info("inbound transfer credited",
		zap.String("entry_id", entry.ID),
		zap.String("sender_bank", entry.SenderBank),
		zap.String("account_to", entry.AccountTo),
		zap.Int64("amount", entry.Amount),
		zap.String("currency", entry.Currency),
	)

	event := events.Event{
		ID:            uuid.NewString(),
		Type:          events.TypeInboundCredited,
		TransactionID: entry.ID,
		AccountFrom:   entry.AccountFrom,
		AccountTo:     entry.AccountTo,
		Amount:        entry.Amount,
		Currency:      entry.Currency,
		OccurredAt:    entry.CreatedAt,
	}
	if err := h.events.Publish(ctx, event); err != nil {
		h.logger.Warn("publish inbound event", zap.Error(err))
	}

	return &Result{
		EntryID:        entry.ID,
		ReceiverName:   account.OwnerName,
		CreditedAmount: entry.Amount,
		Currency:       entry.Currency,
	}, nil
}

func (h *Handler) senderBank(ctx context.Context, accountFrom string) (settlement.Bank, error) {
	prefix, err := settlement.RoutingPrefix(accountFrom)
	if err != nil {
		return settlement.Bank{}, err
	}

	bank, err := h.banks.Resolve(ctx, prefix)
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			return settlement.Bank{}, fmt.Errorf("%w: prefix %q", ErrUnknownSender, prefix)
		}
		return settlement.Bank{}, err
	}
	return bank, nil
}

// checkReplay fails with a ReplayError when key is already in the ledger.
func (h *Handler) checkReplay(ctx context.Context, key, accountTo string) error {
	var (
		seen bool
		err  error
	)
	if h.replays != nil {
		seen, err = h.replays.Seen(ctx, key)
	} else {
		seen, err = store.LedgerExists(ctx, h.accounts, key)
	}
	if err != nil {
		return fmt.Errorf("check inbound ledger: %w", err)
	}
	if !seen {
		return nil
	}

	replay := &ReplayError{}
	if account, err := h.accounts.FindByNumber(ctx, accountTo); err == nil {
		replay.ReceiverName = account.OwnerName
	}
	return replay
}
