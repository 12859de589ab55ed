package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bank-settlement/pkg/events"
	"bank-settlement/pkg/logging"
	"bank-settlement/pkg/metrics"
	"bank-settlement/pkg/settlement"
	"bank-settlement/pkg/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultInterval is the delay between the end of one pass and the start of the next.
const DefaultInterval = time.Second

// DefaultWorkers bounds how many transactions one pass settles concurrently.
const DefaultWorkers = 4

// DetailsInterrupted is recorded on transactions found InProgress at startup.
const DetailsInterrupted = "Interrupted, retrying"

// BankResolver finds the bank owning a routing prefix.
type BankResolver interface {
	Resolve(ctx context.Context, prefix string) (settlement.Bank, error)
}

// TokenSigner signs a transfer payload into a compact token.
type TokenSigner interface {
	Sign(payload settlement.TransferPayload) (string, error)
}

// Config configures a Processor.
type Config struct {
	// Interval is the delay after a pass completes before the next one starts
	Interval time.Duration

	// Workers bounds concurrent settlements within one pass
	Workers int

	Events  events.Publisher
	Metrics metrics.MetricsCollector
	Logger  *logging.Logger

	// Now overrides the clock used for expiry checks
	Now func() time.Time
}

// Outcome is what one settlement attempt did to a transaction.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeExpired   Outcome = "expired"
	OutcomeRetry     Outcome = "retry"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeError     Outcome = "error"
)

// PassStats summarises one processing pass.
type PassStats struct {
	Listed   int
	Outcomes map[Outcome]int
	Duration time.Duration
}

// Processor drives outbound transactions from Pending to a terminal status.
type Processor struct {
	store   store.TransactionStore
	banks   BankResolver
	signer  TokenSigner
	peers   PeerClient
	events  events.Publisher
	config  Config
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// New creates a processor.
func New(st store.TransactionStore, banks BankResolver, signer TokenSigner, peers PeerClient, config Config) *Processor {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Events == nil {
		config.Events = events.NopPublisher{}
	}

	return &Processor{
		store:   st,
		banks:   banks,
		signer:  signer,
		peers:   peers,
		events:  config.Events,
		config:  config,
		metrics: metrics.OrNoOp(config.Metrics),
		logger:  logging.OrNop(config.Logger).Named("processor"),
	}
}

// Run recovers interrupted transactions, then processes passes until ctx is
// cancelled. Cancellation is honoured between passes; a started pass always
// finishes so no transaction is left InProgress.
func (p *Processor) Run(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}

	passCtx := context.WithoutCancel(ctx)

	if n, err := p.Recover(passCtx); err != nil {
		p.logger.Error("recovering interrupted transactions", zap.Error(err))
	} else if n > 0 {
		p.logger.Info("recovered interrupted transactions", zap.Int("count", n))
	}

	p.logger.Info("processor started",
		zap.Duration("interval", p.config.Interval),
		zap.Int("workers", p.config.Workers),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("processor stopped")
			return nil
		case <-timer.C:
		}

		if _, err := p.ProcessPending(passCtx); err != nil {
			p.logger.Error("processing pass failed", zap.Error(err))
		}

		// the next pass is scheduled from the end of this one
		timer.Reset(p.config.Interval)
	}
}

// Recover returns transactions left InProgress by a previous run to Pending.
func (p *Processor) Recover(ctx context.Context) (int, error) {
	stuck, err := p.store.ListByStatus(ctx, settlement.StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("list in-progress transactions: %w", err)
	}

	recovered := 0
	for _, tx := range stuck {
		_, err := p.store.Transition(ctx, tx.ID, settlement.StatusInProgress, settlement.StatusPending, func(rec *settlement.Transaction) {
			rec.StatusDetails = DetailsInterrupted
		})
		if err != nil {
			if !errors.Is(err, store.ErrConflict) {
				p.logger.Warn("recover transaction", zap.String("transaction_id", tx.ID), zap.Error(err))
			}
			continue
		}
		p.metrics.RecordTransition(string(settlement.StatusInProgress), string(settlement.StatusPending))
		recovered++
	}
	return recovered, nil
}

// ProcessPending runs one pass over every Pending transaction and waits for
// all of them to settle, fail or be released for retry.
func (p *Processor) ProcessPending(ctx context.Context) (PassStats, error) {
	start := time.Now()
	stats := PassStats{Outcomes: make(map[Outcome]int)}

	pending, err := p.store.ListByStatus(ctx, settlement.StatusPending)
	if err != nil {
		return stats, fmt.Errorf("list pending transactions: %w", err)
	}
	stats.Listed = len(pending)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Workers)

	for _, tx := range pending {
		tx := tx
		g.Go(func() error {
			outcome := p.Settle(gctx, tx)
			mu.Lock()
			stats.Outcomes[outcome]++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	stats.Duration = time.Since(start)
	p.metrics.RecordPass(stats.Listed, stats.Duration)

	if stats.Listed > 0 {
		p.logger.Debug("pass finished",
			zap.Int("listed", stats.Listed),
			zap.Int("completed", stats.Outcomes[OutcomeCompleted]),
			zap.Int("failed", stats.Outcomes[OutcomeFailed]+stats.Outcomes[OutcomeExpired]),
			zap.Int("retry", stats.Outcomes[OutcomeRetry]),
			zap.Duration("duration", stats.Duration),
		)
	}
	return stats, nil
}

// Settle makes one settlement attempt for a transaction read as Pending.
func (p *Processor) Settle(ctx context.Context, tx *settlement.Transaction) Outcome {
	log := p.logger.With(zap.String("transaction_id", tx.ID))
	start := time.Now()

	if tx.IsExpired(p.config.Now()) {
		outcome := p.finish(ctx, log, tx.ID, settlement.StatusPending, settlement.StatusFailed, func(rec *settlement.Transaction) {
			rec.StatusDetails = settlement.DetailsExpired
		})
		if outcome == OutcomeFailed {
			outcome = OutcomeExpired
		}
		p.metrics.RecordSettlement(string(outcome), time.Since(start))
		return outcome
	}

	claimed, err := p.store.Transition(ctx, tx.ID, settlement.StatusPending, settlement.StatusInProgress, nil)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Debug("transaction claimed elsewhere")
			return OutcomeSkipped
		}
		log.Error("claim transaction", zap.Error(err))
		return OutcomeError
	}
	p.metrics.RecordTransition(string(settlement.StatusPending), string(settlement.StatusInProgress))

	outcome := p.deliver(ctx, log, claimed)
	p.metrics.RecordSettlement(string(outcome), time.Since(start))
	return outcome
}

// deliver runs the network part of a settlement for a claimed transaction.
func (p *Processor) deliver(ctx context.Context, log *logging.Logger, tx *settlement.Transaction) Outcome {
	bank, err := p.resolve(ctx, tx.AccountTo)
	if err != nil {
		log.Info("destination unresolved", zap.Error(err))
		return p.fail(ctx, log, tx, resolutionDetails(err))
	}

	token, err := p.signer.Sign(tx.Payload())
	if err != nil {
		log.Error("sign transfer", zap.Error(err))
		return p.retry(ctx, log, tx, fmt.Sprintf("Signing failed: %v", err))
	}

	resp, err := p.peers.Send(ctx, bank, token)
	if err != nil {
		log.Warn("settlement call failed", zap.String("bank", bank.BankPrefix), zap.Error(err))
		return p.retry(ctx, log, tx, err.Error())
	}

	switch {
	case resp.AlreadySettled():
		log.Info("peer reports transfer already settled", zap.String("bank", bank.BankPrefix))
		return p.complete(ctx, log, tx, resp.ReceiverName)
	case resp.Rejected():
		return p.fail(ctx, log, tx, resp.Error)
	case resp.StatusCode >= 400:
		return p.retry(ctx, log, tx, (&settlement.UpstreamError{
			Source:     bank.BankPrefix,
			StatusCode: resp.StatusCode,
			Body:       "no error message",
		}).Error())
	default:
		return p.complete(ctx, log, tx, resp.ReceiverName)
	}
}

func (p *Processor) resolve(ctx context.Context, account string) (settlement.Bank, error) {
	prefix, err := settlement.RoutingPrefix(account)
	if err != nil {
		return settlement.Bank{}, err
	}
	return p.banks.Resolve(ctx, prefix)
}

// resolutionDetails turns a directory error into the recorded status details.
func resolutionDetails(err error) string {
	if errors.Is(err, settlement.ErrNotFound) || errors.Is(err, settlement.ErrValidation) {
		return settlement.DetailsInvalidDestination
	}
	return fmt.Sprintf("%s: %v", settlement.DetailsRegistryFailed, err)
}

func (p *Processor) complete(ctx context.Context, log *logging.Logger, tx *settlement.Transaction, receiverName string) Outcome {
	return p.finish(ctx, log, tx.ID, settlement.StatusInProgress, settlement.StatusCompleted, func(rec *settlement.Transaction) {
		rec.ReceiverName = receiverName
		rec.StatusDetails = settlement.DetailsFinished
	})
}

func (p *Processor) fail(ctx context.Context, log *logging.Logger, tx *settlement.Transaction, details string) Outcome {
	return p.finish(ctx, log, tx.ID, settlement.StatusInProgress, settlement.StatusFailed, func(rec *settlement.Transaction) {
		rec.StatusDetails = details
	})
}

func (p *Processor) retry(ctx context.Context, log *logging.Logger, tx *settlement.Transaction, details string) Outcome {
	_, err := p.store.Transition(ctx, tx.ID, settlement.StatusInProgress, settlement.StatusPending, func(rec *settlement.Transaction) {
		rec.StatusDetails = details
	})
	if err != nil {
		log.Error("release transaction for retry", zap.Error(err))
		return OutcomeError
	}
	p.metrics.RecordTransition(string(settlement.StatusInProgress), string(settlement.StatusPending))
	return OutcomeRetry
}

// finish moves a transaction into a terminal status and publishes the outcome.
func (p *Processor) finish(ctx context.Context, log *logging.Logger, id string, from, to settlement.Status, mutate func(*settlement.Transaction)) Outcome {
	rec, err := p.store.Transition(ctx, id, from, to, mutate)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return OutcomeSkipped
		}
		log.Error("record settlement outcome", zap.String("status", string(to)), zap.Error(err))
		return OutcomeError
	}
	p.metrics.RecordTransition(string(from), string(to))

	eventType := events.TypeSettlementCompleted
	outcome := OutcomeCompleted
	if to == settlement.StatusFailed {
		eventType = events.TypeSettlementFailed
		outcome = OutcomeFailed
	}

	log.Info("transaction settled",
		zap.String("status", string(rec.Status)),
		zap.String("details", rec.StatusDetails),
	)

	event := events.Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		TransactionID: rec.ID,
		AccountFrom:   rec.AccountFrom,
		AccountTo:     rec.AccountTo,
		Amount:        rec.Amount,
		Currency:      rec.Currency,
		Details:       rec.StatusDetails,
		OccurredAt:    rec.UpdatedAt,
	}
	if err := p.events.Publish(ctx, event); err != nil {
		log.Warn("publish settlement event", zap.Error(err))
	}

	return outcome
}
