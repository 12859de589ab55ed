package events

import (
	"context"
	"time"

	"bank-settlement/pkg/logging"

	"go.uber.org/zap"
)

// Type names a settlement outcome.
type Type string

const (
	TypeSettlementCompleted Type = "settlement.completed"
	TypeSettlementFailed    Type = "settlement.failed"
	TypeInboundCredited     Type = "inbound.credited"
)

// Event is published after a settlement outcome has been committed.
type Event struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	TransactionID string    `json:"transactionId"`
	AccountFrom   string    `json:"accountFrom"`
	AccountTo     string    `json:"accountTo"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Details       string    `json:"details,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Publisher delivers events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event Event) error { return nil }
func (NopPublisher) Close() error                                   { return nil }

// LogPublisher writes events to a structured logger.
// Used when no broker is configured.
type LogPublisher struct {
	logger *logging.Logger
}

// NewLogPublisher creates a publisher logging through logger.
func NewLogPublisher(logger *logging.Logger) *LogPublisher {
	return &LogPublisher{logger: logging.OrNop(logger).Named("events")}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.Info("settlement event",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("transaction_id", event.TransactionID),
		zap.String("account_to", event.AccountTo),
		zap.Int64("amount", event.Amount),
		zap.String("currency", event.Currency),
		zap.String("details", event.Details),
	)
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
