package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"bank-settlement/pkg/events"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config configures the broker connection.
type Config struct {
	URL      string
	Exchange string
}

// Publisher sends events to a durable topic exchange; the event type is the routing key.
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewPublisher dials the broker and declares the exchange.
func NewPublisher(config Config) (*Publisher, error) {
	if config.URL == "" {
		return nil, errors.New("amqp: URL is required")
	}
	if config.Exchange == "" {
		config.Exchange = "settlement.events"
	}

	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(config.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp: declare exchange %s: %w", config.Exchange, err)
	}

	return &Publisher{conn: conn, channel: ch, exchange: config.Exchange}, nil
}

// Publish sends event as a persistent JSON message.
func (p *Publisher) Publish(ctx context.Context, event events.Event) error {
	msg, err := newPublishing(event)
	if err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.channel.PublishWithContext(ctx, p.exchange, string(event.Type), false, false, msg); err != nil {
		return fmt.Errorf("publish event %s: %w", event.ID, err)
	}
	return nil
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return errors.Join(p.channel.Close(), p.conn.Close())
}

func newPublishing(event events.Event) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode event %s: %w", event.ID, err)
	}

	ts := event.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    ts.UTC(),
		Type:         string(event.Type),
		Headers: amqp.Table{
			"transaction_id": event.TransactionID,
		},
	}, nil
}

var _ events.Publisher = (*Publisher)(nil)
