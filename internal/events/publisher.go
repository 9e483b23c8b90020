// Package events publishes payment lifecycle events for out-of-band
// reconciliation. Publishing is best-effort: callers log failures and carry on.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	TypeIntentCreated = "payment.intent.created"
	TypeSettled       = "payment.settled"
)

// Event is published for every intent and settlement. ActivationFailed marks
// a confirmed payment whose subscription was not granted.
type Event struct {
	ID               string    `json:"id"`
	Type             string    `json:"type"`
	UserID           int64     `json:"user_id"`
	TransactionID    int64     `json:"transaction_id"`
	Reference        string    `json:"reference"`
	Method           string    `json:"method"`
	Amount           string    `json:"amount"`
	Currency         string    `json:"currency"`
	Status           string    `json:"status"`
	ActivationFailed bool      `json:"activation_failed,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// NewEvent stamps an id and time on an event of the given type.
func NewEvent(eventType string) Event {
	return Event{ID: uuid.NewString(), Type: eventType, OccurredAt: time.Now().UTC()}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// AMQPPublisher writes persistent JSON messages to a durable queue on the
// default exchange. The connection is opened lazily and reopened after a
// failure.
type AMQPPublisher struct {
	url   string
	queue string
	log   *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPPublisher(url, queue string, log *slog.Logger) (*AMQPPublisher, error) {
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	if queue == "" {
		queue = "payments.events"
	}
	return &AMQPPublisher{url: url, queue: queue, log: log}, nil
}

func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.closeLocked()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq queue declare: %w", err)
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Type:         e.Type,
		Timestamp:    e.OccurredAt,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		p.closeLocked()
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	if p.log != nil {
		p.log.Debug("event published", "type", e.Type, "reference", e.Reference)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *AMQPPublisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
