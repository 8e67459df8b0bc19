// Package notify forwards committed audit entries to RabbitMQ so that the
// security team's tooling can react to account lifecycle events.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/permitdesk/staffsec/internal/staff"
)

// DefaultQueue receives every audit event.
const DefaultQueue = "staff.security"

// Event is the wire form of one audit entry.
type Event struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor_account_id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Role       string         `json:"role,omitempty"`
	Previous   map[string]any `json:"previous_state,omitempty"`
	New        map[string]any `json:"new_state,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// EventFromEntry converts an audit entry.
func EventFromEntry(e staff.AuditEntry) Event {
	return Event{
		ID:         e.ID,
		Action:     e.Action,
		Actor:      e.ActorAccountID,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Role:       string(e.Role),
		Previous:   e.PreviousState,
		New:        e.NewState,
		Metadata:   e.Metadata,
		RequestID:  e.RequestID,
		OccurredAt: e.OccurredAt.UTC(),
	}
}

// Publisher implements audit.Sink over one AMQP connection. A broken
// connection is redialled on the next publish.
type Publisher struct {
	url   string
	queue string
	dial  func(url string) (*amqp.Connection, error)

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Option customises a Publisher.
type Option func(*Publisher)

// WithQueue overrides DefaultQueue.
func WithQueue(name string) Option {
	return func(p *Publisher) {
		if name != "" {
			p.queue = name
		}
	}
}

// NewPublisher returns a Publisher for url. No connection is made until the
// first publish.
func NewPublisher(url string, opts ...Option) (*Publisher, error) {
	if url == "" {
		return nil, errors.New("notify: amqp url is required")
	}
	p := &Publisher{url: url, queue: DefaultQueue, dial: amqp.Dial}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish sends the entry as a persistent JSON message on the default exchange.
func (p *Publisher) Publish(ctx context.Context, entry staff.AuditEntry) error {
	body, err := json.Marshal(EventFromEntry(entry))
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", entry.Action, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    entry.ID,
		Type:         entry.Action,
		Timestamp:    entry.OccurredAt.UTC(),
		Body:         body,
	})
	if err != nil {
		p.reset()
		return fmt.Errorf("notify: publish %s: %w", entry.Action, err)
	}
	return nil
}

// channel returns an open channel, dialling and declaring the queue when needed.
// Callers hold p.mu.
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() && p.conn != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}
	p.reset()
	conn, err := p.dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("notify: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("notify: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("notify: declare %s: %w", p.queue, err)
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

// Close releases the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}
