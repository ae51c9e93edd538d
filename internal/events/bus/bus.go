// Package bus provides the event bus used to publish lifecycle events.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope published on every subject.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates an event envelope.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes a received event.
type EventHandler func(event *Event)

// Subscription is a handle to an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// EventBus publishes and subscribes to lifecycle events.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)
	Close()
	IsConnected() bool
}

// NoopEventBus discards everything. Used when no NATS URL is configured.
type NoopEventBus struct{}

// NewNoopEventBus creates a bus that discards all events.
func NewNoopEventBus() *NoopEventBus { return &NoopEventBus{} }

func (n *NoopEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	return nil
}

func (n *NoopEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return noopSubscription{}, nil
}

func (n *NoopEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return noopSubscription{}, nil
}

func (n *NoopEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	return nil, context.DeadlineExceeded
}

func (n *NoopEventBus) Close() {}

func (n *NoopEventBus) IsConnected() bool { return false }

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() error { return nil }
