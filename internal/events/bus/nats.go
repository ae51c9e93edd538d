package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/craftastic/craftastic/internal/common/config"
	"github.com/craftastic/craftastic/internal/common/logger"
)

// Subjects for lifecycle events.
const (
	SubjectEnvironmentCreated   = "environment.created"
	SubjectEnvironmentDeleted   = "environment.deleted"
	SubjectEnvironmentRestarted = "environment.restarted"
	SubjectSessionCreated       = "session.created"
	SubjectSessionDead          = "session.dead"
	SubjectSessionDeleted       = "session.deleted"
	SubjectWorktreeCreated      = "worktree.created"
	SubjectWorktreePruned       = "worktree.pruned"
)

// NATSEventBus implements EventBus over a NATS connection.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSEventBus connects to NATS and returns an event bus.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	log.Info("Connected to NATS", zap.String("url", conn.ConnectedUrl()))

	return &NATSEventBus{
		conn:   conn,
		logger: log.WithFields(zap.String("component", "event-bus")),
	}, nil
}

// Publish publishes an event on a subject.
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type),
	)
	return nil
}

// Subscribe subscribes a handler to a subject.
func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		b.dispatch(subject, msg.Data, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return natsSubscription{sub: sub}, nil
}

// QueueSubscribe subscribes a handler within a queue group.
func (b *NATSEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		b.dispatch(subject, msg.Data, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to queue-subscribe to %s: %w", subject, err)
	}
	return natsSubscription{sub: sub}, nil
}

// Request performs a request/reply exchange.
func (b *NATSEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	msg, err := b.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", subject, err)
	}

	var reply Event
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
	}
	return &reply, nil
}

// Close drains and closes the connection.
func (b *NATSEventBus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("NATS drain failed", zap.Error(err))
	}
	b.conn.Close()
}

// IsConnected reports whether the connection is up.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn.IsConnected()
}

func (b *NATSEventBus) dispatch(subject string, data []byte, handler EventHandler) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		b.logger.Warn("dropping malformed event",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return
	}
	handler(&event)
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
