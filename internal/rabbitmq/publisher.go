package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/gridfeed-go/internal/reliability"
)

// Publisher publishes messages over the manager's "publish" role channel.
//
// With confirms enabled (the default) every publish waits for the broker's
// acknowledgment before returning, so a nil error means the broker has the
// message. Confirm-mode publishes are serialized; the engines in this
// codebase publish from a single goroutine each, so the lock is never
// contended in practice.
type Publisher struct {
	manager        *ConnectionManager
	logger         *slog.Logger
	confirms       bool
	confirmTimeout time.Duration
	retry          *reliability.ExponentialBackoff

	mu          sync.Mutex
	confirmedCh *amqp.Channel // channel already switched into confirm mode
	confirmChan <-chan amqp.Confirmation
	tag         uint64 // delivery tag of the last publish on confirmedCh
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithConfirms toggles publisher confirms
func WithConfirms(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirms = enabled
	}
}

// WithConfirmTimeout bounds the wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishRetries bounds publish attempts
func WithPublishRetries(attempts int) PublisherOption {
	return func(p *Publisher) {
		p.retry.MaxAttempts = attempts
	}
}

// NewPublisher creates a publisher on the shared connection.
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:        manager,
		logger:         slog.Default(),
		confirms:       true,
		confirmTimeout: 5 * time.Second,
		retry: &reliability.ExponentialBackoff{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2.0,
			MaxAttempts:     3,
			Jitter:          true,
		},
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends one message, retrying transient failures with backoff. The
// manager reacquires the channel (and connection) between attempts, so a
// publish issued during a broker restart succeeds once recovery completes.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	err := reliability.Retry(ctx, p.retry, func() error {
		return p.publishOnce(ctx, exchange, routingKey, msg)
	})
	if err == nil {
		return nil
	}
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		MessageID:  msg.MessageId,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// PublishToQueue routes one message directly to a named queue through the
// default exchange. Consumers use this to requeue a message with amended
// headers.
func (p *Publisher) PublishToQueue(ctx context.Context, queue string, msg amqp.Publishing) error {
	return p.Publish(ctx, "", queue, msg)
}

func (p *Publisher) publishOnce(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.manager.Channel(ctx, "publish")
	if err != nil {
		if !IsRetryable(err) {
			return reliability.Permanent(err)
		}
		return err
	}

	if !p.confirms {
		return ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureConfirmMode(ch); err != nil {
		return err
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return err
	}
	p.tag++

	return p.awaitConfirm(ctx, p.tag)
}

// ensureConfirmMode switches a freshly opened channel into confirm mode.
// The manager hands back the same channel until it dies, so the pointer
// comparison detects replacement.
func (p *Publisher) ensureConfirmMode(ch *amqp.Channel) error {
	if ch == p.confirmedCh {
		return nil
	}
	if err := ch.Confirm(false); err != nil {
		return err
	}
	p.confirmedCh = ch
	p.confirmChan = ch.NotifyPublish(make(chan amqp.Confirmation, 16))
	p.tag = 0
	return nil
}

// awaitConfirm waits for the confirm carrying the wanted delivery tag.
// Stale confirms from earlier timed-out publishes are skipped.
func (p *Publisher) awaitConfirm(ctx context.Context, want uint64) error {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case confirm, ok := <-p.confirmChan:
			if !ok {
				// Channel died before confirming; the retry wrapper will
				// reacquire and republish.
				p.confirmedCh = nil
				return ErrChannelClosed
			}
			if confirm.DeliveryTag < want {
				continue
			}
			if !confirm.Ack {
				return ErrPublishNotConfirmed
			}
			return nil

		case <-timer.C:
			return ErrPublishTimeout

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
