package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultPrefetch bounds unacknowledged deliveries per consumer channel.
const DefaultPrefetch = 10

// Consumer opens prefetch-bounded subscriptions on the shared connection.
// Each queue gets its own channel (role "consume:<queue>") so one slow or
// faulty subscription cannot stall the others.
type Consumer struct {
	manager  *ConnectionManager
	logger   *slog.Logger
	prefetch int
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithPrefetch sets the per-channel prefetch count
func WithPrefetch(count int) ConsumerOption {
	return func(c *Consumer) {
		if count > 0 {
			c.prefetch = count
		}
	}
}

// NewConsumer creates a consumer on the shared connection.
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:  manager,
		logger:   slog.Default(),
		prefetch: DefaultPrefetch,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts delivering from queue to handler on a dedicated
// goroutine. The handler is invoked synchronously per delivery and must ack
// or nack each one; prefetch meters how many deliveries can be outstanding.
// An empty tag gets a generated one. ctx bounds subscription setup only;
// stop the stream with Cancel.
func (c *Consumer) Subscribe(ctx context.Context, queue, tag string, handler func(amqp.Delivery)) (*Subscription, error) {
	ch, err := c.manager.Channel(ctx, "consume:"+queue)
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, &ConsumerError{Queue: queue, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	if tag == "" {
		tag = fmt.Sprintf("%s-%s", queue, uuid.New().String())
	}
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	sub := &Subscription{
		queue:  queue,
		tag:    tag,
		ch:     ch,
		logger: c.logger,
		done:   make(chan struct{}),
	}

	c.logger.Info("subscription started", "queue", queue, "consumerTag", tag, "prefetch", c.prefetch)

	go sub.run(deliveries, handler)
	return sub, nil
}

// Subscription is one live consume stream.
type Subscription struct {
	queue  string
	tag    string
	ch     *amqp.Channel
	logger *slog.Logger

	mu        sync.Mutex
	cancelled bool

	done chan struct{}
	err  error
}

// run drains deliveries until the stream ends. After Cancel the broker
// stops sending and closes the stream once in-flight deliveries are handed
// over, so every prefetched message still reaches the handler.
func (s *Subscription) run(deliveries <-chan amqp.Delivery, handler func(amqp.Delivery)) {
	defer close(s.done)

	for d := range deliveries {
		handler(d)
	}

	s.mu.Lock()
	cancelled := s.cancelled
	s.mu.Unlock()

	if !cancelled {
		// The stream ended underneath us: channel or connection loss.
		// Callers watch Err to know they must resubscribe.
		s.err = ErrChannelClosed
		s.logger.Warn("subscription ended unexpectedly", "queue", s.queue, "consumerTag", s.tag)
	}
}

// Cancel asks the broker to stop the stream. In-flight deliveries are still
// handed to the handler before Done closes. Safe to call more than once.
func (s *Subscription) Cancel() error {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return nil
	}
	s.cancelled = true
	s.mu.Unlock()

	if err := s.ch.Cancel(s.tag, false); err != nil {
		select {
		case <-s.done:
			// Stream already ended; nothing left to cancel.
			return nil
		default:
			return &ConsumerError{Queue: s.queue, ConsumerTag: s.tag, Op: "cancel", Err: err, Timestamp: time.Now()}
		}
	}
	return nil
}

// Queue returns the queue this subscription consumes from.
func (s *Subscription) Queue() string {
	return s.queue
}

// Done closes when the delivery loop has fully drained.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended: nil after a clean Cancel,
// ErrChannelClosed when the stream broke. Valid once Done is closed.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}
