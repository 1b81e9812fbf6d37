package consume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/glimte/gridfeed-go/contracts"
	"github.com/glimte/gridfeed-go/internal/dedup"
	"github.com/glimte/gridfeed-go/internal/observability"
	"github.com/glimte/gridfeed-go/internal/reliability"
	"github.com/glimte/gridfeed-go/messaging"
)

const (
	// DefaultMaxAttempts bounds requeue cycles per message before the queue's
	// DLX gets it.
	DefaultMaxAttempts = 3

	// DefaultDrainTimeout bounds how long shutdown waits for in-flight
	// deliveries to settle.
	DefaultDrainTimeout = 30 * time.Second
)

// ErrNoSubscriptions reports an engine constructed with nothing to consume.
var ErrNoSubscriptions = errors.New("consume: no subscriptions configured")

// Subscription binds one queue to the engine with its prefetch budget. Heavy
// ordered work wants prefetch 1 for fair spread across competing consumers;
// lightweight fan-out work runs fine around 10.
type Subscription struct {
	Queue    string
	Prefetch int
}

// Engine consumes the subscribed queues and settles every delivery through
// the decision tree in the package doc. Requeueing is a republish of the
// identical body with the retry counter incremented followed by an ack of
// the original, because the broker cannot amend headers on a nack-requeue.
type Engine struct {
	subscriber  messaging.Subscriber
	publisher   messaging.Publisher
	dispatcher  *messaging.Dispatcher
	subs        []Subscription
	window      *dedup.Window
	logger      *slog.Logger
	metrics     *observability.Metrics
	maxAttempts int
	drainWait   time.Duration
	resub       reliability.RetryPolicy
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMaxAttempts sets the requeue ceiling per message.
func WithMaxAttempts(n int) EngineOption {
	return func(e *Engine) {
		if n >= 0 {
			e.maxAttempts = n
		}
	}
}

// WithDedupWindow injects the idempotency window. The engine owns its
// rotation: hand over an unstarted window, Run starts and stops it.
func WithDedupWindow(w *dedup.Window) EngineOption {
	return func(e *Engine) {
		if w != nil {
			e.window = w
		}
	}
}

// WithMetrics injects shared instruments; by default the engine creates its
// own from the global meter.
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithDrainTimeout bounds the shutdown wait for in-flight deliveries.
func WithDrainTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.drainWait = d
		}
	}
}

// WithResubscribePolicy sets the retry policy for reopening a broken
// delivery stream. Exhaustion stops the engine.
func WithResubscribePolicy(policy reliability.RetryPolicy) EngineOption {
	return func(e *Engine) {
		if policy != nil {
			e.resub = policy
		}
	}
}

// NewEngine creates a consumption engine over the given subscriptions.
// Handlers must already be registered on the dispatcher by the caller.
func NewEngine(subscriber messaging.Subscriber, publisher messaging.Publisher, dispatcher *messaging.Dispatcher, subs []Subscription, options ...EngineOption) (*Engine, error) {
	if subscriber == nil {
		return nil, errors.New("consume: subscriber is required")
	}
	if publisher == nil {
		return nil, errors.New("consume: publisher is required")
	}
	if dispatcher == nil {
		return nil, errors.New("consume: dispatcher is required")
	}
	if len(subs) == 0 {
		return nil, ErrNoSubscriptions
	}
	for _, sub := range subs {
		if sub.Queue == "" {
			return nil, errors.New("consume: subscription with empty queue name")
		}
	}

	e := &Engine{
		subscriber:  subscriber,
		publisher:   publisher,
		dispatcher:  dispatcher,
		subs:        subs,
		logger:      slog.Default(),
		maxAttempts: DefaultMaxAttempts,
		drainWait:   DefaultDrainTimeout,
		resub:       reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2, 5),
	}
	for _, opt := range options {
		opt(e)
	}

	if e.window == nil {
		e.window = dedup.NewWindow(dedup.DefaultRetention, dedup.WithLogger(e.logger))
	}
	if e.metrics == nil {
		m, err := observability.NewMetrics(otel.Meter(observability.ScopeName))
		if err != nil {
			return nil, err
		}
		e.metrics = m
	}
	return e, nil
}

type stream struct {
	cfg Subscription
	sub messaging.Subscription
}

// Run consumes until ctx is cancelled or a broken subscription cannot be
// reopened. Cancellation drains in-flight deliveries before returning nil;
// resubscription exhaustion is returned and the caller exits non-zero.
func (e *Engine) Run(ctx context.Context) error {
	// Handlers run against their own context so cancellation stops the
	// delivery flow without yanking work already in flight.
	hctx, stopHandlers := context.WithCancel(context.Background())
	defer stopHandlers()

	e.window.Start()
	defer e.window.Stop()

	streams := make([]*stream, 0, len(e.subs))
	broken := make(chan *stream, len(e.subs))

	for _, cfg := range e.subs {
		sub, err := e.open(ctx, hctx, cfg)
		if err != nil {
			e.drain(streams)
			return fmt.Errorf("consume: subscribing to %s: %w", cfg.Queue, err)
		}
		st := &stream{cfg: cfg, sub: sub}
		streams = append(streams, st)
		go watch(st, sub, broken)
		e.logger.Info("subscribed", "queue", cfg.Queue, "prefetch", cfg.Prefetch)
	}

	for {
		select {
		case <-ctx.Done():
			e.drain(streams)
			return nil

		case st := <-broken:
			e.logger.Warn("subscription lost, resubscribing",
				"queue", st.cfg.Queue, "error", st.sub.Err())
			sub, err := e.reopen(ctx, hctx, st.cfg)
			if err != nil {
				e.drain(streams)
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("consume: resubscribing to %s: %w", st.cfg.Queue, err)
			}
			st.sub = sub
			go watch(st, sub, broken)
			e.logger.Info("resubscribed", "queue", st.cfg.Queue)
		}
	}
}

func (e *Engine) open(ctx, hctx context.Context, cfg Subscription) (messaging.Subscription, error) {
	return e.subscriber.Subscribe(ctx, cfg.Queue, func(d messaging.Delivery) {
		e.handle(hctx, cfg.Queue, d)
	}, messaging.SubscribeOptions{Prefetch: cfg.Prefetch})
}

// reopen retries the subscribe under the resubscription policy until it
// succeeds or the policy gives up.
func (e *Engine) reopen(ctx, hctx context.Context, cfg Subscription) (messaging.Subscription, error) {
	var sub messaging.Subscription
	err := reliability.Retry(ctx, e.resub, func() error {
		s, openErr := e.open(ctx, hctx, cfg)
		if openErr != nil {
			return openErr
		}
		sub = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// watch reports a stream whose delivery flow broke. A clean cancel ends with
// a nil Err and is not reported.
func watch(st *stream, sub messaging.Subscription, broken chan<- *stream) {
	<-sub.Done()
	if sub.Err() != nil {
		broken <- st
	}
}

// drain cancels every stream, then waits for in-flight deliveries to settle.
func (e *Engine) drain(streams []*stream) {
	for _, st := range streams {
		if err := st.sub.Cancel(); err != nil {
			e.logger.Warn("cancel failed", "queue", st.cfg.Queue, "error", err)
		}
	}

	deadline := time.NewTimer(e.drainWait)
	defer deadline.Stop()
	for _, st := range streams {
		select {
		case <-st.sub.Done():
		case <-deadline.C:
			e.logger.Warn("drain timed out, abandoning in-flight deliveries",
				"queue", st.cfg.Queue)
			return
		}
	}
	e.logger.Info("consumers drained", "streams", len(streams))
}

// handle walks one delivery through the decision tree. It always settles d.
func (e *Engine) handle(ctx context.Context, queue string, d messaging.Delivery) {
	start := time.Now()

	env, err := contracts.DecodeEnvelope(d.Body())
	if err != nil {
		e.logger.Warn("rejecting malformed message",
			"queue", queue, "messageId", d.MessageID(), "error", err)
		e.deadLetter(ctx, queue, "malformed", d)
		return
	}

	logger := e.logger.With("queue", queue, "kind", env.Type, "envelopeId", env.ID)

	if e.window.Seen(env.ID) {
		e.metrics.Duplicates.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("queue", queue),
			attribute.String("kind", env.Type)))
		logger.Debug("duplicate suppressed")
		e.ack(logger, d)
		return
	}

	err = e.dispatcher.Dispatch(ctx, env)
	e.metrics.HandleDuration.Record(ctx, float64(time.Since(start))/float64(time.Millisecond),
		otelmetric.WithAttributes(
			attribute.String("queue", queue),
			attribute.String("kind", env.Type)))

	switch {
	case err == nil:
		e.window.Mark(env.ID)
		e.metrics.Consumed.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("queue", queue),
			attribute.String("kind", env.Type)))
		e.ack(logger, d)

	case reliability.IsPermanent(err):
		logger.Error("dead-lettering after permanent failure", "error", err)
		e.deadLetter(ctx, queue, "permanent", d)

	default:
		e.retryOrDeadLetter(ctx, logger, queue, env, d, err)
	}
}

// retryOrDeadLetter requeues a transiently failed delivery with the counter
// incremented, or dead-letters it once the counter is exhausted.
func (e *Engine) retryOrDeadLetter(ctx context.Context, logger *slog.Logger, queue string, env *contracts.Envelope, d messaging.Delivery, cause error) {
	attempts := reliability.RetryCount(d.Headers())
	if attempts >= e.maxAttempts {
		logger.Error("dead-lettering after exhausted retries",
			"attempts", attempts, "maxAttempts", e.maxAttempts, "error", cause)
		e.deadLetter(ctx, queue, "exhausted", d)
		return
	}

	raw := messaging.Raw{
		MessageID: env.ID,
		AppID:     env.Source,
		Timestamp: env.CreatedAt(),
		Body:      d.Body(),
		Headers:   reliability.WithRetryCount(d.Headers(), attempts+1),
	}
	if err := e.publisher.PublishToQueue(ctx, queue, raw); err != nil {
		// Hand back to the broker instead; the counter stays put, which only
		// delays exhaustion.
		logger.Error("requeue publish failed, falling back to broker redelivery", "error", err)
		if nackErr := d.Nack(true); nackErr != nil {
			logger.Error("nack failed", "error", nackErr)
		}
		return
	}

	e.metrics.Retried.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("kind", env.Type)))
	logger.Warn("requeued after transient failure",
		"attempt", attempts+1, "maxAttempts", e.maxAttempts, "error", cause)
	e.ack(logger, d)
}

func (e *Engine) deadLetter(ctx context.Context, queue, reason string, d messaging.Delivery) {
	e.metrics.DeadLettered.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("reason", reason)))
	if err := d.Reject(); err != nil {
		e.logger.Error("reject failed", "queue", queue, "messageId", d.MessageID(), "error", err)
	}
}

func (e *Engine) ack(logger *slog.Logger, d messaging.Delivery) {
	if err := d.Ack(); err != nil {
		logger.Error("ack failed", "error", err)
	}
}
