package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/glimte/gridfeed-go/contracts"
	"github.com/glimte/gridfeed-go/internal/observability"
	"github.com/glimte/gridfeed-go/internal/reliability"
	"github.com/glimte/gridfeed-go/messaging"
)

const (
	// DefaultBaseDelay starts the transient-failure backoff ladder.
	DefaultBaseDelay = 5 * time.Second

	// DefaultMaxDelay caps the ladder.
	DefaultMaxDelay = 5 * time.Minute

	// DefaultCooldown is the fixed rate-limit pause. It sits outside the
	// backoff ladder: a 429 is the source pacing us, not failing.
	DefaultCooldown = time.Minute
)

// ErrNoSources reports an engine constructed with nothing to poll.
var ErrNoSources = errors.New("ingest: no sources configured")

// Engine runs one poll cycle per source, all fully independent: a source
// deep in backoff never delays another's schedule. Publishing goes through
// the injected publisher; wiring a messaging.BufferedPublisher there makes
// broker outages invisible to the cycles.
type Engine struct {
	publisher messaging.Publisher
	sources   []Source
	logger    *slog.Logger
	metrics   *observability.Metrics
	backoff   *reliability.ExponentialBackoff
	cooldown  time.Duration
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

// WithBackoffDelays bounds the transient-failure ladder.
func WithBackoffDelays(base, max time.Duration) EngineOption {
	return func(e *Engine) {
		if base > 0 && max >= base {
			e.backoff = &reliability.ExponentialBackoff{
				InitialInterval: base,
				MaxInterval:     max,
				Multiplier:      2,
			}
		}
	}
}

// WithRateLimitCooldown sets the fixed pause after a rate-limited fetch.
func WithRateLimitCooldown(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.cooldown = d
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

// NewEngine creates an ingestion engine over the given sources.
func NewEngine(publisher messaging.Publisher, sources []Source, options ...EngineOption) (*Engine, error) {
	if publisher == nil {
		return nil, errors.New("ingest: publisher is required")
	}
	if len(sources) == 0 {
		return nil, ErrNoSources
	}

	e := &Engine{
		publisher: publisher,
		sources:   sources,
		logger:    slog.Default(),
		cooldown:  DefaultCooldown,
		backoff: &reliability.ExponentialBackoff{
			InitialInterval: DefaultBaseDelay,
			MaxInterval:     DefaultMaxDelay,
			Multiplier:      2,
		},
	}
	for _, opt := range options {
		opt(e)
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

// Run polls every source until ctx is cancelled or a source fails
// terminally. A terminal failure (bad credentials) stops all cycles and is
// returned; the caller exits non-zero. Clean cancellation returns nil.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		terminal error
	)
	for _, src := range e.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			if err := e.runSource(ctx, src); err != nil {
				once.Do(func() {
					terminal = err
					cancel()
				})
			}
		}(src)
	}
	wg.Wait()
	return terminal
}

func (e *Engine) runSource(ctx context.Context, src Source) error {
	logger := e.logger.With("source", src.Name())
	logger.Info("starting poll cycle", "interval", src.Interval())

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		payload, err := src.Fetch(ctx)
		if err == nil {
			err = e.publish(ctx, src.Name(), payload)
		}
		if ctx.Err() != nil {
			return nil
		}

		outcome := Classify(err)
		e.metrics.FetchTotal.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("source", src.Name()),
			attribute.String("outcome", outcome.String())))

		switch outcome {
		case OutcomeSuccess:
			failures = 0
			if !e.sleep(ctx, src.Interval()) {
				return nil
			}

		case OutcomeRateLimited:
			logger.Warn("source rate limited, cooling down", "cooldown", e.cooldown)
			if !e.sleep(ctx, e.cooldown) {
				return nil
			}

		case OutcomeAuthFailed:
			logger.Error("source authentication failed, stopping engine", "error", err)
			return fmt.Errorf("ingest: source %s: %w", src.Name(), err)

		default:
			failures++
			delay := e.backoff.NextDelay(failures - 1)
			logger.Warn("fetch failed, backing off",
				"error", err,
				"consecutiveFailures", failures,
				"delay", delay)
			if !e.sleep(ctx, delay) {
				return nil
			}
		}
	}
}

func (e *Engine) publish(ctx context.Context, source string, payload contracts.Payload) error {
	env, err := contracts.NewEnvelope(source, payload)
	if err != nil {
		return fmt.Errorf("ingest: build envelope: %w", err)
	}

	if err := e.publisher.Publish(ctx, env); err != nil {
		e.metrics.PublishFailures.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("source", source)))
		return fmt.Errorf("ingest: publish %s: %w", env.Type, err)
	}

	e.metrics.Published.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("source", source),
		attribute.String("type", env.Type)))
	e.logger.Debug("published envelope", "source", source, "type", env.Type, "id", env.ID)
	return nil
}

// sleep waits out d; false means the engine is shutting down.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
