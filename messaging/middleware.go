package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/gridfeed-go/contracts"
)

// LoggingMiddleware logs handler execution around the dispatch. Entry and
// success stay at debug so a healthy consumer is quiet; failures log at warn
// with the classification left to the delivery loop.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, env *contracts.Envelope, payload contracts.Payload, next Handler) error {
		start := time.Now()
		logger.Debug("dispatching envelope",
			"kind", env.Type,
			"envelopeId", env.ID,
			"source", env.Source)

		err := next.Handle(ctx, env, payload)
		duration := time.Since(start)

		if err != nil {
			logger.Warn("handler failed",
				"kind", env.Type,
				"envelopeId", env.ID,
				"duration", duration,
				"error", err)
			return err
		}

		logger.Debug("handler completed",
			"kind", env.Type,
			"envelopeId", env.ID,
			"duration", duration)
		return nil
	}
}

// TimeoutMiddleware bounds handler execution with a per-dispatch deadline.
// Handlers see the deadline through their context and are expected to honor
// it; execution is never cut off mid-flight.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(ctx context.Context, env *contracts.Envelope, payload contracts.Payload, next Handler) error {
		if timeout <= 0 {
			return next.Handle(ctx, env, payload)
		}

		tctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return next.Handle(tctx, env, payload)
	}
}
