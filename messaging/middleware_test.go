package messaging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/gridfeed-go/contracts"
	"github.com/glimte/gridfeed-go/internal/reliability"
)

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestLoggingMiddleware(t *testing.T) {
	t.Run("successful dispatch logs entry and completion", func(t *testing.T) {
		logger, buf := captureLogger()
		d := NewDispatcher(WithMiddleware(LoggingMiddleware(logger)))
		require.NoError(t, d.RegisterFunc(contracts.TypeCarbonIntensity, func(ctx context.Context, env *contracts.Envelope, payload contracts.Payload) error {
			return nil
		}))

		require.NoError(t, d.Dispatch(context.Background(), carbonEnvelope(t)))

		assert.Contains(t, buf.String(), "dispatching envelope")
		assert.Contains(t, buf.String(), "handler completed")
		assert.Contains(t, buf.String(), contracts.TypeCarbonIntensity)
	})

	t.Run("failure logs at warn and passes the error through", func(t *testing.T) {
		logger, buf := captureLogger()
		d := NewDispatcher(WithMiddleware(LoggingMiddleware(logger)))
		boom := errors.New("downstream hiccup")
		require.NoError(t, d.RegisterFunc(contracts.TypeCarbonIntensity, func(ctx context.Context, env *contracts.Envelope, payload contracts.Payload) error {
			return boom
		}))

		err := d.Dispatch(context.Background(), carbonEnvelope(t))

		assert.ErrorIs(t, err, boom)
		assert.Contains(t, buf.String(), "handler failed")
		assert.Contains(t, buf.String(), "downstream hiccup")
	})
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Run("handlers see the deadline", func(t *testing.T) {
		d := NewDispatcher(WithMiddleware(TimeoutMiddleware(time.Minute)))

		var deadlineSet bool
		require.NoError(t, d.RegisterFunc(contracts.TypeCarbonIntensity, func(ctx context.Context, env *contracts.Envelope, payload contracts.Payload) error {
			_, deadlineSet = ctx.Deadline()
			return nil
		}))

		require.NoError(t, d.Dispatch(context.Background(), carbonEnvelope(t)))
		assert.True(t, deadlineSet)
	})

	t.Run("zero timeout leaves the context alone", func(t *testing.T) {
		d := NewDispatcher(WithMiddleware(TimeoutMiddleware(0)))

		var deadlineSet bool
		require.NoError(t, d.RegisterFunc(contracts.TypeCarbonIntensity, func(ctx context.Context, env *contracts.Envelope, payload contracts.Payload) error {
			_, deadlineSet = ctx.Deadline()
			return nil
		}))

		require.NoError(t, d.Dispatch(context.Background(), carbonEnvelope(t)))
		assert.False(t, deadlineSet)
	})

	t.Run("an expired deadline surfaces as a transient error", func(t *testing.T) {
		d := NewDispatcher(WithMiddleware(TimeoutMiddleware(time.Millisecond)))
		require.NoError(t, d.RegisterFunc(contracts.TypeCarbonIntensity, func(ctx context.Context, env *contracts.Envelope, payload contracts.Payload) error {
			<-ctx.Done()
			return ctx.Err()
		}))

		err := d.Dispatch(context.Background(), carbonEnvelope(t))

		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, reliability.IsPermanent(err), "a slow cycle should still be retried")
	})
}
