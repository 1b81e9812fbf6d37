package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with correct defaults", func(t *testing.T) {
		eb := NewExponentialBackoff(
			100*time.Millisecond,
			5*time.Second,
			2.0,
			3,
		)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxAttempts)
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects max attempts", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 1*time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("flaky"))
			assert.True(t, shouldRetry)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, delay := eb.ShouldRetry(3, errors.New("flaky"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("ShouldRetry refuses permanent errors", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 1*time.Second, 2.0, 3)

		shouldRetry, _ := eb.ShouldRetry(0, Permanent(errors.New("bad payload")))
		assert.False(t, shouldRetry)
	})

	t.Run("NextDelay doubles up to the ceiling and stays there", func(t *testing.T) {
		eb := NewExponentialBackoff(1*time.Second, 30*time.Second, 2.0, 10)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 1 * time.Second},
			{1, 2 * time.Second},
			{2, 4 * time.Second},
			{3, 8 * time.Second},
			{4, 16 * time.Second},
			{5, 30 * time.Second},
			{9, 30 * time.Second},
		}

		for _, tt := range tests {
			delay := eb.NextDelay(tt.attempt)
			assert.Equal(t, tt.expected, delay, "attempt %d", tt.attempt)
		}
	})

	t.Run("NextDelay sequence is monotonically non-decreasing", func(t *testing.T) {
		eb := NewExponentialBackoff(250*time.Millisecond, 5*time.Second, 2.0, 20)
		eb.Jitter = false

		prev := time.Duration(0)
		for attempt := 0; attempt < 20; attempt++ {
			delay := eb.NextDelay(attempt)
			assert.GreaterOrEqual(t, delay, prev, "attempt %d", attempt)
			assert.LessOrEqual(t, delay, 5*time.Second)
			prev = delay
		}
	})

	t.Run("NextDelay with jitter stays near the nominal delay", func(t *testing.T) {
		eb := NewExponentialBackoff(1*time.Second, 10*time.Second, 2.0, 5)

		varied := false
		for i := 0; i < 10; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
			if delay != 1*time.Second {
				varied = true
			}
		}
		assert.True(t, varied, "jitter should vary the delay")
	})
}

func TestFixedDelay(t *testing.T) {
	t.Run("always returns the same delay", func(t *testing.T) {
		fd := NewFixedDelay(60*time.Second, 3)

		assert.Equal(t, 60*time.Second, fd.NextDelay(0))
		assert.Equal(t, 60*time.Second, fd.NextDelay(7))
	})

	t.Run("ShouldRetry respects max attempts", func(t *testing.T) {
		fd := NewFixedDelay(time.Second, 2)

		shouldRetry, delay := fd.ShouldRetry(1, errors.New("throttled"))
		assert.True(t, shouldRetry)
		assert.Equal(t, time.Second, delay)

		shouldRetry, _ = fd.ShouldRetry(2, errors.New("throttled"))
		assert.False(t, shouldRetry)
	})
}

func TestRetry(t *testing.T) {
	t.Run("returns nil on first success", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			calls++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries transient failures until success", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops immediately on permanent error", func(t *testing.T) {
		calls := 0
		cause := errors.New("unparseable")
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			return Permanent(cause)
		})

		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("exhaustion returns RetryError wrapping the last failure", func(t *testing.T) {
		cause := errors.New("still down")
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			return cause
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, 2, retryErr.MaxAttempts)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := Retry(ctx, NewFixedDelay(time.Hour, 3), func() error {
			return errors.New("never succeeds")
		})

		assert.ErrorIs(t, err, context.Canceled)
	})
}
