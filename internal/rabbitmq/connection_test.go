package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// An unparseable scheme makes every dial fail before touching the network.
const unreachableURL = "invalid://broker"

func TestConnectionManagerDefaults(t *testing.T) {
	cm := NewConnectionManager(unreachableURL)

	assert.Equal(t, StateDisconnected, cm.State())
	assert.False(t, cm.IsConnected())
	assert.Equal(t, DefaultDialTimeout, cm.dialTimeout)
	assert.Equal(t, DefaultReconnectDelay, cm.backoff.InitialInterval)
	assert.Equal(t, DefaultMaxReconnectDelay, cm.backoff.MaxInterval)
	assert.Equal(t, DefaultMaxAttempts, cm.backoff.MaxAttempts)
	assert.True(t, cm.backoff.Jitter)
}

func TestConnectionManagerOptions(t *testing.T) {
	cm := NewConnectionManager(unreachableURL,
		WithDialTimeout(2*time.Second),
		WithReconnectDelay(50*time.Millisecond),
		WithMaxReconnectDelay(time.Second),
		WithMaxAttempts(4),
	)

	assert.Equal(t, 2*time.Second, cm.dialTimeout)
	assert.Equal(t, 50*time.Millisecond, cm.backoff.InitialInterval)
	assert.Equal(t, time.Second, cm.backoff.MaxInterval)
	assert.Equal(t, 4, cm.backoff.MaxAttempts)
}

func TestConnectionExhaustsBoundedAttempts(t *testing.T) {
	defer leaktest.Check(t)()

	cm := NewConnectionManager(unreachableURL,
		WithReconnectDelay(time.Millisecond),
		WithMaxReconnectDelay(5*time.Millisecond),
		WithMaxAttempts(3),
	)

	_, err := cm.Connection(context.Background())
	require.Error(t, err)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "connect", connErr.Op)
	assert.Equal(t, 3, connErr.Attempts)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)

	// A failed conversation leaves the manager ready for a fresh one.
	assert.Equal(t, StateDisconnected, cm.State())

	require.NoError(t, cm.Close())
}

func TestConnectionHonorsContextCancellation(t *testing.T) {
	defer leaktest.Check(t)()

	cm := NewConnectionManager(unreachableURL,
		WithReconnectDelay(time.Hour), // would stall forever without ctx
		WithMaxAttempts(5),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := cm.Connection(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateDisconnected, cm.State())

	require.NoError(t, cm.Close())
}

func TestConnectionAfterCloseFails(t *testing.T) {
	cm := NewConnectionManager(unreachableURL)
	require.NoError(t, cm.Close())

	_, err := cm.Connection(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)

	_, err = cm.Channel(context.Background(), "publish")
	assert.ErrorIs(t, err, ErrConnectionClosed)

	assert.Equal(t, StateClosed, cm.State())
	assert.False(t, cm.IsConnected())
}

func TestCloseIsIdempotent(t *testing.T) {
	cm := NewConnectionManager(unreachableURL)

	require.NoError(t, cm.Close())
	require.NoError(t, cm.Close())
	assert.Equal(t, StateClosed, cm.State())
}

func TestCloseInterruptsReconnectWait(t *testing.T) {
	defer leaktest.Check(t)()

	cm := NewConnectionManager(unreachableURL,
		WithReconnectDelay(time.Hour),
		WithMaxAttempts(5),
	)

	errCh := make(chan error, 1)
	go func() {
		_, err := cm.Connection(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cm.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("Connection did not return after Close")
	}
}

func TestWaitersShareOneDialConversation(t *testing.T) {
	defer leaktest.Check(t)()

	cm := NewConnectionManager(unreachableURL,
		WithReconnectDelay(30*time.Millisecond),
		WithMaxAttempts(2),
	)

	const callers = 5
	errCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := cm.Connection(context.Background())
			errCh <- err
		}()
	}

	// Every caller resolves; late arrivals either joined the in-flight
	// conversation or started (and exhausted) a fresh one. Either way the
	// terminal error is the same sentinel.
	for i := 0; i < callers; i++ {
		select {
		case err := <-errCh:
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
		case <-time.After(5 * time.Second):
			t.Fatal("caller never resolved")
		}
	}

	require.NoError(t, cm.Close())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestOnReconnectRegistersHooks(t *testing.T) {
	cm := NewConnectionManager(unreachableURL)

	fired := make(chan struct{}, 2)
	cm.OnReconnect(func() { fired <- struct{}{} })
	cm.OnReconnect(func() { fired <- struct{}{} })

	cm.notifyReconnect()

	for i := 0; i < 2; i++ {
		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatal("hook did not fire")
		}
	}

	require.NoError(t, cm.Close())
}

func TestErrMaxRetriesSurvivesWrapping(t *testing.T) {
	cm := NewConnectionManager(unreachableURL,
		WithReconnectDelay(time.Millisecond),
		WithMaxAttempts(1),
	)

	_, err := cm.Connection(context.Background())
	require.Error(t, err)

	// Callers decide give-up-vs-retry with errors.Is, never by string.
	assert.True(t, errors.Is(err, ErrMaxRetriesExceeded))
	assert.False(t, IsRetryable(err))

	require.NoError(t, cm.Close())
}
