package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/gridfeed-go/contracts"
)

var errBrokerDown = errors.New("broker down")

// stubPublisher records publish order and can simulate outages. With failing
// set, allowance publishes still succeed before errors start; that shapes
// mid-flush failures.
type stubPublisher struct {
	mu        sync.Mutex
	failing   bool
	allowance int
	order     []string
	queued    []Raw
}

func (s *stubPublisher) Publish(ctx context.Context, env *contracts.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		if s.allowance == 0 {
			return errBrokerDown
		}
		s.allowance--
	}
	s.order = append(s.order, env.ID)
	return nil
}

func (s *stubPublisher) PublishToQueue(ctx context.Context, queue string, msg Raw) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing && s.allowance == 0 {
		return errBrokerDown
	}
	s.queued = append(s.queued, msg)
	return nil
}

func (s *stubPublisher) Close() error { return nil }

func (s *stubPublisher) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
	s.allowance = 0
}

func (s *stubPublisher) published() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func TestBufferedPublisherPassesThroughWhenHealthy(t *testing.T) {
	inner := &stubPublisher{}
	b := NewBufferedPublisher(inner)

	e1, e2 := carbonEnvelope(t), carbonEnvelope(t)
	require.NoError(t, b.Publish(context.Background(), e1))
	require.NoError(t, b.Publish(context.Background(), e2))

	assert.Equal(t, []string{e1.ID, e2.ID}, inner.published())
	assert.Equal(t, 0, b.Pending())
	assert.Equal(t, uint64(0), b.Dropped())
}

func TestBufferedPublisherParksDuringOutage(t *testing.T) {
	inner := &stubPublisher{}
	inner.setFailing(true)
	b := NewBufferedPublisher(inner)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), carbonEnvelope(t)),
			"an outage must not surface to the poll loop")
	}

	assert.Empty(t, inner.published())
	assert.Equal(t, 3, b.Pending())
}

func TestFlushPreservesPublishOrder(t *testing.T) {
	inner := &stubPublisher{}
	inner.setFailing(true)
	b := NewBufferedPublisher(inner)

	var want []string
	for i := 0; i < 5; i++ {
		env := carbonEnvelope(t)
		want = append(want, env.ID)
		require.NoError(t, b.Publish(context.Background(), env))
	}

	inner.setFailing(false)
	flushed, err := b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, flushed)
	assert.Equal(t, want, inner.published())
	assert.Equal(t, 0, b.Pending())
}

func TestNewTrafficParksBehindBacklog(t *testing.T) {
	inner := &stubPublisher{}
	inner.setFailing(true)
	b := NewBufferedPublisher(inner)

	first := carbonEnvelope(t)
	require.NoError(t, b.Publish(context.Background(), first))

	// Broker heals, but the backlog has not flushed yet: new traffic must
	// queue behind it or flush order would interleave.
	inner.setFailing(false)
	second := carbonEnvelope(t)
	require.NoError(t, b.Publish(context.Background(), second))
	assert.Equal(t, 2, b.Pending())
	assert.Empty(t, inner.published())

	flushed, err := b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, flushed)
	assert.Equal(t, []string{first.ID, second.ID}, inner.published())
}

func TestOverflowDropsOldest(t *testing.T) {
	inner := &stubPublisher{}
	inner.setFailing(true)
	b := NewBufferedPublisher(inner, WithBufferCapacity(3))

	var ids []string
	for i := 0; i < 5; i++ {
		env := carbonEnvelope(t)
		ids = append(ids, env.ID)
		require.NoError(t, b.Publish(context.Background(), env))
	}

	assert.Equal(t, 3, b.Pending())
	assert.Equal(t, uint64(2), b.Dropped())

	inner.setFailing(false)
	_, err := b.Flush(context.Background())
	require.NoError(t, err)

	// The two oldest went overboard; the three newest survive in order.
	assert.Equal(t, ids[2:], inner.published())
}

func TestFlushStopsAtFailureKeepingRemainder(t *testing.T) {
	inner := &stubPublisher{}
	inner.setFailing(true)
	b := NewBufferedPublisher(inner)

	first, second := carbonEnvelope(t), carbonEnvelope(t)
	require.NoError(t, b.Publish(context.Background(), first))
	require.NoError(t, b.Publish(context.Background(), second))

	// One publish succeeds, then the broker drops again mid-flush.
	inner.mu.Lock()
	inner.allowance = 1
	inner.mu.Unlock()

	flushed, err := b.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, flushed)
	assert.Equal(t, 1, b.Pending())

	inner.setFailing(false)
	flushed, err = b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)
	assert.Equal(t, []string{first.ID, second.ID}, inner.published())
}

func TestPublishAfterCloseFails(t *testing.T) {
	inner := &stubPublisher{}
	inner.setFailing(true)
	b := NewBufferedPublisher(inner)

	require.NoError(t, b.Publish(context.Background(), carbonEnvelope(t)))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "close is idempotent")

	assert.ErrorIs(t, b.Publish(context.Background(), carbonEnvelope(t)), ErrPublisherClosed)
	assert.Equal(t, 0, b.Pending(), "close discards the backlog")
}

func TestNilEnvelopeRejected(t *testing.T) {
	b := NewBufferedPublisher(&stubPublisher{})
	assert.ErrorIs(t, b.Publish(context.Background(), nil), ErrNilEnvelope)
}

func TestCancelledContextIsNotParked(t *testing.T) {
	inner := &stubPublisher{}
	inner.setFailing(true)
	b := NewBufferedPublisher(inner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Publish(ctx, carbonEnvelope(t))
	require.Error(t, err, "a shutting-down caller gets the failure, not a parked envelope")
	assert.Equal(t, 0, b.Pending())
}

func TestPublishToQueuePassesThrough(t *testing.T) {
	inner := &stubPublisher{}
	b := NewBufferedPublisher(inner)

	msg := Raw{MessageID: "abc", Body: []byte(`{}`), Headers: map[string]interface{}{"x-retry-count": int64(1)}}
	require.NoError(t, b.PublishToQueue(context.Background(), CarbonQueue, msg))
	require.Len(t, inner.queued, 1)
	assert.Equal(t, "abc", inner.queued[0].MessageID)
}
