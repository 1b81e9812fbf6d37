package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/gridfeed-go/contracts"
)

// DefaultBufferCapacity bounds the publish buffer.
const DefaultBufferCapacity = 1024

// BufferedPublisher puts a bounded FIFO between producers and a Publisher.
//
// While the broker is reachable it is a pass-through. When a publish fails
// the envelope is parked instead of surfacing the error, so a poll loop
// keeps its schedule through a broker outage. Flush drains the backlog in
// original order; wire it to the connection manager's reconnect hook. When
// the buffer is full the oldest envelope is dropped and counted: recent
// readings are worth more than stale ones for live feeds.
type BufferedPublisher struct {
	inner    Publisher
	capacity int
	logger   *slog.Logger

	mu      sync.Mutex
	pending []*contracts.Envelope
	dropped uint64
	closed  bool
}

// BufferOption configures the BufferedPublisher
type BufferOption func(*BufferedPublisher)

// WithBufferCapacity bounds how many envelopes can be parked
func WithBufferCapacity(capacity int) BufferOption {
	return func(b *BufferedPublisher) {
		if capacity > 0 {
			b.capacity = capacity
		}
	}
}

// WithBufferLogger sets the logger
func WithBufferLogger(logger *slog.Logger) BufferOption {
	return func(b *BufferedPublisher) {
		b.logger = logger
	}
}

// NewBufferedPublisher wraps inner with a bounded publish buffer.
func NewBufferedPublisher(inner Publisher, options ...BufferOption) *BufferedPublisher {
	b := &BufferedPublisher{
		inner:    inner,
		capacity: DefaultBufferCapacity,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// Publish sends the envelope now if possible, otherwise parks it. While a
// backlog exists new envelopes park behind it so flush order stays the
// publish order. A nil return means sent or parked, never lost; losses
// happen only by drop-oldest overflow, visible through Dropped.
func (b *BufferedPublisher) Publish(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrPublisherClosed
	}
	if len(b.pending) > 0 {
		b.parkLocked(env)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	err := b.inner.Publish(ctx, env)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		// The caller is shutting down; parking would strand the envelope.
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrPublisherClosed
	}
	b.parkLocked(env)
	pending := len(b.pending)
	b.mu.Unlock()

	b.logger.Warn("publish failed, envelope parked",
		"envelopeId", env.ID,
		"type", env.Type,
		"pending", pending,
		"error", err)
	return nil
}

// PublishToQueue passes through; queue-level republishes belong to the
// consumption side, which handles its own failures.
func (b *BufferedPublisher) PublishToQueue(ctx context.Context, queue string, msg Raw) error {
	return b.inner.PublishToQueue(ctx, queue, msg)
}

// Flush drains the backlog in order, stopping at the first failure so the
// remaining envelopes keep their position for the next attempt. Returns how
// many envelopes went out.
func (b *BufferedPublisher) Flush(ctx context.Context) (int, error) {
	flushed := 0
	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.mu.Unlock()
			if flushed > 0 {
				b.logger.Info("publish backlog flushed", "count", flushed)
			}
			return flushed, nil
		}
		env := b.pending[0]
		b.mu.Unlock()

		if err := b.inner.Publish(ctx, env); err != nil {
			b.logger.Warn("backlog flush interrupted",
				"flushed", flushed,
				"remaining", b.Pending(),
				"error", err)
			return flushed, err
		}

		b.mu.Lock()
		// Publish parks behind a non-empty backlog, so head position is
		// stable across the unlock above.
		b.pending = b.pending[1:]
		b.mu.Unlock()
		flushed++
	}
}

// Pending returns the current backlog size.
func (b *BufferedPublisher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Dropped returns how many envelopes overflow has discarded.
func (b *BufferedPublisher) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close stops accepting envelopes. A remaining backlog is discarded and
// logged; the inner publisher is owned by the transport and closed there.
func (b *BufferedPublisher) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if len(b.pending) > 0 {
		b.logger.Warn("closing with unflushed backlog", "discarded", len(b.pending))
		b.pending = nil
	}
	return nil
}

func (b *BufferedPublisher) parkLocked(env *contracts.Envelope) {
	if len(b.pending) >= b.capacity {
		dropped := b.pending[0]
		b.pending = b.pending[1:]
		b.dropped++
		b.logger.Warn("publish buffer full, dropped oldest",
			"droppedId", dropped.ID,
			"droppedType", dropped.Type,
			"totalDropped", b.dropped)
	}
	b.pending = append(b.pending, env)
}
