package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/gridfeed-go/contracts"
	"github.com/glimte/gridfeed-go/internal/reliability"
	"github.com/glimte/gridfeed-go/messaging"
)

// DefaultBatch bounds browse and replay batches when callers pass no limit.
const DefaultBatch = 50

// Summary describes one dead-lettered message without consuming it.
type Summary struct {
	MessageID  string    `json:"messageId"`
	Kind       string    `json:"kind,omitempty"`
	Source     string    `json:"source,omitempty"`
	Malformed  bool      `json:"malformed,omitempty"`
	FromQueue  string    `json:"fromQueue,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	DeathCount int64     `json:"deathCount,omitempty"`
	DeadAt     time.Time `json:"deadAt,omitempty"`
	RetryCount int       `json:"retryCount"`
}

// DLQBrowser pages through the dead-letter queue without consuming it. Each
// page is fetched with basic.get, summarized, and handed back to the broker
// unacked, so browsing is repeatable.
type DLQBrowser struct {
	inspector messaging.Inspector
	queue     string
	logger    *slog.Logger
}

// BrowserOption configures a DLQBrowser
type BrowserOption func(*DLQBrowser)

// WithBrowserLogger sets the logger
func WithBrowserLogger(logger *slog.Logger) BrowserOption {
	return func(b *DLQBrowser) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBrowserQueue overrides the dead-letter queue name.
func WithBrowserQueue(queue string) BrowserOption {
	return func(b *DLQBrowser) {
		if queue != "" {
			b.queue = queue
		}
	}
}

// NewDLQBrowser creates a browser over the canonical dead-letter queue.
func NewDLQBrowser(inspector messaging.Inspector, options ...BrowserOption) (*DLQBrowser, error) {
	if inspector == nil {
		return nil, errors.New("monitor: inspector is required")
	}
	b := &DLQBrowser{
		inspector: inspector,
		queue:     messaging.DeadLetterQueue,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b, nil
}

// Browse summarizes up to limit dead-lettered messages and requeues them
// all. A non-positive limit means DefaultBatch.
func (b *DLQBrowser) Browse(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = DefaultBatch
	}

	var (
		summaries []Summary
		held      []messaging.Delivery
	)
	// Requeue in reverse so a transport that requeues to the front restores
	// the original order.
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Nack(true); err != nil {
				b.logger.Error("requeue after browse failed",
					"queue", b.queue, "messageId", held[i].MessageID(), "error", err)
			}
		}
	}()

	for len(summaries) < limit {
		d, ok, err := b.inspector.Get(ctx, b.queue)
		if err != nil {
			return summaries, fmt.Errorf("monitor: browsing %s: %w", b.queue, err)
		}
		if !ok {
			break
		}
		held = append(held, d)
		summaries = append(summaries, summarize(d))
	}
	return summaries, nil
}

// Purge drops every ready message from the dead-letter queue.
func (b *DLQBrowser) Purge(ctx context.Context) (int, error) {
	n, err := b.inspector.Purge(ctx, b.queue)
	if err != nil {
		return 0, fmt.Errorf("monitor: purging %s: %w", b.queue, err)
	}
	b.logger.Info("dead-letter queue purged", "queue", b.queue, "messages", n)
	return n, nil
}

func summarize(d messaging.Delivery) Summary {
	s := Summary{
		MessageID:  d.MessageID(),
		RetryCount: reliability.RetryCount(d.Headers()),
	}
	if death, ok := reliability.ExtractDeath(d.Headers()); ok {
		s.FromQueue = death.Queue
		s.Reason = death.Reason
		s.DeathCount = death.Count
		s.DeadAt = death.At
	}

	env, err := contracts.DecodeEnvelope(d.Body())
	if err != nil {
		s.Malformed = true
		return s
	}
	s.Kind = env.Type
	s.Source = env.Source
	return s
}

// ReplayReport accounts for one replay batch.
type ReplayReport struct {
	Replayed int `json:"replayed"`
	Skipped  int `json:"skipped"`
}

// DLQReplayer drains dead-lettered messages back into the events exchange.
// Each replayed envelope goes out under its own type as routing key with a
// fresh retry budget; messages that no longer decode stay in the queue.
type DLQReplayer struct {
	inspector messaging.Inspector
	publisher messaging.Publisher
	queue     string
	logger    *slog.Logger
}

// ReplayerOption configures a DLQReplayer
type ReplayerOption func(*DLQReplayer)

// WithReplayerLogger sets the logger
func WithReplayerLogger(logger *slog.Logger) ReplayerOption {
	return func(r *DLQReplayer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithReplayerQueue overrides the dead-letter queue name.
func WithReplayerQueue(queue string) ReplayerOption {
	return func(r *DLQReplayer) {
		if queue != "" {
			r.queue = queue
		}
	}
}

// NewDLQReplayer creates a replayer from the canonical dead-letter queue to
// the events exchange behind the publisher.
func NewDLQReplayer(inspector messaging.Inspector, publisher messaging.Publisher, options ...ReplayerOption) (*DLQReplayer, error) {
	if inspector == nil {
		return nil, errors.New("monitor: inspector is required")
	}
	if publisher == nil {
		return nil, errors.New("monitor: publisher is required")
	}
	r := &DLQReplayer{
		inspector: inspector,
		publisher: publisher,
		queue:     messaging.DeadLetterQueue,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r, nil
}

// Replay moves up to limit messages back through the events exchange,
// acking each one only after its republish succeeds. Undecodable messages
// are held aside and returned to the queue when the batch ends. A
// non-positive limit means DefaultBatch.
func (r *DLQReplayer) Replay(ctx context.Context, limit int) (ReplayReport, error) {
	if limit <= 0 {
		limit = DefaultBatch
	}

	var (
		report ReplayReport
		held   []messaging.Delivery
	)
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Nack(true); err != nil {
				r.logger.Error("requeue after replay failed",
					"queue", r.queue, "messageId", held[i].MessageID(), "error", err)
			}
		}
	}()

	for report.Replayed+report.Skipped < limit {
		d, ok, err := r.inspector.Get(ctx, r.queue)
		if err != nil {
			return report, fmt.Errorf("monitor: replaying %s: %w", r.queue, err)
		}
		if !ok {
			break
		}

		env, err := contracts.DecodeEnvelope(d.Body())
		if err != nil {
			r.logger.Warn("skipping undecodable dead-lettered message",
				"messageId", d.MessageID(), "error", err)
			held = append(held, d)
			report.Skipped++
			continue
		}

		if err := r.publisher.Publish(ctx, env); err != nil {
			held = append(held, d)
			return report, fmt.Errorf("monitor: republishing %s: %w", env.ID, err)
		}
		if err := d.Ack(); err != nil {
			return report, fmt.Errorf("monitor: acking replayed %s: %w", env.ID, err)
		}
		report.Replayed++
		r.logger.Info("replayed dead-lettered envelope",
			"envelopeId", env.ID, "kind", env.Type, "source", env.Source)
	}
	return report, nil
}
