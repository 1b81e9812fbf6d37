package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/glimte/gridfeed-go/contracts"
)

var (
	ErrNoHandler       = errors.New("messaging: no handler registered for payload kind")
	ErrHandlerExists   = errors.New("messaging: handler already registered for payload kind")
	ErrNilEnvelope     = errors.New("messaging: envelope is nil")
	ErrPublisherClosed = errors.New("messaging: publisher is closed")
)

// Publisher sends envelopes into the pipeline.
type Publisher interface {
	// Publish routes an envelope through the events exchange. The routing
	// key is the envelope type.
	Publish(ctx context.Context, env *contracts.Envelope) error

	// PublishToQueue delivers an already-encoded message straight to one
	// queue, bypassing exchange routing. The consumption engine uses this to
	// requeue a delivery with an amended retry counter, and the DLQ tooling
	// to replay; the body travels byte for byte so the envelope id inside
	// never changes.
	PublishToQueue(ctx context.Context, queue string, msg Raw) error

	// Close releases publisher resources.
	Close() error
}

// Raw is an already-encoded message republished at queue level. AppID and
// Timestamp carry the original message properties forward; zero values let
// the transport fill its defaults.
type Raw struct {
	MessageID string
	AppID     string
	Timestamp time.Time
	Body      []byte
	Headers   map[string]interface{}
}

// DeliveryHandler consumes one delivery. It must settle the delivery with
// Ack, Nack, or Reject before returning.
type DeliveryHandler func(Delivery)

// SubscribeOptions tunes one subscription.
type SubscribeOptions struct {
	// Prefetch bounds unacknowledged deliveries in flight; zero means the
	// transport default.
	Prefetch int

	// ConsumerTag names the consumer; empty means the transport generates one.
	ConsumerTag string
}

// Subscriber opens delivery streams from queues.
type Subscriber interface {
	Subscribe(ctx context.Context, queue string, handler DeliveryHandler, opts SubscribeOptions) (Subscription, error)
	Close() error
}

// Subscription is one live delivery stream.
type Subscription interface {
	// Queue names the subscribed queue.
	Queue() string

	// Cancel stops the stream; in-flight deliveries still reach the handler.
	Cancel() error

	// Done closes once the stream has fully drained.
	Done() <-chan struct{}

	// Err reports why the stream ended: nil after a clean Cancel, non-nil
	// when the stream broke and the caller should resubscribe.
	Err() error
}

// Delivery is one consumed message awaiting settlement.
type Delivery interface {
	// MessageID returns the broker-level message id (the envelope id for
	// pipeline traffic).
	MessageID() string

	// RoutingKey returns the key the message was published under.
	RoutingKey() string

	// Body returns the message payload bytes.
	Body() []byte

	// Headers returns the message headers, x-death and x-retry-count
	// included.
	Headers() map[string]interface{}

	// Redelivered reports whether the broker has delivered this message
	// before.
	Redelivered() bool

	// Ack settles the delivery as processed.
	Ack() error

	// Nack settles the delivery as failed; with requeue the broker
	// redelivers it, without requeue it dead-letters.
	Nack(requeue bool) error

	// Reject dead-letters the delivery through the queue's DLX.
	Reject() error
}

// QueueInfo is a point-in-time passive snapshot of one queue.
type QueueInfo struct {
	Name      string
	Depth     int
	Consumers int
}

// Inspector reads queue state without consuming it. The monitor package and
// dlqctl are its callers.
type Inspector interface {
	// Inspect returns depth and consumer count via passive declare.
	Inspect(ctx context.Context, queue string) (QueueInfo, error)

	// Get pops a single message without a streaming consumer. ok is false
	// when the queue is empty. The delivery must still be settled.
	Get(ctx context.Context, queue string) (Delivery, bool, error)

	// Purge drops all ready messages from a queue, returning how many.
	Purge(ctx context.Context, queue string) (int, error)
}

// Transport bundles the broker-facing capabilities behind one constructor.
type Transport interface {
	// Connect establishes broker connectivity. Idempotent.
	Connect(ctx context.Context) error

	// OnReconnect registers a hook run after every successful connection
	// establishment, the first included. Register hooks before Connect.
	OnReconnect(hook func())

	// DeclareTopology declares the exchange/queue/binding layout. Idempotent
	// as long as the declaration matches what the broker holds.
	DeclareTopology(ctx context.Context, topo Topology) error

	Publisher() Publisher
	Subscriber() Subscriber
	Inspector() Inspector

	IsConnected() bool
	Close() error
}
