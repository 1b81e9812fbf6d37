// Package inmemory provides a process-local messaging.Transport backed by a
// small broker emulation: topic and fanout exchanges, bound queues, prefetch
// metering, and dead lettering with x-death headers. It exists for tests and
// demos that need real routing semantics without a running broker.
package inmemory

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/gridfeed-go/contracts"
	"github.com/glimte/gridfeed-go/messaging"
)

// Transport implements messaging.Transport against the in-process broker.
// The zero value is not usable; call NewTransport.
type Transport struct {
	broker *broker
	logger *slog.Logger
}

// TransportOption configures an in-memory transport.
type TransportOption func(*Transport)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTransport creates a connected in-memory transport. Topology still has
// to be declared before publishing or subscribing.
func NewTransport(options ...TransportOption) *Transport {
	t := &Transport{
		broker: newBroker(),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Connect implements messaging.Transport. The in-memory broker has no
// connection to establish; this only reports a closed transport.
func (t *Transport) Connect(ctx context.Context) error {
	if t.broker.isClosed() {
		return ErrBrokerClosed
	}
	return nil
}

// OnReconnect implements messaging.Transport. The in-memory transport never
// drops, so hooks are accepted and never fire.
func (t *Transport) OnReconnect(hook func()) {}

// DeclareTopology implements messaging.Transport.
func (t *Transport) DeclareTopology(ctx context.Context, topo messaging.Topology) error {
	if err := t.broker.declareTopology(topo); err != nil {
		return err
	}
	t.logger.Debug("declared in-memory topology",
		"exchange", topo.Exchange,
		"queues", len(topo.Queues)+1)
	return nil
}

// Publisher implements messaging.Transport.
func (t *Transport) Publisher() messaging.Publisher {
	return &publisherAdapter{broker: t.broker}
}

// Subscriber implements messaging.Transport.
func (t *Transport) Subscriber() messaging.Subscriber {
	return &subscriberAdapter{broker: t.broker}
}

// Inspector implements messaging.Transport.
func (t *Transport) Inspector() messaging.Inspector {
	return &inspectorAdapter{broker: t.broker}
}

// IsConnected implements messaging.Transport.
func (t *Transport) IsConnected() bool {
	return !t.broker.isClosed()
}

// Close implements messaging.Transport.
func (t *Transport) Close() error {
	return t.broker.close()
}

type publisherAdapter struct {
	broker *broker
}

func (p *publisherAdapter) Publish(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return messaging.ErrNilEnvelope
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}

	created := env.CreatedAt()
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return p.broker.publish(p.broker.eventsExchange(), env.Type, &message{
		id:        env.ID,
		appID:     env.Source,
		timestamp: created,
		body:      body,
		headers:   map[string]interface{}{},
	})
}

func (p *publisherAdapter) PublishToQueue(ctx context.Context, queue string, raw messaging.Raw) error {
	headers := make(map[string]interface{}, len(raw.Headers))
	for k, v := range raw.Headers {
		headers[k] = v
	}
	ts := raw.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return p.broker.publishToQueue(queue, &message{
		id:        raw.MessageID,
		appID:     raw.AppID,
		timestamp: ts,
		body:      raw.Body,
		headers:   headers,
	})
}

func (p *publisherAdapter) Close() error { return nil }

type subscriberAdapter struct {
	broker *broker
}

func (s *subscriberAdapter) Subscribe(ctx context.Context, queue string, handler messaging.DeliveryHandler, opts messaging.SubscribeOptions) (messaging.Subscription, error) {
	return s.broker.subscribe(queue, handler, opts)
}

func (s *subscriberAdapter) Close() error { return nil }

type inspectorAdapter struct {
	broker *broker
}

func (i *inspectorAdapter) Inspect(ctx context.Context, queue string) (messaging.QueueInfo, error) {
	return i.broker.inspect(queue)
}

func (i *inspectorAdapter) Get(ctx context.Context, queue string) (messaging.Delivery, bool, error) {
	d, ok, err := i.broker.get(queue)
	if err != nil || !ok {
		return nil, ok, err
	}
	return d, true, nil
}

func (i *inspectorAdapter) Purge(ctx context.Context, queue string) (int, error) {
	return i.broker.purge(queue)
}
