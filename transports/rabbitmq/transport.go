// Package rabbitmq binds the messaging interfaces to a RabbitMQ broker.
//
// The adapter owns the wire contract: envelopes go out as persistent JSON
// with messageId, timestamp, and appId set from the envelope, and incoming
// amqp deliveries are wrapped so engines never see the broker client.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/gridfeed-go/contracts"
	"github.com/glimte/gridfeed-go/internal/rabbitmq"
	"github.com/glimte/gridfeed-go/messaging"
)

// Transport implements messaging.Transport over a shared connection manager.
type Transport struct {
	manager  *rabbitmq.ConnectionManager
	topology *rabbitmq.TopologyManager
	logger   *slog.Logger

	publisherOptions []rabbitmq.PublisherOption

	mu       sync.RWMutex
	exchange string // events exchange, set by DeclareTopology
}

// TransportConfig holds construction knobs for the transport.
type TransportConfig struct {
	Logger            *slog.Logger
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithConnectionOptions forwards options to the connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions forwards options to publishers
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// NewTransport creates a transport for the given broker URL. Nothing is
// dialed until Connect or the first operation.
func NewTransport(url string, options ...TransportOption) *Transport {
	cfg := &TransportConfig{
		Logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	cfg.ConnectionOptions = append([]rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.Logger),
	}, cfg.ConnectionOptions...)

	manager := rabbitmq.NewConnectionManager(url, cfg.ConnectionOptions...)

	return &Transport{
		manager:          manager,
		topology:         rabbitmq.NewTopologyManager(manager, rabbitmq.WithTopologyLogger(cfg.Logger)),
		logger:           cfg.Logger,
		publisherOptions: cfg.PublisherOptions,
		exchange:         messaging.EventsExchange,
	}
}

// Connect establishes the broker connection. Idempotent; concurrent callers
// share one dial conversation.
func (t *Transport) Connect(ctx context.Context) error {
	_, err := t.manager.Connection(ctx)
	return err
}

// OnReconnect registers a hook run after every successful connection
// establishment. Wire the publish buffer's flush here.
func (t *Transport) OnReconnect(hook func()) {
	t.manager.OnReconnect(hook)
}

// DeclareTopology translates the neutral layout into broker terms and
// declares it.
func (t *Transport) DeclareTopology(ctx context.Context, topo messaging.Topology) error {
	if err := topo.Validate(); err != nil {
		return err
	}

	if err := t.topology.Declare(ctx, translateTopology(topo)); err != nil {
		return err
	}

	t.mu.Lock()
	t.exchange = topo.Exchange
	t.mu.Unlock()
	return nil
}

// translateTopology maps the neutral layout onto broker entities: a durable
// topic exchange for events, a durable fanout DLX, durable queues carrying
// x-dead-letter-exchange, and the DLQ bound to the DLX unfiltered.
func translateTopology(topo messaging.Topology) rabbitmq.Topology {
	decl := rabbitmq.Topology{
		Exchanges: []rabbitmq.ExchangeSpec{
			{Name: topo.Exchange, Kind: "topic", Durable: true},
			{Name: topo.DeadLetterExchange, Kind: "fanout", Durable: true},
		},
		Queues: []rabbitmq.QueueSpec{
			// The DLQ itself carries no dead-letter arg: a reject there
			// must not loop.
			{Name: topo.DeadLetterQueue, Durable: true},
		},
		Bindings: []rabbitmq.BindingSpec{
			{Queue: topo.DeadLetterQueue, Exchange: topo.DeadLetterExchange},
		},
	}

	for _, q := range topo.Queues {
		decl.Queues = append(decl.Queues, rabbitmq.QueueSpec{
			Name:    q.Name,
			Durable: true,
			Args:    amqp.Table{"x-dead-letter-exchange": topo.DeadLetterExchange},
		})
		for _, pattern := range q.Patterns {
			decl.Bindings = append(decl.Bindings, rabbitmq.BindingSpec{
				Queue:    q.Name,
				Exchange: topo.Exchange,
				Pattern:  pattern,
			})
		}
	}

	return decl
}

// Publisher returns the envelope publisher for this transport.
func (t *Transport) Publisher() messaging.Publisher {
	return &publisherAdapter{
		transport: t,
		publisher: rabbitmq.NewPublisher(t.manager, t.publisherOptions...),
	}
}

// Subscriber returns the delivery subscriber for this transport.
func (t *Transport) Subscriber() messaging.Subscriber {
	return &subscriberAdapter{transport: t}
}

// Inspector returns the passive queue inspector for this transport.
func (t *Transport) Inspector() messaging.Inspector {
	return &inspectorAdapter{manager: t.manager}
}

// IsConnected reports broker connectivity.
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Close tears down channels and the connection.
func (t *Transport) Close() error {
	return t.manager.Close()
}

func (t *Transport) eventsExchange() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.exchange
}

// publisherAdapter maps envelopes onto the wire contract.
type publisherAdapter struct {
	transport *Transport
	publisher *rabbitmq.Publisher
}

func (p *publisherAdapter) Publish(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return messaging.ErrNilEnvelope
	}

	msg, err := publishingFromEnvelope(env)
	if err != nil {
		return err
	}

	return p.publisher.Publish(ctx, p.transport.eventsExchange(), env.Type, msg)
}

func (p *publisherAdapter) PublishToQueue(ctx context.Context, queue string, raw messaging.Raw) error {
	return p.publisher.PublishToQueue(ctx, queue, publishingFromRaw(raw))
}

// publishingFromEnvelope applies the wire contract: JSON content type and
// encoding, persistent delivery, messageId from the envelope id, timestamp
// from envelope creation, appId from the producing source.
func publishingFromEnvelope(env *contracts.Envelope) (amqp.Publishing, error) {
	body, err := env.Encode()
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("rabbitmq transport: encoding envelope %s: %w", env.ID, err)
	}

	created := env.CreatedAt()
	if created.IsZero() {
		created = time.Now().UTC()
	}

	return amqp.Publishing{
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		DeliveryMode:    amqp.Persistent,
		MessageId:       env.ID,
		Timestamp:       created,
		AppId:           env.Source,
		Body:            body,
	}, nil
}

// publishingFromRaw forwards an already-encoded message byte for byte,
// keeping the original id, appId, and timestamp on the wire.
func publishingFromRaw(raw messaging.Raw) amqp.Publishing {
	headers := make(amqp.Table, len(raw.Headers))
	for k, v := range raw.Headers {
		headers[k] = v
	}

	ts := raw.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return amqp.Publishing{
		Headers:         headers,
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		DeliveryMode:    amqp.Persistent,
		MessageId:       raw.MessageID,
		Timestamp:       ts,
		AppId:           raw.AppID,
		Body:            raw.Body,
	}
}

func (p *publisherAdapter) Close() error {
	// Channels belong to the connection manager and close with it.
	return nil
}

// subscriberAdapter opens prefetch-bounded subscriptions.
type subscriberAdapter struct {
	transport *Transport
}

func (s *subscriberAdapter) Subscribe(ctx context.Context, queue string, handler messaging.DeliveryHandler, opts messaging.SubscribeOptions) (messaging.Subscription, error) {
	consumerOpts := []rabbitmq.ConsumerOption{
		rabbitmq.WithConsumerLogger(s.transport.logger),
	}
	if opts.Prefetch > 0 {
		consumerOpts = append(consumerOpts, rabbitmq.WithPrefetch(opts.Prefetch))
	}

	consumer := rabbitmq.NewConsumer(s.transport.manager, consumerOpts...)
	sub, err := consumer.Subscribe(ctx, queue, opts.ConsumerTag, func(d amqp.Delivery) {
		handler(&deliveryAdapter{d: d})
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *subscriberAdapter) Close() error {
	return nil
}

// deliveryAdapter wraps one amqp delivery.
type deliveryAdapter struct {
	d amqp.Delivery
}

func (d *deliveryAdapter) MessageID() string  { return d.d.MessageId }
func (d *deliveryAdapter) RoutingKey() string { return d.d.RoutingKey }
func (d *deliveryAdapter) Body() []byte       { return d.d.Body }
func (d *deliveryAdapter) Redelivered() bool  { return d.d.Redelivered }

func (d *deliveryAdapter) Headers() map[string]interface{} {
	headers := make(map[string]interface{}, len(d.d.Headers))
	for k, v := range d.d.Headers {
		headers[k] = v
	}
	return headers
}

func (d *deliveryAdapter) Ack() error {
	return d.d.Ack(false)
}

func (d *deliveryAdapter) Nack(requeue bool) error {
	return d.d.Nack(false, requeue)
}

func (d *deliveryAdapter) Reject() error {
	return d.d.Reject(false)
}

// inspectorAdapter reads queue state over the "monitor" role channel.
type inspectorAdapter struct {
	manager *rabbitmq.ConnectionManager
}

func (i *inspectorAdapter) Inspect(ctx context.Context, queue string) (messaging.QueueInfo, error) {
	ch, err := i.manager.Channel(ctx, "monitor")
	if err != nil {
		return messaging.QueueInfo{}, err
	}

	// Passive declare: errors (and closes the channel) if the queue is
	// missing; the manager reopens the role channel on the next call.
	q, err := ch.QueueInspect(queue)
	if err != nil {
		return messaging.QueueInfo{}, fmt.Errorf("rabbitmq transport: inspecting %s: %w", queue, err)
	}

	return messaging.QueueInfo{
		Name:      q.Name,
		Depth:     q.Messages,
		Consumers: q.Consumers,
	}, nil
}

func (i *inspectorAdapter) Get(ctx context.Context, queue string) (messaging.Delivery, bool, error) {
	ch, err := i.manager.Channel(ctx, "monitor")
	if err != nil {
		return nil, false, err
	}

	d, ok, err := ch.Get(queue, false)
	if err != nil {
		return nil, false, fmt.Errorf("rabbitmq transport: reading %s: %w", queue, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &deliveryAdapter{d: d}, true, nil
}

func (i *inspectorAdapter) Purge(ctx context.Context, queue string) (int, error) {
	ch, err := i.manager.Channel(ctx, "monitor")
	if err != nil {
		return 0, err
	}

	n, err := ch.QueuePurge(queue, false)
	if err != nil {
		return 0, fmt.Errorf("rabbitmq transport: purging %s: %w", queue, err)
	}
	return n, nil
}
