package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeSpec declares an exchange.
type ExchangeSpec struct {
	Name       string
	Kind       string // "topic", "fanout", "direct", "headers"
	Durable    bool
	AutoDelete bool
	Internal   bool
	Args       amqp.Table
}

// QueueSpec declares a queue. Args carries broker extensions such as
// x-dead-letter-exchange.
type QueueSpec struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
}

// BindingSpec binds a queue to an exchange under a routing pattern.
// Fanout exchanges ignore the pattern.
type BindingSpec struct {
	Queue    string
	Exchange string
	Pattern  string
	Args     amqp.Table
}

// Topology is the full set of broker resources an application needs.
// Declaration is idempotent as long as the specs match what the broker
// already holds; a mismatched redeclaration surfaces the broker's
// precondition error instead of silently diverging.
type Topology struct {
	Exchanges []ExchangeSpec
	Queues    []QueueSpec
	Bindings  []BindingSpec
}

var validExchangeKinds = map[string]bool{
	"topic":   true,
	"fanout":  true,
	"direct":  true,
	"headers": true,
}

// Validate checks the topology for internal consistency before any broker
// round trip. Bindings must reference resources declared in the same
// topology so typos fail at startup, not at first delivery.
func (t Topology) Validate() error {
	exchanges := make(map[string]bool, len(t.Exchanges))
	for _, e := range t.Exchanges {
		if e.Name == "" {
			return &TopologyError{Component: "exchange", Op: "validate",
				Err: fmt.Errorf("%w: exchange name is empty", ErrInvalidTopology), Timestamp: time.Now()}
		}
		if !validExchangeKinds[e.Kind] {
			return &TopologyError{Component: "exchange", Name: e.Name, Op: "validate",
				Err: fmt.Errorf("%w: unknown exchange kind %q", ErrInvalidTopology, e.Kind), Timestamp: time.Now()}
		}
		if exchanges[e.Name] {
			return &TopologyError{Component: "exchange", Name: e.Name, Op: "validate",
				Err: fmt.Errorf("%w: exchange declared twice", ErrInvalidTopology), Timestamp: time.Now()}
		}
		exchanges[e.Name] = true
	}

	queues := make(map[string]bool, len(t.Queues))
	for _, q := range t.Queues {
		if q.Name == "" {
			return &TopologyError{Component: "queue", Op: "validate",
				Err: fmt.Errorf("%w: queue name is empty", ErrInvalidTopology), Timestamp: time.Now()}
		}
		if queues[q.Name] {
			return &TopologyError{Component: "queue", Name: q.Name, Op: "validate",
				Err: fmt.Errorf("%w: queue declared twice", ErrInvalidTopology), Timestamp: time.Now()}
		}
		queues[q.Name] = true
	}

	for _, b := range t.Bindings {
		if !queues[b.Queue] {
			return &TopologyError{Component: "binding", Name: b.Queue, Op: "validate",
				Err: fmt.Errorf("%w: binding references undeclared queue %q", ErrInvalidTopology, b.Queue), Timestamp: time.Now()}
		}
		if !exchanges[b.Exchange] {
			return &TopologyError{Component: "binding", Name: b.Exchange, Op: "validate",
				Err: fmt.Errorf("%w: binding references undeclared exchange %q", ErrInvalidTopology, b.Exchange), Timestamp: time.Now()}
		}
	}

	return nil
}

// TopologyManager declares topologies over the manager's "topology" role
// channel.
type TopologyManager struct {
	manager *ConnectionManager
	logger  *slog.Logger
}

// TopologyOption configures the TopologyManager
type TopologyOption func(*TopologyManager)

// WithTopologyLogger sets the logger
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		tm.logger = logger
	}
}

// NewTopologyManager creates a topology manager on the shared connection.
func NewTopologyManager(manager *ConnectionManager, options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		manager: manager,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(tm)
	}

	return tm
}

// Declare validates and then declares the topology: exchanges first, queues
// second, bindings last, so every binding's endpoints exist when it is made.
func (tm *TopologyManager) Declare(ctx context.Context, t Topology) error {
	if err := t.Validate(); err != nil {
		return err
	}

	ch, err := tm.manager.Channel(ctx, "topology")
	if err != nil {
		return err
	}

	for _, e := range t.Exchanges {
		if err := ch.ExchangeDeclare(e.Name, e.Kind, e.Durable, e.AutoDelete, e.Internal, false, e.Args); err != nil {
			return &TopologyError{Component: "exchange", Name: e.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
		tm.logger.Debug("exchange declared", "name", e.Name, "kind", e.Kind, "durable", e.Durable)
	}

	for _, q := range t.Queues {
		if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Args); err != nil {
			return &TopologyError{Component: "queue", Name: q.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
		tm.logger.Debug("queue declared", "name", q.Name, "durable", q.Durable)
	}

	for _, b := range t.Bindings {
		if err := ch.QueueBind(b.Queue, b.Pattern, b.Exchange, false, b.Args); err != nil {
			return &TopologyError{Component: "binding", Name: b.Queue, Op: "bind", Err: err, Timestamp: time.Now()}
		}
		tm.logger.Debug("queue bound", "queue", b.Queue, "exchange", b.Exchange, "pattern", b.Pattern)
	}

	tm.logger.Info("topology declared",
		"exchanges", len(t.Exchanges),
		"queues", len(t.Queues),
		"bindings", len(t.Bindings))

	return nil
}
