// Package gridfeed ties the feed pipeline together for embedders: one client
// that dials the broker, declares the feed topology, and hands out the
// publisher, subscriber, and inspector the engines run on.
//
// The long-running binaries under cmd/ wire these pieces individually for
// finer control; the client is the short path for tests, demos, and services
// that embed a producer or consumer.
package gridfeed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/gridfeed-go/messaging"
	"github.com/glimte/gridfeed-go/transports/rabbitmq"
)

// Client is the assembled entry point. Publishing goes through a buffer, so
// broker outages park envelopes instead of failing the caller; the backlog
// flushes automatically on reconnect.
type Client struct {
	transport messaging.Transport
	publisher *messaging.BufferedPublisher
	logger    *slog.Logger
}

type clientConfig struct {
	logger         *slog.Logger
	transport      messaging.Transport
	bufferCapacity int
}

// Option configures a Client.
type Option func(*clientConfig)

// WithLogger sets the logger for every assembled component.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithTransport replaces the default broker transport. Tests hand in
// transports/inmemory and run the full pipeline without a broker.
func WithTransport(transport messaging.Transport) Option {
	return func(cfg *clientConfig) {
		cfg.transport = transport
	}
}

// WithBufferCapacity bounds the publish buffer.
func WithBufferCapacity(capacity int) Option {
	return func(cfg *clientConfig) {
		if capacity > 0 {
			cfg.bufferCapacity = capacity
		}
	}
}

// NewClient assembles a client for the given broker URL. Nothing is dialed
// until Connect.
func NewClient(url string, options ...Option) *Client {
	cfg := &clientConfig{
		logger:         slog.Default(),
		bufferCapacity: messaging.DefaultBufferCapacity,
	}
	for _, opt := range options {
		opt(cfg)
	}

	transport := cfg.transport
	if transport == nil {
		transport = rabbitmq.NewTransport(url, rabbitmq.WithLogger(cfg.logger))
	}

	publisher := messaging.NewBufferedPublisher(transport.Publisher(),
		messaging.WithBufferCapacity(cfg.bufferCapacity),
		messaging.WithBufferLogger(cfg.logger))

	transport.OnReconnect(func() {
		if _, err := publisher.Flush(context.Background()); err != nil {
			cfg.logger.Warn("backlog flush after reconnect failed", "error", err)
		}
	})

	return &Client{
		transport: transport,
		publisher: publisher,
		logger:    cfg.logger,
	}
}

// Connect dials the broker and declares the feed topology. Safe to call on
// an already connected client.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("gridfeed: connecting broker: %w", err)
	}
	if err := c.transport.DeclareTopology(ctx, messaging.FeedTopology()); err != nil {
		return fmt.Errorf("gridfeed: declaring topology: %w", err)
	}
	return nil
}

// Publisher returns the buffered envelope publisher.
func (c *Client) Publisher() *messaging.BufferedPublisher {
	return c.publisher
}

// Subscriber returns the transport's subscriber.
func (c *Client) Subscriber() messaging.Subscriber {
	return c.transport.Subscriber()
}

// Inspector returns the transport's passive queue inspector.
func (c *Client) Inspector() messaging.Inspector {
	return c.transport.Inspector()
}

// Transport returns the underlying transport.
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Close stops the publisher and tears down the transport. A parked backlog
// is discarded and logged.
func (c *Client) Close() error {
	err := c.publisher.Close()
	if cerr := c.transport.Close(); err == nil {
		err = cerr
	}
	return err
}
