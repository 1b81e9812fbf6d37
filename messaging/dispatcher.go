package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/gridfeed-go/contracts"
	"github.com/glimte/gridfeed-go/internal/reliability"
)

// Handler processes one decoded envelope. The payload is already the
// concrete type for the envelope's kind; handlers type-switch or assert.
type Handler interface {
	Handle(ctx context.Context, env *contracts.Envelope, payload contracts.Payload) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, env *contracts.Envelope, payload contracts.Payload) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, env *contracts.Envelope, payload contracts.Payload) error {
	return f(ctx, env, payload)
}

// Middleware wraps handler execution for cross-cutting concerns.
type Middleware func(ctx context.Context, env *contracts.Envelope, payload contracts.Payload, next Handler) error

// Dispatcher routes envelopes to the handler registered for their kind.
//
// Dispatch failures carry retry classification: unknown kinds, undecodable
// payloads, and handler panics are permanent (no redelivery can fix them);
// handler errors keep whatever classification the handler gave them, with
// unmarked errors defaulting to transient.
type Dispatcher struct {
	mu         sync.RWMutex
	handlers   map[string]Handler
	middleware []Middleware
	logger     *slog.Logger
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMiddleware appends middleware, outermost first.
func WithMiddleware(middleware ...Middleware) DispatcherOption {
	return func(d *Dispatcher) {
		d.middleware = append(d.middleware, middleware...)
	}
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Register binds a handler to a payload kind. One handler per kind.
func (d *Dispatcher) Register(kind string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("messaging: handler for %q is nil", kind)
	}
	if !contracts.ValidEventType(kind) {
		return fmt.Errorf("messaging: %q is not a valid payload kind", kind)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[kind]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, kind)
	}
	d.handlers[kind] = handler

	d.logger.Debug("handler registered", "kind", kind)
	return nil
}

// RegisterFunc binds a function handler to a payload kind.
func (d *Dispatcher) RegisterFunc(kind string, handler HandlerFunc) error {
	return d.Register(kind, handler)
}

// Kinds lists the registered payload kinds.
func (d *Dispatcher) Kinds() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	kinds := make([]string, 0, len(d.handlers))
	for kind := range d.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Dispatch decodes the envelope's payload and runs the registered handler
// through the middleware chain. A panic anywhere in the chain is caught and
// returned as a permanent failure; the message boundary never propagates
// panics into the delivery loop.
func (d *Dispatcher) Dispatch(ctx context.Context, env *contracts.Envelope) (err error) {
	if env == nil {
		return reliability.Permanent(ErrNilEnvelope)
	}

	d.mu.RLock()
	handler, ok := d.handlers[env.Type]
	d.mu.RUnlock()

	if !ok {
		return reliability.Permanent(fmt.Errorf("%w: %s", ErrNoHandler, env.Type))
	}

	payload, decodeErr := contracts.DecodePayload(env.Type, env.Data)
	if decodeErr != nil {
		return reliability.Permanent(fmt.Errorf("messaging: decoding %s payload: %w", env.Type, decodeErr))
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				"kind", env.Type,
				"envelopeId", env.ID,
				"panic", r)
			err = reliability.Permanent(fmt.Errorf("messaging: handler panic for %s: %v", env.Type, r))
		}
	}()

	return d.chain(handler).Handle(ctx, env, payload)
}

// chain builds the middleware execution chain, outermost middleware first.
func (d *Dispatcher) chain(handler Handler) Handler {
	result := handler
	for i := len(d.middleware) - 1; i >= 0; i-- {
		mw := d.middleware[i]
		next := result
		result = HandlerFunc(func(ctx context.Context, env *contracts.Envelope, payload contracts.Payload) error {
			return mw(ctx, env, payload, next)
		})
	}
	return result
}
