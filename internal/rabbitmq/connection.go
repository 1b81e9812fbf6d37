package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/gridfeed-go/internal/reliability"
)

// Connection manager defaults.
const (
	DefaultDialTimeout       = 10 * time.Second
	DefaultReconnectDelay    = 1 * time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
	DefaultMaxAttempts       = 10
)

// State describes the connection manager lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connectAttempt is one dial conversation. Every caller that arrives while
// it is in flight suspends on done and receives the same result.
type connectAttempt struct {
	done chan struct{}
	conn *amqp.Connection
	err  error
}

// ConnectionManager owns the process's single broker connection and its
// per-role channels. Acquisition is idempotent: concurrent callers share one
// dial conversation instead of racing to open connections. Construct one per
// process and inject it; nothing here is a package-level singleton.
type ConnectionManager struct {
	url         string
	dialTimeout time.Duration
	backoff     *reliability.ExponentialBackoff
	logger      *slog.Logger

	mu       sync.Mutex
	state    State
	conn     *amqp.Connection
	attempt  *connectAttempt
	channels map[string]*amqp.Channel

	hooksMu        sync.RWMutex
	reconnectHooks []func()

	done chan struct{}
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithReconnectDelay sets the first retry delay of a dial conversation
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff.InitialInterval = delay
	}
}

// WithMaxReconnectDelay caps the retry delay
func WithMaxReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff.MaxInterval = delay
	}
}

// WithMaxAttempts bounds the attempts of one dial conversation
func WithMaxAttempts(attempts int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff.MaxAttempts = attempts
	}
}

// NewConnectionManager creates a connection manager for the given broker URL.
// Nothing is dialed until the first Connection or Channel call.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dialTimeout: DefaultDialTimeout,
		backoff: &reliability.ExponentialBackoff{
			InitialInterval: DefaultReconnectDelay,
			MaxInterval:     DefaultMaxReconnectDelay,
			Multiplier:      2.0,
			MaxAttempts:     DefaultMaxAttempts,
			Jitter:          true,
		},
		logger: slog.Default(),
		state:  StateDisconnected,
		done:   make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connection returns the live connection, dialing if necessary.
//
// Exactly one caller runs the bounded dial conversation; everyone else who
// arrives meanwhile suspends until that conversation resolves and shares its
// result. A failed conversation leaves the manager disconnected, so a later
// call starts a fresh one.
func (cm *ConnectionManager) Connection(ctx context.Context) (*amqp.Connection, error) {
	for {
		cm.mu.Lock()
		switch cm.state {
		case StateClosed:
			cm.mu.Unlock()
			return nil, ErrConnectionClosed

		case StateConnected:
			if cm.conn != nil && !cm.conn.IsClosed() {
				conn := cm.conn
				cm.mu.Unlock()
				return conn, nil
			}
			// The close notification has not landed yet; treat as down.
			cm.dropLocked()
			cm.mu.Unlock()

		case StateConnecting:
			att := cm.attempt
			cm.mu.Unlock()
			select {
			case <-att.done:
				if att.err != nil {
					return nil, att.err
				}
				return att.conn, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-cm.done:
				return nil, ErrConnectionClosed
			}

		default: // StateDisconnected: this caller becomes the dialer.
			att := &connectAttempt{done: make(chan struct{})}
			cm.attempt = att
			cm.state = StateConnecting
			cm.mu.Unlock()

			conn, err := cm.establish(ctx)
			err = cm.finish(conn, err)
			att.conn, att.err = conn, err
			close(att.done)

			if err != nil {
				return nil, err
			}
			cm.notifyReconnect()
			return conn, nil
		}
	}
}

// finish installs the conversation result under the lock.
func (cm *ConnectionManager) finish(conn *amqp.Connection, err error) error {
	cm.mu.Lock()
	cm.attempt = nil

	if cm.state == StateClosed {
		cm.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrConnectionClosed
	}

	if err != nil {
		cm.state = StateDisconnected
		cm.mu.Unlock()
		return err
	}

	cm.conn = conn
	cm.channels = make(map[string]*amqp.Channel)
	cm.state = StateConnected
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	cm.mu.Unlock()

	go cm.watch(conn, closeCh)
	return nil
}

// establish runs the bounded dial conversation:
// delay before attempt n+1 is min(initial * 2^(n-1), cap), jittered.
func (cm *ConnectionManager) establish(ctx context.Context) (*amqp.Connection, error) {
	start := time.Now()

	for attempt := 1; ; attempt++ {
		conn, err := cm.dial(ctx)
		if err == nil {
			cm.logger.Info("connected to broker",
				"url", SanitizeURL(cm.url),
				"attempts", attempt,
				"elapsed", time.Since(start).Round(time.Millisecond))
			return conn, nil
		}

		if attempt >= cm.backoff.MaxAttempts {
			return nil, &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(cm.url),
				Err:       fmt.Errorf("%w (last error: %v)", ErrMaxRetriesExceeded, err),
				Timestamp: time.Now(),
				Attempts:  attempt,
			}
		}

		delay := cm.backoff.NextDelay(attempt - 1)
		cm.logger.Warn("connection attempt failed",
			"url", SanitizeURL(cm.url),
			"attempt", attempt,
			"maxAttempts", cm.backoff.MaxAttempts,
			"retryIn", delay.Round(time.Millisecond),
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-cm.done:
			return nil, ErrConnectionClosed
		}
	}
}

// dial makes one connection attempt bounded by the dial timeout.
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	connChan := make(chan *amqp.Connection)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.Dial(cm.url)
		if err != nil {
			errChan <- err
			return
		}
		select {
		case connChan <- conn:
		case <-dialCtx.Done():
			// Nobody is waiting anymore; don't leak the socket.
			_ = conn.Close()
		}
	}()

	select {
	case conn := <-connChan:
		return conn, nil
	case err := <-errChan:
		return nil, err
	case <-dialCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// watch reacts to a broker-initiated close by marking the manager
// disconnected and starting an autonomous recovery conversation.
func (cm *ConnectionManager) watch(conn *amqp.Connection, closeCh <-chan *amqp.Error) {
	select {
	case amqpErr := <-closeCh:
		cm.mu.Lock()
		if cm.state == StateClosed || cm.conn != conn {
			cm.mu.Unlock()
			return
		}
		cm.dropLocked()
		cm.mu.Unlock()

		if amqpErr != nil {
			cm.logger.Error("connection lost", "error", amqpErr)
		} else {
			cm.logger.Warn("connection closed by peer")
		}

		go cm.reconnect()

	case <-cm.done:
	}
}

// reconnect joins (or starts) a dial conversation in the background so the
// connection heals without waiting for the next caller.
func (cm *ConnectionManager) reconnect() {
	if _, err := cm.Connection(context.Background()); err != nil {
		cm.logger.Error("background reconnect failed", "error", err)
	}
}

// dropLocked forgets the dead connection and its channels. Callers hold mu.
func (cm *ConnectionManager) dropLocked() {
	cm.conn = nil
	cm.channels = nil
	cm.state = StateDisconnected
}

// Channel returns the live channel for a logical role ("publish",
// "consume:<queue>", "topology", ...), opening it lazily. A channel-level
// error invalidates only that role's channel; the connection and the other
// roles stay up.
func (cm *ConnectionManager) Channel(ctx context.Context, role string) (*amqp.Channel, error) {
	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if cm.state == StateConnected && cm.channels != nil {
		if ch, ok := cm.channels[role]; ok && !ch.IsClosed() {
			cm.mu.Unlock()
			return ch, nil
		}
	}
	cm.mu.Unlock()

	conn, err := cm.Connection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Role: role, Err: err, Timestamp: time.Now()}
	}

	cm.mu.Lock()
	if cm.state != StateConnected || cm.conn != conn {
		cm.mu.Unlock()
		_ = ch.Close()
		return nil, ErrConnectionNotReady
	}
	if prev, ok := cm.channels[role]; ok && !prev.IsClosed() {
		// Another caller opened this role first; keep theirs.
		cm.mu.Unlock()
		_ = ch.Close()
		return prev, nil
	}
	cm.channels[role] = ch
	cm.mu.Unlock()

	go cm.watchChannel(role, ch, ch.NotifyClose(make(chan *amqp.Error, 1)))
	return ch, nil
}

// watchChannel forgets a role's channel when it dies so the next Channel
// call opens a fresh one.
func (cm *ConnectionManager) watchChannel(role string, ch *amqp.Channel, closeCh <-chan *amqp.Error) {
	select {
	case amqpErr := <-closeCh:
		cm.mu.Lock()
		if cm.channels != nil && cm.channels[role] == ch {
			delete(cm.channels, role)
		}
		cm.mu.Unlock()

		if amqpErr != nil {
			cm.logger.Warn("channel closed", "role", role, "error", amqpErr)
		}
	case <-cm.done:
	}
}

// OnReconnect registers a hook invoked after every successful connection
// establishment, the first included. Hooks run on their own goroutines.
func (cm *ConnectionManager) OnReconnect(hook func()) {
	cm.hooksMu.Lock()
	defer cm.hooksMu.Unlock()
	cm.reconnectHooks = append(cm.reconnectHooks, hook)
}

func (cm *ConnectionManager) notifyReconnect() {
	cm.hooksMu.RLock()
	defer cm.hooksMu.RUnlock()
	for _, hook := range cm.reconnectHooks {
		go hook()
	}
}

// State returns the current lifecycle state.
func (cm *ConnectionManager) State() State {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// IsConnected reports whether a live connection is established.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state == StateConnected && cm.conn != nil && !cm.conn.IsClosed()
}

// Close shuts the manager down for good. Close-time errors from the broker
// client are logged and swallowed: tearing down an already-broken connection
// is not a failure worth surfacing. Further acquisitions fail with
// ErrConnectionClosed.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		return nil
	}
	conn := cm.conn
	channels := cm.channels
	cm.conn = nil
	cm.channels = nil
	cm.state = StateClosed
	cm.mu.Unlock()

	close(cm.done)

	for role, ch := range channels {
		if err := ch.Close(); err != nil {
			cm.logger.Debug("channel close", "role", role, "error", err)
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			cm.logger.Debug("connection close", "error", err)
		}
	}

	cm.logger.Info("connection manager closed")
	return nil
}
