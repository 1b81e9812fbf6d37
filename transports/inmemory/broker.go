package inmemory

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/gridfeed-go/messaging"
)

var (
	ErrBrokerClosed     = errors.New("inmemory: broker is closed")
	ErrUnknownExchange  = errors.New("inmemory: unknown exchange")
	ErrUnknownQueue     = errors.New("inmemory: unknown queue")
	ErrAlreadySettled   = errors.New("inmemory: delivery already settled")
	ErrTopologyConflict = errors.New("inmemory: conflicting redeclaration")
)

const defaultPrefetch = 10

// message is one queued message instance. Queues never share instances:
// routing hands each queue its own copy so settlement stays independent.
type message struct {
	id          string
	appID       string
	timestamp   time.Time
	exchange    string
	routingKey  string
	body        []byte
	headers     map[string]interface{}
	redelivered bool
}

func (m *message) clone() *message {
	cp := *m
	cp.headers = make(map[string]interface{}, len(m.headers))
	for k, v := range m.headers {
		cp.headers[k] = v
	}
	return &cp
}

type exchange struct {
	name     string
	kind     string // "topic" or "fanout"
	bindings []binding
}

type binding struct {
	queue   string
	pattern string
}

type queue struct {
	name   string
	dlx    string // dead-letter exchange, "" = drop on reject
	ready  []*message
	subs   []*subscription
	cursor int // round-robin position
}

// nextEligible picks the next subscription with prefetch headroom, round
// robin from the cursor, so a backlog spreads across consumers.
func (q *queue) nextEligible() *subscription {
	n := len(q.subs)
	for i := 0; i < n; i++ {
		s := q.subs[(q.cursor+i)%n]
		if !s.cancelled && s.inflight < s.prefetch {
			q.cursor = (q.cursor + i + 1) % n
			return s
		}
	}
	return nil
}

func (q *queue) removeSub(target *subscription) {
	for i, s := range q.subs {
		if s == target {
			q.subs = append(q.subs[:i], q.subs[i+1:]...)
			if q.cursor >= len(q.subs) {
				q.cursor = 0
			}
			return
		}
	}
}

// broker is an in-process AMQP-shaped message broker: topic and fanout
// exchanges, bound queues, prefetch-metered subscriptions, and dead
// lettering with an emulated x-death header. One mutex guards all state;
// handlers run outside it on pump goroutines, so settling a delivery from
// inside a handler never deadlocks.
type broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	defaultEx string
	tagSeq    int
	closed    bool
}

func newBroker() *broker {
	return &broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		defaultEx: messaging.EventsExchange,
	}
}

// declareTopology mirrors the broker-side layout: topic events exchange,
// fanout DLX, queues with their dead-letter exchange recorded, DLQ bound to
// the DLX. Redeclaration merges; a kind conflict errors.
func (b *broker) declareTopology(topo messaging.Topology) error {
	if err := topo.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}

	if err := b.ensureExchangeLocked(topo.Exchange, "topic"); err != nil {
		return err
	}
	if err := b.ensureExchangeLocked(topo.DeadLetterExchange, "fanout"); err != nil {
		return err
	}

	// The DLQ has no onward dead-letter target; rejects there stop.
	b.ensureQueueLocked(topo.DeadLetterQueue, "")
	b.ensureBindingLocked(topo.DeadLetterExchange, topo.DeadLetterQueue, "")

	for _, q := range topo.Queues {
		b.ensureQueueLocked(q.Name, topo.DeadLetterExchange)
		for _, pattern := range q.Patterns {
			b.ensureBindingLocked(topo.Exchange, q.Name, pattern)
		}
	}

	b.defaultEx = topo.Exchange
	return nil
}

func (b *broker) ensureExchangeLocked(name, kind string) error {
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			return fmt.Errorf("%w: exchange %s is %s, not %s", ErrTopologyConflict, name, ex.kind, kind)
		}
		return nil
	}
	b.exchanges[name] = &exchange{name: name, kind: kind}
	return nil
}

func (b *broker) ensureQueueLocked(name, dlx string) {
	if q, ok := b.queues[name]; ok {
		q.dlx = dlx
		return
	}
	b.queues[name] = &queue{name: name, dlx: dlx}
}

func (b *broker) ensureBindingLocked(exchangeName, queueName, pattern string) {
	ex := b.exchanges[exchangeName]
	for _, bind := range ex.bindings {
		if bind.queue == queueName && bind.pattern == pattern {
			return
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: queueName, pattern: pattern})
}

// publish routes through an exchange. A key matching no binding drops the
// message, as a non-mandatory publish does.
func (b *broker) publish(exchangeName, key string, msg *message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExchange, exchangeName)
	}

	msg.exchange = exchangeName
	msg.routingKey = key
	b.routeLocked(ex, msg)
	return nil
}

// publishToQueue emulates default-exchange routing straight to one queue.
func (b *broker) publishToQueue(queueName string, msg *message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}

	q, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}

	msg.routingKey = queueName
	b.enqueueLocked(q, msg)
	return nil
}

func (b *broker) routeLocked(ex *exchange, msg *message) {
	for _, bind := range ex.bindings {
		if ex.kind == "fanout" || TopicMatch(bind.pattern, msg.routingKey) {
			if q, ok := b.queues[bind.queue]; ok {
				b.enqueueLocked(q, msg.clone())
			}
		}
	}
}

func (b *broker) enqueueLocked(q *queue, msg *message) {
	q.ready = append(q.ready, msg)
	b.dispatchLocked(q)
}

// dispatchLocked assigns ready messages to subscriptions with headroom.
func (b *broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 {
		sub := q.nextEligible()
		if sub == nil {
			return
		}
		msg := q.ready[0]
		q.ready = q.ready[1:]
		sub.inflight++
		sub.assigned = append(sub.assigned, msg)
		sub.nudge()
	}
}

// deadLetterLocked forwards a rejected message through the queue's DLX with
// the x-death header amended the way the real broker does.
func (b *broker) deadLetterLocked(queueName string, msg *message) {
	q, ok := b.queues[queueName]
	if !ok || q.dlx == "" {
		return
	}
	ex, ok := b.exchanges[q.dlx]
	if !ok {
		return
	}

	dead := msg.clone()
	dead.headers = amendDeath(dead.headers, queueName, "rejected", msg.exchange, msg.routingKey)
	dead.exchange = q.dlx
	b.routeLocked(ex, dead)
}

func (b *broker) subscribe(queueName string, handler messaging.DeliveryHandler, opts messaging.SubscribeOptions) (*subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}

	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	tag := opts.ConsumerTag
	if tag == "" {
		b.tagSeq++
		tag = fmt.Sprintf("inmemory-%s-%d", queueName, b.tagSeq)
	}

	s := &subscription{
		broker:   b,
		queue:    queueName,
		tag:      tag,
		prefetch: prefetch,
		handler:  handler,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	q.subs = append(q.subs, s)
	b.dispatchLocked(q) // an existing backlog starts flowing immediately
	b.mu.Unlock()

	go s.pump()
	return s, nil
}

func (b *broker) get(queueName string) (*delivery, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false, ErrBrokerClosed
	}

	q, ok := b.queues[queueName]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	if len(q.ready) == 0 {
		return nil, false, nil
	}

	msg := q.ready[0]
	q.ready = q.ready[1:]
	return &delivery{broker: b, queue: queueName, msg: msg}, true, nil
}

func (b *broker) inspect(queueName string) (messaging.QueueInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return messaging.QueueInfo{}, ErrBrokerClosed
	}

	q, ok := b.queues[queueName]
	if !ok {
		return messaging.QueueInfo{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	return messaging.QueueInfo{Name: queueName, Depth: len(q.ready), Consumers: len(q.subs)}, nil
}

func (b *broker) purge(queueName string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrBrokerClosed
	}

	q, ok := b.queues[queueName]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	n := len(q.ready)
	q.ready = nil
	return n, nil
}

func (b *broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *broker) eventsExchange() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.defaultEx
}

// close stops all subscriptions. Undelivered assignments are dropped; the
// pumps drain and exit.
func (b *broker) close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		for _, s := range q.subs {
			s.cancelled = true
			s.assigned = nil
			s.nudge()
		}
		q.subs = nil
	}
	b.mu.Unlock()
	return nil
}

// subscription is one consume stream; its pump goroutine hands assigned
// messages to the handler outside the broker lock.
type subscription struct {
	broker   *broker
	queue    string
	tag      string
	prefetch int
	handler  messaging.DeliveryHandler
	notify   chan struct{}
	done     chan struct{}

	// guarded by broker.mu
	assigned  []*message
	inflight  int
	cancelled bool
}

func (s *subscription) nudge() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) pump() {
	for {
		s.broker.mu.Lock()
		if len(s.assigned) == 0 {
			if s.cancelled {
				s.broker.mu.Unlock()
				close(s.done)
				return
			}
			s.broker.mu.Unlock()
			<-s.notify
			continue
		}
		msg := s.assigned[0]
		s.assigned = s.assigned[1:]
		s.broker.mu.Unlock()

		s.handler(&delivery{broker: s.broker, sub: s, queue: s.queue, msg: msg})
	}
}

// Queue implements messaging.Subscription
func (s *subscription) Queue() string { return s.queue }

// Cancel implements messaging.Subscription. Already-assigned messages still
// reach the handler before Done closes.
func (s *subscription) Cancel() error {
	s.broker.mu.Lock()
	if s.cancelled {
		s.broker.mu.Unlock()
		return nil
	}
	s.cancelled = true
	if q, ok := s.broker.queues[s.queue]; ok {
		q.removeSub(s)
	}
	s.broker.mu.Unlock()

	s.nudge()
	return nil
}

// Done implements messaging.Subscription
func (s *subscription) Done() <-chan struct{} { return s.done }

// Err implements messaging.Subscription; the in-memory stream never breaks.
func (s *subscription) Err() error { return nil }

// delivery is one message awaiting settlement.
type delivery struct {
	broker *broker
	sub    *subscription // nil for Get-based reads
	queue  string
	msg    *message

	// guarded by broker.mu
	settled bool
}

func (d *delivery) MessageID() string  { return d.msg.id }
func (d *delivery) RoutingKey() string { return d.msg.routingKey }
func (d *delivery) Body() []byte       { return d.msg.body }
func (d *delivery) Redelivered() bool  { return d.msg.redelivered }

func (d *delivery) Headers() map[string]interface{} {
	out := make(map[string]interface{}, len(d.msg.headers))
	for k, v := range d.msg.headers {
		out[k] = v
	}
	return out
}

func (d *delivery) Ack() error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	if d.settled {
		return ErrAlreadySettled
	}
	d.settled = true
	d.finishLocked()
	return nil
}

func (d *delivery) Nack(requeue bool) error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	if d.settled {
		return ErrAlreadySettled
	}
	d.settled = true

	if requeue {
		d.msg.redelivered = true
		if q, ok := d.broker.queues[d.queue]; ok {
			q.ready = append([]*message{d.msg}, q.ready...)
		}
	} else {
		d.broker.deadLetterLocked(d.queue, d.msg)
	}

	d.finishLocked()
	return nil
}

func (d *delivery) Reject() error { return d.Nack(false) }

// finishLocked releases the prefetch slot and lets the queue hand out more.
func (d *delivery) finishLocked() {
	if d.sub == nil {
		return
	}
	d.sub.inflight--
	if q, ok := d.broker.queues[d.queue]; ok {
		d.broker.dispatchLocked(q)
	}
}

// amendDeath emulates the broker's x-death bookkeeping: the entry for this
// queue and reason moves to the front with its count incremented, or a fresh
// entry is prepended; first-death headers are set once.
func amendDeath(headers map[string]interface{}, queueName, reason, sourceExchange, routingKey string) map[string]interface{} {
	out := make(map[string]interface{}, len(headers)+4)
	for k, v := range headers {
		out[k] = v
	}

	var entries []interface{}
	if prev, ok := out["x-death"].([]interface{}); ok {
		entries = make([]interface{}, 0, len(prev))
		for _, e := range prev {
			if m, ok := e.(map[string]interface{}); ok {
				cp := make(map[string]interface{}, len(m))
				for k, v := range m {
					cp[k] = v
				}
				entries = append(entries, cp)
			} else {
				entries = append(entries, e)
			}
		}
	}

	amended := false
	for i, e := range entries {
		m, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if m["queue"] == queueName && m["reason"] == reason {
			count, _ := m["count"].(int64)
			m["count"] = count + 1
			m["time"] = time.Now()
			entries = append(entries[:i], entries[i+1:]...)
			entries = append([]interface{}{m}, entries...)
			amended = true
			break
		}
	}
	if !amended {
		entries = append([]interface{}{map[string]interface{}{
			"queue":        queueName,
			"reason":       reason,
			"count":        int64(1),
			"time":         time.Now(),
			"exchange":     sourceExchange,
			"routing-keys": []interface{}{routingKey},
		}}, entries...)
	}
	out["x-death"] = entries

	if _, ok := out["x-first-death-queue"]; !ok {
		out["x-first-death-queue"] = queueName
		out["x-first-death-reason"] = reason
		out["x-first-death-exchange"] = sourceExchange
	}
	return out
}
