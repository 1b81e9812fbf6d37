package messaging

import (
	"errors"
	"fmt"
)

// Canonical pipeline names. Deployments can override them through config,
// but every process in one pipeline must agree on all of them.
const (
	EventsExchange     = "feed.events"
	DeadLetterExchange = "feed.dlx"
	DeadLetterQueue    = "feed.dead-letter"

	CarbonQueue   = "feed.carbon"
	WeatherQueue  = "feed.weather"
	FirehoseQueue = "feed.firehose"
)

var ErrInvalidTopology = errors.New("messaging: invalid topology")

// QueueTopology is one durable queue and the routing patterns that feed it.
// Pattern segments are dot-delimited; "*" matches exactly one segment, "#"
// matches zero or more.
type QueueTopology struct {
	Name     string
	Patterns []string
}

// Topology describes the pipeline layout in broker-neutral terms: one topic
// exchange for events, one fanout dead-letter exchange shared by every
// queue, and the dead-letter queue bound to it unfiltered.
type Topology struct {
	Exchange           string
	DeadLetterExchange string
	DeadLetterQueue    string
	Queues             []QueueTopology
}

// FeedTopology returns the canonical pipeline layout: carbon and weather
// queues filtered by type family, plus a firehose queue receiving every
// event.
func FeedTopology() Topology {
	return Topology{
		Exchange:           EventsExchange,
		DeadLetterExchange: DeadLetterExchange,
		DeadLetterQueue:    DeadLetterQueue,
		Queues: []QueueTopology{
			{Name: CarbonQueue, Patterns: []string{"feed.carbon.*"}},
			{Name: WeatherQueue, Patterns: []string{"feed.weather.*"}},
			{Name: FirehoseQueue, Patterns: []string{"feed.#"}},
		},
	}
}

// Validate checks the layout before any transport sees it.
func (t Topology) Validate() error {
	if t.Exchange == "" {
		return fmt.Errorf("%w: events exchange name is empty", ErrInvalidTopology)
	}
	if t.DeadLetterExchange == "" {
		return fmt.Errorf("%w: dead-letter exchange name is empty", ErrInvalidTopology)
	}
	if t.DeadLetterQueue == "" {
		return fmt.Errorf("%w: dead-letter queue name is empty", ErrInvalidTopology)
	}
	if t.Exchange == t.DeadLetterExchange {
		return fmt.Errorf("%w: events and dead-letter exchanges must differ", ErrInvalidTopology)
	}

	seen := make(map[string]bool, len(t.Queues)+1)
	seen[t.DeadLetterQueue] = true
	for _, q := range t.Queues {
		if q.Name == "" {
			return fmt.Errorf("%w: queue name is empty", ErrInvalidTopology)
		}
		if seen[q.Name] {
			return fmt.Errorf("%w: queue %q declared twice", ErrInvalidTopology, q.Name)
		}
		seen[q.Name] = true
		if len(q.Patterns) == 0 {
			return fmt.Errorf("%w: queue %q has no binding patterns", ErrInvalidTopology, q.Name)
		}
		for _, p := range q.Patterns {
			if p == "" {
				return fmt.Errorf("%w: queue %q has an empty binding pattern", ErrInvalidTopology, q.Name)
			}
		}
	}

	return nil
}
