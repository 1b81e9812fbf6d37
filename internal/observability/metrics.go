package observability

import (
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments shared by the ingestion and consumption
// engines. Instruments are created once and passed to the components that
// record on them.
type Metrics struct {
	// Ingestion
	FetchTotal      otelmetric.Int64Counter
	Published       otelmetric.Int64Counter
	PublishFailures otelmetric.Int64Counter

	// Consumption
	Consumed       otelmetric.Int64Counter
	Duplicates     otelmetric.Int64Counter
	Retried        otelmetric.Int64Counter
	DeadLettered   otelmetric.Int64Counter
	HandleDuration otelmetric.Float64Histogram

	// DLQ health, recorded by the queue watcher
	DLQDepth otelmetric.Int64Gauge
}

// NewMetrics creates all gridfeed instruments from the given meter.
func NewMetrics(meter otelmetric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	m.FetchTotal, err = meter.Int64Counter(
		"feed.fetch.total",
		otelmetric.WithDescription("Source fetch attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.Published, err = meter.Int64Counter(
		"feed.published",
		otelmetric.WithDescription("Envelopes handed to the publisher"),
	)
	if err != nil {
		return nil, err
	}

	m.PublishFailures, err = meter.Int64Counter(
		"feed.publish.failures",
		otelmetric.WithDescription("Envelopes that could not be handed to the publisher"),
	)
	if err != nil {
		return nil, err
	}

	m.Consumed, err = meter.Int64Counter(
		"feed.consumed",
		otelmetric.WithDescription("Deliveries processed to completion"),
	)
	if err != nil {
		return nil, err
	}

	m.Duplicates, err = meter.Int64Counter(
		"feed.consume.duplicates",
		otelmetric.WithDescription("Deliveries acked as duplicates within the dedup window"),
	)
	if err != nil {
		return nil, err
	}

	m.Retried, err = meter.Int64Counter(
		"feed.consume.retried",
		otelmetric.WithDescription("Deliveries republished with an incremented retry counter"),
	)
	if err != nil {
		return nil, err
	}

	m.DeadLettered, err = meter.Int64Counter(
		"feed.consume.deadlettered",
		otelmetric.WithDescription("Deliveries rejected to the dead letter queue"),
	)
	if err != nil {
		return nil, err
	}

	m.HandleDuration, err = meter.Float64Histogram(
		"feed.consume.duration",
		otelmetric.WithUnit("ms"),
		otelmetric.WithDescription("Handler execution time in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	m.DLQDepth, err = meter.Int64Gauge(
		"feed.dlq.depth",
		otelmetric.WithDescription("Dead letter queue message depth"),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}
