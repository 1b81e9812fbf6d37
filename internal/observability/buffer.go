package observability

import (
	"context"

	otelmetric "go.opentelemetry.io/otel/metric"
)

// RegisterBufferObservers exposes the publish buffer's state as observable
// instruments: a gauge for the parked backlog and a counter for envelopes
// discarded by drop-oldest. The callbacks run at collection time, so the
// values are always current without a polling goroutine.
func RegisterBufferObservers(meter otelmetric.Meter, pending func() int, dropped func() uint64) error {
	_, err := meter.Int64ObservableGauge(
		"feed.publish.backlog",
		otelmetric.WithDescription("Envelopes parked awaiting broker recovery"),
		otelmetric.WithInt64Callback(func(_ context.Context, o otelmetric.Int64Observer) error {
			o.Observe(int64(pending()))
			return nil
		}),
	)
	if err != nil {
		return err
	}

	_, err = meter.Int64ObservableCounter(
		"feed.publish.dropped",
		otelmetric.WithDescription("Envelopes discarded oldest-first on buffer overflow"),
		otelmetric.WithInt64Callback(func(_ context.Context, o otelmetric.Int64Observer) error {
			o.Observe(int64(dropped()))
			return nil
		}),
	)
	return err
}
