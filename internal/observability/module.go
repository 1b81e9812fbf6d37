// Package observability wires OpenTelemetry metrics with a Prometheus
// exporter for the gridfeed processes. Engines create their instruments from
// the global meter, so a process that never constructs a Module runs with
// no-op instruments and zero overhead.
package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// ScopeName is the instrumentation scope for all gridfeed instruments.
const ScopeName = "gridfeed"

// Module owns the MeterProvider backing the process's metrics endpoint.
type Module struct {
	provider *sdkmetric.MeterProvider
	meter    otelmetric.Meter
}

// New configures a Prometheus exporter as the metric reader, installs the
// provider as the global one, and returns the module. serviceName becomes
// the meter scope.
func New(serviceName string) (*Module, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	return &Module{
		provider: provider,
		meter:    provider.Meter(serviceName),
	}, nil
}

// Shutdown flushes and stops the provider.
func (m *Module) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// MetricsHandler serves the Prometheus exposition format; mount at /metrics.
func (m *Module) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Meter returns the module's meter for creating instruments.
func (m *Module) Meter() otelmetric.Meter {
	return m.meter
}
