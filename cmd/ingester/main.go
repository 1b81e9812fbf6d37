// The ingester polls the public feeds and publishes normalized envelopes to
// the events exchange. Carbon feeds need no credentials; the weather source
// only starts when FEED_WEATHER_API_KEY is set. A publish buffer keeps poll
// cycles on schedule through broker outages and flushes on reconnect.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/glimte/gridfeed-go/health"
	"github.com/glimte/gridfeed-go/ingest"
	"github.com/glimte/gridfeed-go/internal/config"
	"github.com/glimte/gridfeed-go/internal/observability"
	rmq "github.com/glimte/gridfeed-go/internal/rabbitmq"
	"github.com/glimte/gridfeed-go/messaging"
	"github.com/glimte/gridfeed-go/transports/rabbitmq"
)

var version = "dev"

// Config is the ingester's environment surface.
type Config struct {
	Logging config.Logging
	Broker  config.Broker
	Metrics config.Metrics
	Ingest  config.Ingest
}

func (c Config) validate() error {
	return errors.Join(
		c.Logging.Validate(),
		c.Broker.Validate(),
		c.Metrics.Validate(),
		c.Ingest.Validate(),
	)
}

func main() {
	if err := run(); err != nil {
		slog.Error("ingester exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	logger := cfg.Logging.NewLogger().With("service", "ingester")
	slog.SetDefault(logger)
	logger.Info("starting ingester", "version", version)

	obs, err := observability.New("ingester")
	if err != nil {
		return fmt.Errorf("setting up observability: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(ctx)
	}()

	metrics, err := observability.NewMetrics(obs.Meter())
	if err != nil {
		return fmt.Errorf("creating instruments: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport := rabbitmq.NewTransport(cfg.Broker.URL,
		rabbitmq.WithLogger(logger),
		rabbitmq.WithConnectionOptions(
			rmq.WithDialTimeout(cfg.Broker.DialTimeout),
			rmq.WithReconnectDelay(cfg.Broker.ReconnectDelay),
			rmq.WithMaxReconnectDelay(cfg.Broker.MaxReconnectDelay),
			rmq.WithMaxAttempts(cfg.Broker.MaxAttempts),
		),
		rabbitmq.WithPublisherOptions(rmq.WithConfirms(cfg.Broker.Confirms)),
	)
	defer transport.Close()

	publisher := messaging.NewBufferedPublisher(transport.Publisher(),
		messaging.WithBufferCapacity(cfg.Ingest.BufferCapacity),
		messaging.WithBufferLogger(logger))
	defer publisher.Close()

	// Flush the parked backlog as soon as the connection comes back.
	transport.OnReconnect(func() {
		if _, err := publisher.Flush(context.Background()); err != nil {
			logger.Warn("backlog flush after reconnect failed", "error", err)
		}
	})
	if err := observability.RegisterBufferObservers(obs.Meter(), publisher.Pending, publisher.Dropped); err != nil {
		return fmt.Errorf("registering buffer instruments: %w", err)
	}

	if err := transport.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	if err := transport.DeclareTopology(ctx, messaging.FeedTopology()); err != nil {
		return fmt.Errorf("declaring topology: %w", err)
	}

	sources, err := buildSources(cfg.Ingest, logger)
	if err != nil {
		return err
	}

	engine, err := ingest.NewEngine(publisher, sources,
		ingest.WithLogger(logger),
		ingest.WithMetrics(metrics),
		ingest.WithBackoffDelays(cfg.Ingest.BackoffBase, cfg.Ingest.BackoffMax),
		ingest.WithRateLimitCooldown(cfg.Ingest.RateLimitCooldown))
	if err != nil {
		return fmt.Errorf("building ingest engine: %w", err)
	}

	registry := newHealthRegistry(transport, publisher)
	server := serveMetrics(cfg.Metrics.Addr, obs, registry, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("ingestion engine running", "sources", len(sources))
	if err := engine.Run(ctx); err != nil {
		return fmt.Errorf("ingestion engine: %w", err)
	}

	logger.Info("ingester shut down cleanly")
	return nil
}

// buildSources assembles the configured feed sources. The two carbon feeds
// share one client so the politeness limit covers the API host, not each
// endpoint separately.
func buildSources(cfg config.Ingest, logger *slog.Logger) ([]ingest.Source, error) {
	carbonClient := ingest.NewClient("carbon", ingest.WithClientLogger(logger))
	sources := []ingest.Source{
		ingest.NewCarbonIntensitySource(carbonClient, ingest.WithCarbonInterval(cfg.CarbonInterval)),
		ingest.NewGenerationMixSource(carbonClient, ingest.WithCarbonInterval(cfg.CarbonInterval)),
	}

	if !cfg.WeatherEnabled() {
		logger.Info("weather source disabled, no api key configured")
		return sources, nil
	}

	weatherClient := ingest.NewClient("weather", ingest.WithClientLogger(logger))
	weather, err := ingest.NewWeatherSource(weatherClient, cfg.WeatherAPIKey, cfg.WeatherLat, cfg.WeatherLon,
		ingest.WithWeatherInterval(cfg.WeatherInterval))
	if err != nil {
		return nil, fmt.Errorf("building weather source: %w", err)
	}
	return append(sources, weather), nil
}

func newHealthRegistry(transport *rabbitmq.Transport, publisher *messaging.BufferedPublisher) *health.Registry {
	registry := health.NewRegistry()
	registry.SetMetadata("service", "ingester")
	registry.SetMetadata("version", version)
	registry.Register(health.NewBrokerChecker(transport))
	registry.Register(health.NewRuntimeChecker(0, 0))
	registry.Register(health.NewCheckerFunc("publish-buffer", func(ctx context.Context) health.CheckResult {
		result := health.CheckResult{
			Name:      "publish-buffer",
			Timestamp: time.Now(),
			Details: map[string]interface{}{
				"pending": publisher.Pending(),
				"dropped": publisher.Dropped(),
			},
		}
		if pending := publisher.Pending(); pending > 0 {
			result.Status = health.StatusDegraded
			result.Message = fmt.Sprintf("%d envelopes parked awaiting broker recovery", pending)
			return result
		}
		result.Status = health.StatusHealthy
		result.Message = "buffer empty"
		return result
	}))
	return registry
}

func serveMetrics(addr string, obs *observability.Module, registry *health.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.MetricsHandler())
	mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))
	mux.HandleFunc("/readyz", health.ReadinessHandler(registry))
	mux.HandleFunc("/livez", health.LivenessHandler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return server
}
