// The consumer subscribes to the pattern-bound queues, dispatches envelopes
// to the feed handlers, and enforces the delivery guarantees: dedup inside
// the retention window, bounded retries through the republish counter, dead
// lettering for everything past help.
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

	"github.com/glimte/gridfeed-go/consume"
	"github.com/glimte/gridfeed-go/health"
	"github.com/glimte/gridfeed-go/internal/config"
	"github.com/glimte/gridfeed-go/internal/dedup"
	"github.com/glimte/gridfeed-go/internal/observability"
	rmq "github.com/glimte/gridfeed-go/internal/rabbitmq"
	"github.com/glimte/gridfeed-go/messaging"
	"github.com/glimte/gridfeed-go/monitor"
	"github.com/glimte/gridfeed-go/transports/rabbitmq"
)

var version = "dev"

// dlqProbeInterval paces the depth gauge behind the alerting threshold.
const dlqProbeInterval = 30 * time.Second

// Config is the consumer's environment surface.
type Config struct {
	Logging config.Logging
	Broker  config.Broker
	Metrics config.Metrics
	Consume config.Consume
}

func (c Config) validate() error {
	return errors.Join(
		c.Logging.Validate(),
		c.Broker.Validate(),
		c.Metrics.Validate(),
		c.Consume.Validate(),
	)
}

func main() {
	if err := run(); err != nil {
		slog.Error("consumer exited", "error", err)
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

	logger := cfg.Logging.NewLogger().With("service", "consumer")
	slog.SetDefault(logger)
	logger.Info("starting consumer", "version", version, "queues", cfg.Consume.Queues)

	obs, err := observability.New("consumer")
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

	if err := transport.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	if err := transport.DeclareTopology(ctx, messaging.FeedTopology()); err != nil {
		return fmt.Errorf("declaring topology: %w", err)
	}

	dispatcher := messaging.NewDispatcher(
		messaging.WithDispatcherLogger(logger),
		messaging.WithMiddleware(messaging.LoggingMiddleware(logger)))
	if err := consume.RegisterFeedHandlers(dispatcher, cfg.Consume.AlertBand(), logger); err != nil {
		return fmt.Errorf("registering handlers: %w", err)
	}

	subs := make([]consume.Subscription, 0, len(cfg.Consume.Queues))
	for _, queue := range cfg.Consume.Queues {
		subs = append(subs, consume.Subscription{Queue: queue, Prefetch: cfg.Consume.Prefetch})
	}

	window := dedup.NewWindow(cfg.Consume.DedupRetention, dedup.WithLogger(logger))
	engine, err := consume.NewEngine(transport.Subscriber(), transport.Publisher(), dispatcher, subs,
		consume.WithLogger(logger),
		consume.WithMetrics(metrics),
		consume.WithMaxAttempts(cfg.Consume.MaxAttempts),
		consume.WithDedupWindow(window),
		consume.WithDrainTimeout(cfg.Consume.DrainTimeout))
	if err != nil {
		return fmt.Errorf("building consume engine: %w", err)
	}

	registry, err := newHealthRegistry(transport, logger)
	if err != nil {
		return err
	}
	server := serveMetrics(cfg.Metrics.Addr, obs, registry, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go watchDLQDepth(ctx, transport.Inspector(), metrics, logger)

	logger.Info("consume engine running", "subscriptions", len(subs), "alertBand", string(cfg.Consume.AlertBand()))
	if err := engine.Run(ctx); err != nil {
		return fmt.Errorf("consume engine: %w", err)
	}

	logger.Info("consumer shut down cleanly")
	return nil
}

// watchDLQDepth keeps the dead letter depth gauge current so dashboards see
// poison messages accumulate without anyone running dlqctl.
func watchDLQDepth(ctx context.Context, inspector messaging.Inspector, metrics *observability.Metrics, logger *slog.Logger) {
	ticker := time.NewTicker(dlqProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := inspector.Inspect(ctx, messaging.DeadLetterQueue)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("dead letter depth probe failed", "error", err)
				}
				continue
			}
			metrics.DLQDepth.Record(ctx, int64(info.Depth))
			if info.Depth > 0 {
				logger.Warn("dead letter queue holds messages", "depth", info.Depth)
			}
		}
	}
}

func newHealthRegistry(transport *rabbitmq.Transport, logger *slog.Logger) (*health.Registry, error) {
	inspector, err := monitor.NewQueueInspector(transport.Inspector(), messaging.FeedTopology(),
		monitor.WithInspectorLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("building queue inspector: %w", err)
	}

	registry := health.NewRegistry()
	registry.SetMetadata("service", "consumer")
	registry.SetMetadata("version", version)
	registry.Register(health.NewBrokerChecker(transport))
	registry.Register(health.NewPipelineChecker(inspector))
	registry.Register(health.NewRuntimeChecker(0, 0))
	return registry, nil
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
