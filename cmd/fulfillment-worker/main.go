package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bookhaven/fulfillment/pkg/broker"
	"github.com/bookhaven/fulfillment/pkg/config"
	"github.com/bookhaven/fulfillment/pkg/consumer"
	"github.com/bookhaven/fulfillment/pkg/httpserver"
	"github.com/bookhaven/fulfillment/pkg/metrics"
	"github.com/bookhaven/fulfillment/pkg/reconciler"
	"github.com/bookhaven/fulfillment/pkg/saga"
	"github.com/bookhaven/fulfillment/pkg/services"
	"github.com/bookhaven/fulfillment/pkg/store"
	"github.com/bookhaven/fulfillment/pkg/telemetry"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "fulfillment-worker").Logger()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/fulfillment-worker")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	// Validate the configuration
	err = cfg.Validate()
	if err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	// Initialize telemetry (tracing)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Fatal("Failed to initialize telemetry: ", err)
	}
	defer shutdownTelemetry() // Ensure telemetry is properly shut down on exit

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize the outcome repository; a "none" store disables dedup and
	// reconciliation without affecting message handling
	outcomes, err := store.NewRepository(ctx, cfg.Store)
	if err != nil {
		log.Fatal("Failed to initialize outcome store: ", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	mqBroker := broker.NewRabbitMQBroker(cfg.Broker, logger)
	inventory := services.NewInventoryClient(cfg.Services, logger)
	orders := services.NewOrdersClient(cfg.Services, logger)

	executor := saga.NewExecutor(inventory, orders, outcomes, cfg.ProcessingDelay, m, logger)
	loop := consumer.NewLoop(mqBroker, executor, backoff.NewConstantBackOff(cfg.Broker.ReconnectBackoff), m, logger)
	ops := httpserver.New(cfg.HTTPAddr, registry, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error { return ops.Run(ctx) })

	if outcomes != nil && cfg.ReconcileInterval > 0 {
		rec := reconciler.New(outcomes, orders, cfg.ReconcileInterval, cfg.ReconcileAge, cfg.ReconcileBatch, m, logger)
		g.Go(func() error { return rec.Run(ctx) })
	}

	logger.Info().
		Str("queue", cfg.Broker.Queue).
		Str("exchange", cfg.Broker.Exchange).
		Dur("processing_delay", cfg.ProcessingDelay).
		Msg("fulfillment worker started")

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("worker stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("worker stopped")
}
