package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/unclebandit/salonflow-messaging/internal/app"
	"github.com/unclebandit/salonflow-messaging/internal/config"
	"github.com/unclebandit/salonflow-messaging/internal/monitoring"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	cfg.SetupLogging()
	monitoring.InitMetrics()

	if cfg.AMQPURL == "" {
		log.Fatal().Msg("AMQP_URL is required; in dev mode the server runs the worker in-process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise dependencies")
	}
	defer deps.Close()

	if err := deps.StartWorker(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to register consumer")
	}

	log.Info().
		Str("queue", cfg.AMQPQueue).
		Float64("rate_per_tenant", cfg.SendRatePerTenant).
		Int("retry_budget", cfg.QueueRetryBudget).
		Msg("Worker running, waiting for messages...")
	<-ctx.Done()
	log.Info().Msg("Worker stopping")
}
