package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise dependencies")
	}
	defer deps.Close()

	if deps.InProcessQueue() {
		if err := deps.StartWorker(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start in-process worker")
		}
	}

	scanner := deps.AutomationScanner()

	// Scans must never overlap, so a slow run makes the next tick a no-op.
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	_, err = c.AddFunc(cfg.AutomationSchedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		res, err := scanner.Run(runCtx)
		if err != nil {
			log.Error().Err(err).Msg("Automation scan failed")
			return
		}
		log.Info().
			Int("evaluated", res.Evaluated).
			Int("campaigns_created", res.CampaignsCreated).
			Int("jobs_enqueued", res.JobsEnqueued).
			Int("skipped", res.Skipped).
			Int("errors", res.Errors).
			Bool("safety_limited", res.SafetyLimited).
			Msg("Automation scan finished")
	})
	if err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.AutomationSchedule).Msg("Invalid automation schedule")
	}

	c.Start()
	log.Info().Str("schedule", cfg.AutomationSchedule).Msg("Automation scheduler running")
	<-ctx.Done()

	log.Info().Msg("Waiting for running scan to finish")
	<-c.Stop().Done()
}
