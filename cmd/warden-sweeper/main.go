package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/server"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	schedule := flag.String("schedule", cfg.Sweep.Schedule, "Cron schedule or descriptor for the expired assignment sweep")
	runOnce := flag.Bool("run-once", false, "Sweep once and exit (for external schedulers)")
	flag.Parse()

	logger := observability.NewLogger(cfg.LogLevel(), os.Stdout).WithField("service", "warden-sweeper")
	ctx := context.Background()

	// this process only sweeps; the API server owns seeding and its own schedule
	cfg.Sweep.Enabled = false
	cfg.Database.SeedOnStart = false

	app, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize sweeper")
		os.Exit(1)
	}

	if *runOnce {
		_, err := app.Sweeper.RunOnce(ctx)
		if closeErr := app.Close(ctx); closeErr != nil {
			logger.WithError(closeErr).Warn("Shutdown incomplete")
		}
		if err != nil {
			os.Exit(1)
		}
		return
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if err := app.Sweeper.Register(c, *schedule); err != nil {
		logger.WithError(err).Error("Failed to schedule sweep")
		_ = app.Close(ctx)
		os.Exit(1)
	}
	app.Shutdown.Register("sweep schedule", func(ctx context.Context) error {
		select {
		case <-c.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	c.Start()
	logger.WithField("schedule", *schedule).Info("Sweeper started")

	if err := app.Shutdown.WaitForShutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown incomplete")
		os.Exit(1)
	}
}
