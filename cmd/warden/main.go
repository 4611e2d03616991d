package main

import (
	"context"
	"log"
	"os"

	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/server"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.LogLevel(), os.Stdout).WithField("service", "warden")
	ctx := context.Background()

	app, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize warden")
		os.Exit(1)
	}

	logger.WithFields(map[string]interface{}{
		"version":       server.Version,
		"db_driver":     cfg.Database.Driver,
		"cache_backend": cfg.Cache.Backend,
		"sweep":         cfg.Sweep.Enabled,
	}).Info("Starting warden")

	if err := app.Run(ctx); err != nil {
		logger.WithError(err).Error("warden stopped with an error")
		os.Exit(1)
	}
}
