// Package server assembles a warden process from configuration: the SQL
// store, the permission cache, audit sinks, Prometheus and OpenTelemetry,
// the HTTP API with its middleware chain, and the expired-assignment sweep.
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	app, err := server.New(ctx, cfg, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := app.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
package server
