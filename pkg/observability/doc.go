// Package observability provides structured logging, Prometheus and OpenTelemetry
// metrics, tracing setup, health checks, and graceful shutdown for warden binaries.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("principal_id", id).Info("role assigned")
//
// Request-scoped loggers pick up the request and principal IDs stored by
// pkg/contextkeys:
//
//	observability.FromContext(ctx).Warn("permission denied")
//
// # Metrics
//
// The authorization engine reports through the Recorder interface. *Metrics
// exports to Prometheus, *OTelMetrics to an OTLP collector, and Recorders fans
// out to both:
//
//	prom := observability.NewMetrics(registry)
//	otlp, _ := observability.NewOTelMetrics(nil)
//	rec := observability.Recorders{prom, otlp}
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db.DB, redisClient, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "warden",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
