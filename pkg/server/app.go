package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/rbac"
)

// Version is reported by the health endpoints; set with -ldflags at build time
var Version = "dev"

// dbStatsSchedule controls how often pool gauges are refreshed
const dbStatsSchedule = "@every 15s"

// App is a wired warden process: store, cache, audit sinks, and telemetry
type App struct {
	Config   *config.Config
	Logger   *observability.Logger
	DB       *sqlx.DB
	Redis    *redis.Client
	Service  *rbac.Service
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Sweeper  *Sweeper
	Limiter  httputil.Limiter
	Shutdown *observability.ShutdownManager

	scheduler *cron.Cron
	verifier  rbac.IDTokenVerifier
}

// New connects every dependency named by cfg. On error, whatever was
// already opened is shut down before returning.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger) (app *App, err error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	a := &App{
		Config:    cfg,
		Logger:    logger,
		Registry:  prometheus.NewRegistry(),
		Shutdown:  observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout),
		scheduler: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	defer func() {
		if err != nil {
			_ = a.Shutdown.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	recorders := observability.Recorders{}
	if cfg.Observability.MetricsEnabled {
		a.Metrics = observability.NewMetrics(a.Registry)
		recorders = append(recorders, a.Metrics)
	}

	providers, err := observability.InitOTel(ctx, cfg.OTel(), logger)
	if err != nil {
		return nil, err
	}
	if providers != nil {
		a.Shutdown.Register("opentelemetry", func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, providers, logger)
		})
		otelMetrics, err := observability.NewOTelMetrics(providers.MeterProvider)
		if err != nil {
			return nil, err
		}
		recorders = append(recorders, otelMetrics)
	}

	if err := a.openDatabase(ctx); err != nil {
		return nil, err
	}

	cache, err := a.openCache(ctx)
	if err != nil {
		return nil, err
	}

	if err := a.openRateLimiter(ctx); err != nil {
		return nil, err
	}

	if issuer := cfg.Auth.OIDCIssuer; issuer != "" {
		verifier, err := rbac.NewOIDCVerifier(ctx, issuer, cfg.Auth.OIDCClientID)
		if err != nil {
			return nil, err
		}
		a.verifier = verifier
	}

	sink, err := a.openAuditSink()
	if err != nil {
		return nil, err
	}

	a.Service = rbac.NewService(rbac.NewSQLStore(a.DB), rbac.ServiceOptions{
		Cache:     cache,
		CacheTTL:  cfg.Cache.TTL,
		Logger:    logger,
		Metrics:   recorders,
		AuditSink: sink,
	})

	if cfg.Database.SeedOnStart {
		seed, err := rbac.DefaultSeed()
		if err != nil {
			return nil, err
		}
		report, err := a.Service.Bootstrap(ctx, seed)
		if err != nil {
			return nil, fmt.Errorf("failed to seed roles: %w", err)
		}
		logger.WithFields(map[string]interface{}{
			"permissions_created": report.PermissionsCreated,
			"roles_created":       report.RolesCreated,
			"grants_added":        report.GrantsAdded,
		}).Info("seed applied")
	}

	a.Sweeper = NewSweeper(a.Service.Ledger, logger)
	if cfg.Sweep.Enabled {
		if err := a.Sweeper.Register(a.scheduler, cfg.Sweep.Schedule); err != nil {
			return nil, err
		}
	}
	if a.Metrics != nil {
		if _, err := a.scheduler.AddFunc(dbStatsSchedule, func() {
			a.Metrics.UpdateDBStats(a.DB.Stats())
		}); err != nil {
			return nil, fmt.Errorf("failed to schedule pool metrics: %w", err)
		}
	}
	a.Shutdown.Register("scheduler", func(ctx context.Context) error {
		select {
		case <-a.scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	return a, nil
}

func (a *App) openDatabase(ctx context.Context) error {
	cfg := a.Config.Database
	db, err := rbac.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return err
	}
	a.Shutdown.Register("database", func(context.Context) error { return db.Close() })
	a.DB = db

	if cfg.Driver != "sqlite3" {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if cfg.AutoMigrate {
		if _, err := rbac.RunMigrations(ctx, db, a.Logger); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) openCache(ctx context.Context) (rbac.PermissionCache, error) {
	cfg := a.Config.Cache
	switch cfg.Backend {
	case "memory":
		return rbac.NewLRUCache(cfg.Size, cfg.TTL), nil
	case "redis":
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return rbac.NewRedisCache(client, cfg.TTL, a.Logger), nil
	default:
		return rbac.NoopCache{}, nil
	}
}

// redisClient connects on first use; the cache and rate limiter share it
func (a *App) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.Redis != nil {
		return a.Redis, nil
	}
	client, err := rbac.NewRedisClient(ctx, a.Config.Cache.RedisURL)
	if err != nil {
		return nil, err
	}
	a.Shutdown.Register("redis", func(context.Context) error { return client.Close() })
	a.Redis = client
	return client, nil
}

func (a *App) openRateLimiter(ctx context.Context) error {
	cfg := a.Config.RateLimit
	if !cfg.Enabled {
		return nil
	}
	limits := httputil.RateLimitConfig{
		RequestsPerWindow: cfg.Requests,
		WindowDuration:    cfg.Window,
		BurstSize:         cfg.Burst,
	}
	if cfg.Backend == "redis" {
		client, err := a.redisClient(ctx)
		if err != nil {
			return err
		}
		a.Limiter = httputil.NewRedisLimiter(client, limits, "warden:ratelimit")
		return nil
	}

	limiter := httputil.NewTokenBucketLimiter(limits)
	cleanupCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	limiter.StartCleanup(cleanupCtx)
	a.Shutdown.Register("rate limiter", func(context.Context) error {
		stop()
		return nil
	})
	a.Limiter = limiter
	return nil
}

// openAuditSink builds the mirror that receives entries after commit. The
// database trail is always written; the sink only adds destinations.
func (a *App) openAuditSink() (audit.Logger, error) {
	var sinks []audit.Logger
	if path := a.Config.Audit.FilePath; path != "" {
		fileLogger, err := audit.NewFileLogger(audit.FileLoggerConfig{
			BasePath: path,
			Rotate:   true,
			MaxSize:  a.Config.Audit.MaxSizeMB * 1024 * 1024,
			MaxFiles: a.Config.Audit.MaxFiles,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fileLogger)
	}
	if a.Logger.Level() == observability.DebugLevel {
		sinks = append(sinks, audit.NewLogLogger(a.Logger))
	}

	switch len(sinks) {
	case 0:
		return audit.NoOp(), nil
	case 1:
		a.Shutdown.Register("audit sink", func(context.Context) error { return sinks[0].Close() })
		return sinks[0], nil
	}
	multi := audit.NewMultiLogger(sinks...)
	multi.SetAsync(a.Config.Audit.Async)
	a.Shutdown.Register("audit sink", func(context.Context) error { return multi.Close() })
	return multi, nil
}

// Handler returns the API with the full middleware chain and tracing
func (a *App) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(a.Metrics))
	rbac.NewHandlers(a.Service, rbac.HandlerOptions{
		AdminAuth:  a.Config.Auth.AdminAuth,
		Superusers: a.Config.Auth.Superusers,
	}).RegisterRoutes(router)

	chain := httputil.Chain(
		httputil.RequestIDMiddleware(a.Logger),
		httputil.RecoveryMiddleware,
		httputil.LoggingMiddleware,
		httputil.TimeoutMiddleware(a.Config.Server.RequestTimeout),
		httputil.ContentTypeMiddleware,
		httputil.MaxBytesMiddleware(a.Config.Server.MaxBodyBytes),
		a.principalMiddleware(),
		httputil.RateLimitMiddleware(a.Limiter, httputil.PrincipalOrIPKey),
	)
	return otelhttp.NewHandler(chain(router), "warden")
}

// principalMiddleware verifies ID tokens when an OIDC issuer is configured and
// falls back to the trusted proxy header otherwise
func (a *App) principalMiddleware() func(http.Handler) http.Handler {
	auth := a.Config.Auth
	if a.verifier != nil {
		return rbac.OIDCPrincipal(a.verifier, rbac.OIDCOptions{
			GroupsClaim:    auth.OIDCGroupsClaim,
			SuperuserGroup: auth.OIDCSuperuserGroup,
			Superusers:     auth.Superusers,
		})
	}
	return rbac.TrustedHeaderPrincipal(auth.PrincipalHeader, auth.Superusers)
}

// HealthHandler serves liveness, readiness and health checks and, when enabled, Prometheus metrics
func (a *App) HealthHandler() http.Handler {
	router := mux.NewRouter()
	observability.RegisterHealthRoutes(router, observability.NewHealthChecker(a.DB.DB, a.Redis, Version))
	if a.Metrics != nil {
		observability.RegisterMetricsEndpoint(router, a.Registry)
	}
	return router
}

// Run serves the API and health listeners and the background schedule until
// ctx is done or SIGINT/SIGTERM arrives, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		serveErr error
	)
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if serveErr == nil {
			serveErr = err
			cancel()
		}
	}

	serve := func(name string, srv *http.Server) {
		a.Shutdown.Register(name, srv.Shutdown)
		go func() {
			a.Logger.WithField("addr", srv.Addr).Infof("%s listening", name)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fail(fmt.Errorf("%s: %w", name, err))
			}
		}()
	}

	a.scheduler.Start()
	if addr := a.Config.Server.HealthAddr; addr != "" {
		serve("health server", &http.Server{
			Addr:              addr,
			Handler:           a.HealthHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		})
	}
	serve("api server", &http.Server{
		Addr:         a.Config.Server.Addr,
		Handler:      a.Handler(),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	})

	err := a.Shutdown.WaitForShutdown(runCtx)
	mu.Lock()
	defer mu.Unlock()
	return errors.Join(serveErr, err)
}

// Close shuts down every dependency without serving
func (a *App) Close(ctx context.Context) error {
	return a.Shutdown.Shutdown(ctx)
}
