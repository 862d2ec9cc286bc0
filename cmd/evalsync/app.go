package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NikhilSetiya/evalsync/internal/api"
	"github.com/NikhilSetiya/evalsync/internal/batch"
	"github.com/NikhilSetiya/evalsync/internal/cache"
	"github.com/NikhilSetiya/evalsync/internal/database"
	"github.com/NikhilSetiya/evalsync/internal/notifications"
	"github.com/NikhilSetiya/evalsync/internal/patterns"
	"github.com/NikhilSetiya/evalsync/internal/scheduler"
	"github.com/NikhilSetiya/evalsync/internal/telemetry"
	"github.com/NikhilSetiya/evalsync/pkg/config"
	"github.com/NikhilSetiya/evalsync/pkg/health"
	"github.com/NikhilSetiya/evalsync/pkg/logging"
	"github.com/NikhilSetiya/evalsync/pkg/metrics"
	"github.com/NikhilSetiya/evalsync/pkg/resilience"
	"github.com/NikhilSetiya/evalsync/pkg/tracing"
)

const (
	upstreamEndpoint = "upstream"
	shutdownTimeout  = 30 * time.Second
	poolSampleEvery  = 30 * time.Second
)

type app struct {
	cfg    *config.Config
	logger *logging.Logger
	zap    *zap.Logger

	db        *database.DB
	redis     *cache.RedisClient
	metrics   *metrics.Metrics
	tracing   *tracing.TracingService
	collector *metrics.MetricsCollector

	scheduler *scheduler.Scheduler
	hub       *api.ProgressHub
	server    *http.Server
}

// newApp wires every component. ctx bounds the lifetime of cycles
// started over HTTP.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.zap, err = zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("failed to create zap logger: %w", err)
	}

	a.metrics = metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Enabled:   cfg.Metrics.Enabled,
	})

	a.tracing, err = tracing.NewTracingService(&tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if cfg.Database.MigrateOnStart {
		if err := runMigrations(&cfg.Database); err != nil {
			return nil, err
		}
	}

	a.db, err = database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db.SetMetrics(a.metrics)
	a.collector = metrics.NewMetricsCollector(a.metrics, a.db.Stats, poolSampleEvery)
	repos := database.NewRepositories(a.db)
	logger.Info("Database connection established", "driver", a.db.Driver())

	alerts := resilience.NewAlertManager(resilience.AlertManagerConfig{
		RateLimit:     cfg.Alerting.RateLimitPerHour,
		ResetInterval: time.Hour,
	})
	alerts.AddHandler(resilience.NewLoggingAlertHandler())
	if cfg.Alerting.SlackWebhookURL != "" {
		slack, err := notifications.NewSlackHandler(notifications.SlackConfig{
			WebhookURL: cfg.Alerting.SlackWebhookURL,
			Channel:    cfg.Alerting.SlackChannel,
		}, a.zap)
		if err != nil {
			return nil, err
		}
		alerts.AddHandler(slack)
	}

	breakerConfig := cfg.CircuitBreakerConfig(upstreamEndpoint)
	breakerConfig.Logger = logger
	breakerConfig.OnStateChange = a.breakerHook(resilience.BreakerAlertHook(alerts))

	invoker, err := resilience.NewInvokerFromConfig(upstreamEndpoint, breakerConfig, cfg.RetryConfig(),
		resilience.WithInvokerLogger(logger),
		resilience.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			a.metrics.RecordRetry(upstreamEndpoint)
		}),
	)
	if err != nil {
		return nil, err
	}

	client, err := telemetry.NewHTTPClient(cfg.TelemetryConfig(),
		telemetry.WithMetrics(a.metrics),
		telemetry.WithTracer(a.tracing),
		telemetry.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	extractor, err := patterns.NewExtractor(cfg.PatternConfig())
	if err != nil {
		return nil, err
	}

	processor := batch.NewProcessor(invoker,
		batch.WithLogger(logger),
		batch.WithMetrics(a.metrics),
		batch.WithTracer(a.tracing),
	)

	var stateStore scheduler.StateStore = repos.SyncState
	opts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(a.metrics),
		scheduler.WithTracer(a.tracing),
		scheduler.WithAlerts(resilience.NewSyncAlertGenerator(alerts)),
	}

	if cfg.Redis.Enabled {
		a.redis, err = cache.NewRedisClient(&cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("Redis connection established", "addr", cfg.RedisAddr())

		cacheService := cache.NewService(a.redis, nil)
		stateStore = cache.NewCachedSyncState(repos.SyncState, cacheService)
		opts = append(opts,
			scheduler.WithRunGuard(cache.NewRunLock(a.redis, "sync", 0)),
			scheduler.WithStatusPublisher(func(ctx context.Context, status scheduler.Status) {
				if err := cacheService.SetSyncStatus(ctx, status); err != nil {
					logger.Warn("Failed to publish sync status", "error", err)
				}
			}),
		)
	}

	a.scheduler, err = scheduler.New(scheduler.Config{
		Enabled:           cfg.Sync.Enabled,
		Interval:          cfg.Sync.Interval(),
		DefaultMaxAgeDays: cfg.Sync.MaxAgeDays,
		Targets:           cfg.Sync.Targets,
		Job:               cfg.BatchJobTemplate(),
	}, processor, client, extractor, repos.Patterns, stateStore, opts...)
	if err != nil {
		return nil, err
	}

	healthService := a.healthService(invoker.Breaker())
	a.hub = api.NewProgressHub(processor, cfg.Server.AllowedOrigins)

	router := api.NewRouter(api.Dependencies{
		BaseContext: ctx,
		Server:      cfg.Server,
		Debug:       cfg.Logging.Level == "debug",
		Version:     version,
		Sync:        a.scheduler,
		Runs:        repos.SyncState,
		Patterns:    repos.Patterns,
		Breakers:    []*resilience.CircuitBreaker{invoker.Breaker()},
		Progress:    a.hub,
		Health:      healthService,
		Metrics:     a.metrics,
		Tracing:     a.tracing,
		Redis:       a.redis,
		Logger:      logger,
	})

	a.server = &http.Server{
		Addr:         cfg.ServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return a, nil
}

// breakerHook records every transition and forwards it to next
func (a *app) breakerHook(next func(name string, from, to resilience.CircuitState)) func(name string, from, to resilience.CircuitState) {
	return func(name string, from, to resilience.CircuitState) {
		a.metrics.RecordBreakerTransition(name, from.String(), to.String(), int(to))
		next(name, from, to)
	}
}

func (a *app) healthService(breaker *resilience.CircuitBreaker) *health.Service {
	hs := health.NewService(a.logger, &health.Config{
		Timeout:  5 * time.Second,
		Metadata: map[string]string{"version": version},
	})

	hs.RegisterChecker("database", health.NewDatabaseChecker(a.db, "database"))
	if a.redis != nil {
		hs.RegisterChecker("redis", health.NonCritical(health.NewRedisChecker(a.redis, "redis")))
	}
	hs.RegisterChecker("upstream", health.NewBreakerChecker(breaker))
	hs.RegisterChecker("scheduler", health.NewCustomChecker("scheduler", func(ctx context.Context) (health.Status, string, error) {
		status := a.scheduler.Status()
		if status.LastError != "" {
			return health.StatusDegraded, status.LastError, nil
		}
		return health.StatusHealthy, "scheduler is " + status.State, nil
	}))

	return hs
}

// Run starts the scheduler, the progress hub and the admin API, and
// blocks until ctx is cancelled or one of them fails
func (a *app) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		a.collector.Start(gctx)
		return nil
	})

	g.Go(func() error {
		if err := a.scheduler.Start(gctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		<-gctx.Done()
		a.scheduler.Stop()
		return nil
	})

	g.Go(func() error {
		a.logger.Info("Starting admin API", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin API failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down admin API")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close releases connections. It is safe on a partially built app.
func (a *app) Close() {
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("Failed to flush traces", "error", err)
		}
		cancel()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.zap != nil {
		_ = a.zap.Sync()
	}
}

func runMigrations(cfg *config.DatabaseConfig) error {
	migrator, err := database.NewMigrator(cfg)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	if err := migrator.Up(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
