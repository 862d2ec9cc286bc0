// Package api exposes the admin HTTP surface of the sync daemon.
package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/evalsync/internal/cache"
	"github.com/NikhilSetiya/evalsync/pkg/config"
	"github.com/NikhilSetiya/evalsync/pkg/health"
	"github.com/NikhilSetiya/evalsync/pkg/logging"
	"github.com/NikhilSetiya/evalsync/pkg/metrics"
	"github.com/NikhilSetiya/evalsync/pkg/resilience"
	"github.com/NikhilSetiya/evalsync/pkg/tracing"
)

// Manual triggers per client per minute
const triggerRateLimit = 10

// Dependencies wires the router. Sync, Runs and Patterns are required;
// everything else is optional.
type Dependencies struct {
	BaseContext context.Context
	Server      config.ServerConfig
	Debug       bool
	Version     string

	Sync     SyncService
	Runs     RunStore
	Patterns PatternLister
	Breakers []*resilience.CircuitBreaker
	Progress *ProgressHub

	Health  *health.Service
	Metrics *metrics.Metrics
	Tracing *tracing.TracingService
	Redis   *cache.RedisClient
	Logger  *logging.Logger
}

// NewRouter creates and configures the API router
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Logger == nil {
		deps.Logger = logging.GetLogger()
	}
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	if deps.Health == nil {
		deps.Health = health.NewService(deps.Logger, nil)
	}

	router := gin.New()

	router.Use(RecoveryMiddleware(deps.Logger))
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(deps.Logger))
	router.Use(CORSMiddleware(deps.Server.AllowedOrigins))
	router.Use(SecurityHeadersMiddleware())
	if deps.Tracing != nil {
		router.Use(deps.Tracing.TracingMiddleware())
	}
	if deps.Metrics != nil {
		router.Use(deps.Metrics.PrometheusMiddleware())
	}

	router.GET("/health", deps.Health.Handler())
	router.GET("/health/live", deps.Health.LivenessHandler())
	router.GET("/health/ready", deps.Health.ReadinessHandler())
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	router.GET("/api/v1", func(c *gin.Context) {
		SuccessResponse(c, map[string]interface{}{
			"name":    "evalsync",
			"version": deps.Version,
			"status":  "ok",
		})
	})

	syncHandler := NewSyncHandler(deps.BaseContext, deps.Sync, deps.Runs, deps.Breakers...)
	patternHandler := NewPatternHandler(deps.Patterns)

	v1 := router.Group("/api/v1")
	{
		sync := v1.Group("/sync")
		{
			sync.GET("/status", syncHandler.GetStatus)
			sync.GET("/runs", syncHandler.ListRuns)
			sync.GET("/runs/:id", syncHandler.GetRun)
			if deps.Progress != nil {
				sync.GET("/progress", deps.Progress.ServeWS)
			}

			sync.POST("",
				AdminAuthMiddleware(deps.Server.AdminJWTSecret),
				RateLimitMiddleware(deps.Redis, triggerRateLimit, time.Minute),
				syncHandler.TriggerSync,
			)
		}

		v1.GET("/patterns", patternHandler.ListPatterns)
	}

	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}
