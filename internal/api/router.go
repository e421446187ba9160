package api

import (
	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/recoverykit/pkg/config"
	"github.com/NikhilSetiya/recoverykit/pkg/health"
	"github.com/NikhilSetiya/recoverykit/pkg/logging"
	"github.com/NikhilSetiya/recoverykit/pkg/metrics"
	"github.com/NikhilSetiya/recoverykit/pkg/tracing"
)

// Dependencies are the services the diagnostics router exposes
type Dependencies struct {
	Config   *config.Config
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Tracer   *tracing.TracingService
	Health   *health.Service
	Circuits CircuitSource
	Version  string
}

// NewRouter creates and configures the diagnostics router
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = logging.GetLogger()
	}
	if deps.Config != nil && deps.Config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	var allowedOrigins []string
	if deps.Config != nil {
		allowedOrigins = deps.Config.Server.AllowedOrigins
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(deps.Logger))
	router.Use(CORSMiddleware(allowedOrigins))
	router.Use(SecurityHeadersMiddleware())
	router.Use(deps.Metrics.PrometheusMiddleware())
	if deps.Tracer.Enabled() {
		router.Use(deps.Tracer.TracingMiddleware())
	}

	// Probes and metrics sit outside the versioned API
	if deps.Health != nil {
		router.GET("/health", deps.Health.Handler())
		router.GET("/ready", deps.Health.ReadinessHandler())
		router.GET("/live", deps.Health.LivenessHandler())
	}
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("", func(c *gin.Context) {
			SuccessResponse(c, map[string]interface{}{
				"name":    "recoverykit",
				"version": deps.Version,
				"status":  "ok",
			})
		})

		if deps.Circuits != nil {
			circuitHandler := NewCircuitHandler(deps.Circuits, deps.Logger)
			circuits := v1.Group("/circuits")
			{
				circuits.GET("", circuitHandler.ListCircuits)
				circuits.GET("/:key", circuitHandler.GetCircuit)
				circuits.POST("/:key/reset", circuitHandler.ResetCircuit)
			}
		}
	}

	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}
