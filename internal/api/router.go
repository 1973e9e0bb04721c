package api

import (
	"github.com/clearlens/clearlens/internal/api/handler"
	"github.com/clearlens/clearlens/internal/api/middleware"
	"github.com/clearlens/clearlens/internal/config"
	"github.com/clearlens/clearlens/internal/job"
	"github.com/clearlens/clearlens/internal/logger"
	"github.com/clearlens/clearlens/internal/metrics"
	"github.com/clearlens/clearlens/internal/repository"
	"github.com/clearlens/clearlens/internal/storage"
	"github.com/gin-gonic/gin"
)

// Deps carries the components the HTTP layer exposes.
type Deps struct {
	Orchestrator *job.Orchestrator
	Jobs         *repository.JobRepository
	Reports      *repository.ReportRepository
	Metrics      *metrics.Cache
	Store        storage.ObjectStorage
	Log          *logger.Logger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(cfg *config.Config, deps Deps) *gin.Engine {
	// Set Gin mode
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Log))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
	}))

	// Create handlers
	healthHandler := handler.NewHealthHandler()
	jobHandler := handler.NewJobHandler(deps.Orchestrator, deps.Jobs, deps.Reports)
	metricsHandler := handler.NewMetricsHandler(deps.Metrics, deps.Jobs)
	reportHandler := handler.NewReportHandler(deps.Reports, deps.Store, cfg.Reports.PDFEnabled)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Jobs
		v1.POST("/jobs", jobHandler.Submit)
		v1.GET("/jobs", jobHandler.List)
		v1.GET("/jobs/:id", jobHandler.Get)
		v1.POST("/jobs/:id/cancel", jobHandler.Cancel)

		// Metrics
		v1.GET("/jobs/:id/metrics", metricsHandler.Get)
		v1.POST("/jobs/:id/metrics/invalidate", metricsHandler.Invalidate)

		// Report artifacts
		v1.GET("/reports/:id/artifact", reportHandler.GetArtifact)
	}

	return r
}
