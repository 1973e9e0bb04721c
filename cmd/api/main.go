package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clearlens/clearlens/internal/api"
	"github.com/clearlens/clearlens/internal/config"
	"github.com/clearlens/clearlens/internal/ingest"
	"github.com/clearlens/clearlens/internal/job"
	"github.com/clearlens/clearlens/internal/logger"
	"github.com/clearlens/clearlens/internal/metrics"
	"github.com/clearlens/clearlens/internal/notify"
	"github.com/clearlens/clearlens/internal/report"
	"github.com/clearlens/clearlens/internal/repository"
	"github.com/clearlens/clearlens/internal/storage"
)

func main() {
	// Initialize logger first (with env-driven defaults)
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	// Initialize repositories
	jobRepo := repository.NewJobRepository(db)
	findingRepo := repository.NewFindingRepository(db)
	reportRepo := repository.NewReportRepository(db)
	lockRepo := repository.NewSourceLockRepository(db)

	// Initialize storage (supports MinIO, R2, S3)
	objectStorage, err := storage.NewS3Storage(&storage.S3Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		PublicURL: cfg.Storage.PublicURL,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize storage")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ensure bucket exists
	if err := objectStorage.EnsureBucket(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
	}

	// Metrics engine with a TTL cache in front
	metricsCache := metrics.NewCache(
		metrics.NewEngine(),
		findingRepo,
		jobRepo,
		metrics.CacheConfig{
			ActiveTTL:   cfg.Metrics.ActiveTTL,
			TerminalTTL: cfg.Metrics.TerminalTTL,
		},
		appLogger,
	)

	// Report rendering; the fixed-layout converter is optional
	var converter report.Converter
	if cfg.Reports.PDFEnabled {
		converter = report.NewPDFConverter()
	}

	orchestrator := job.NewOrchestrator(cfg.Jobs, job.Deps{
		Jobs:      jobRepo,
		Findings:  findingRepo,
		Reports:   reportRepo,
		Locks:     lockRepo,
		Store:     objectStorage,
		Validator: ingest.NewValidator(cfg.Ingest.MaxFileSize),
		Parser:    ingest.NewParser(cfg.Ingest.ChunkSize, cfg.Ingest.ErrorTolerancePct),
		Renderer:  report.NewRenderer(),
		Converter: converter,
		Metrics:   metricsCache,
		Notifier: notify.NewNotifier(&notify.Config{
			URL:        cfg.Webhook.URL,
			RetryCount: cfg.Webhook.RetryCount,
			Timeout:    cfg.Webhook.Timeout,
		}, appLogger),
		Log: appLogger,
	})

	// Run the worker pool in-process so cancellation of a running job is
	// cooperative. Scaled deployments run additional cmd/worker processes.
	go orchestrator.Run(ctx)

	// Setup router
	router := api.SetupRouter(cfg, api.Deps{
		Orchestrator: orchestrator,
		Jobs:         jobRepo,
		Reports:      reportRepo,
		Metrics:      metricsCache,
		Store:        objectStorage,
		Log:          appLogger,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Fatal("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
