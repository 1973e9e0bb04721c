package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

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
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "clearlens-worker",
	})
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Parse command line flags
	workers := flag.Int("workers", 0, "Worker pool size, 0 uses the configured value")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if *workers > 0 {
		cfg.Jobs.Workers = *workers
	}

	appLogger.WithFields(logger.Fields{
		"workers":       cfg.Jobs.Workers,
		"poll_interval": cfg.Jobs.PollInterval.String(),
	}).Info("Starting worker pool")

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

	// Initialize S3-compatible storage
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

	if err := objectStorage.EnsureBucket(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
	}

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

	// Blocks until the signal context is cancelled
	orchestrator.Run(ctx)

	appLogger.Info("Worker pool drained, exiting")
}
