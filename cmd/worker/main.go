/**
 * Voter-Roll Import Worker - Main Entry Point
 *
 * Turns uploaded electoral-roll files into voter records.
 *
 * Architecture:
 * - Redis list or Asynq consumer for the import job queue
 * - Text extraction: embedded PDF text, falling back to per-column
 *   Tesseract OCR over pdftoppm crops
 * - Rule-based roll parser producing voter records
 * - PostgreSQL persistence with household family sizes
 * - Optional Qdrant index of voter fingerprints for near-duplicate search
 * - HTTP API for uploads, job management and on-demand parsing
 */

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voteraction/rollimport-worker/internal/api"
	"github.com/voteraction/rollimport-worker/internal/config"
	"github.com/voteraction/rollimport-worker/internal/logging"
	"github.com/voteraction/rollimport-worker/internal/processor"
	"github.com/voteraction/rollimport-worker/internal/queue"
	"github.com/voteraction/rollimport-worker/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	envErr := godotenv.Load(".env.voterroll")

	cfg, err := config.LoadConfig()
	if err != nil {
		bootstrapFatal("Failed to load configuration", err)
	}

	if _, err := logging.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		bootstrapFatal("Failed to initialize logging", err)
	}
	defer logging.Sync()

	logger := logging.NewLogger("Worker")
	if envErr != nil {
		logger.Warn(".env.voterroll not found, using system environment variables")
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Worker exited with error", "error", err)
		logging.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	logger.Info("Voter-roll import worker starting...",
		"queue_backend", cfg.QueueBackend,
		"queue", cfg.QueueName,
		"workers", cfg.WorkerConcurrency,
		"qdrant_enabled", cfg.QdrantURL != "")

	profile := config.DefaultProfile()
	if cfg.RollProfile != "" {
		p, err := config.LoadProfile(cfg.RollProfile)
		if err != nil {
			return err
		}
		profile = p
		logger.Info("Loaded roll profile", "path", cfg.RollProfile)
	}

	// Storage (PostgreSQL + optional Qdrant)
	logger.Info("Connecting to storage...")
	storageManager, err := storage.NewStorageManager(storage.StorageConfig{
		PostgresURL:      cfg.DatabaseURL,
		QdrantAddress:    cfg.QdrantURL,
		QdrantCollection: cfg.QdrantCollection,
		Dimensions:       cfg.FingerprintDimensions,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := storageManager.Close(); err != nil {
			logger.Warn("Error closing storage manager", "error", err)
		} else {
			logger.Info("Storage manager closed")
		}
	}()
	logger.Info("Storage manager initialized")

	// Extraction pipeline
	ocr, err := processor.NewTesseractOCR(&processor.TesseractConfig{
		TessdataPrefix: cfg.TessdataPrefix,
		Languages:      profile.OCR.Languages,
		PageSegMode:    profile.OCR.PageSegMode,
	})
	if err != nil {
		return err
	}

	var rasterizer processor.Rasterizer
	if r, err := processor.NewPdftoppmRasterizer(cfg.PdftoppmPath); err != nil {
		logger.Warn("pdftoppm unavailable, scanned rolls cannot be imported", "error", err)
	} else {
		rasterizer = r
	}

	extractor := processor.NewTextExtractor(
		ocr,
		rasterizer,
		processor.NewLayoutAnalyzer(processor.DefaultLineWidth),
		profile.OCR,
		cfg.TempDir,
	)

	dimensions := cfg.FingerprintDimensions
	if !storageManager.SimilarityEnabled() {
		dimensions = 0
	}

	proc, err := processor.NewVoterImportProcessor(&processor.ProcessorConfig{
		Jobs:                  storageManager,
		Voters:                storageManager,
		Extractor:             extractor,
		Profile:               profile,
		MinEPICLength:         cfg.MinEPICLength,
		FingerprintDimensions: dimensions,
		ProcessingTimeout:     cfg.Timeout(),
		DeleteAfterImport:     cfg.DeleteAfterImport,
	})
	if err != nil {
		return err
	}
	logger.Info("Import processor initialized", "delete_after_import", cfg.DeleteAfterImport)

	// Queue
	logger.Info("Connecting to Redis queue...", "backend", cfg.QueueBackend)
	consumer, producer, err := newQueue(cfg, proc, storageManager)
	if err != nil {
		return err
	}
	defer func() {
		if err := producer.Close(); err != nil {
			logger.Warn("Error closing queue producer", "error", err)
		}
	}()

	ctx := context.Background()
	if err := consumer.Start(ctx); err != nil {
		return err
	}
	logger.Info("Queue consumer started", "concurrency", cfg.WorkerConcurrency)

	// HTTP API
	apiServer, err := api.NewServer(&api.ServerConfig{
		Store:       storageManager,
		Queue:       producer,
		Profile:     profile,
		UploadDir:   cfg.UploadDir,
		MaxFileSize: cfg.MaxFileSize,
	})
	if err != nil {
		consumer.Stop(ctx)
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Info("Voter-roll import worker is READY",
		"http_addr", cfg.HTTPAddr,
		"queue", cfg.QueueName,
		"upload_dir", cfg.UploadDir,
		"max_retries", cfg.MaxRetries)

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received signal, initiating graceful shutdown...", "signal", sig.String())
	case err := <-serveErr:
		logger.Error("HTTP server failed", "error", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("Stopping HTTP server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Error stopping HTTP server", "error", err)
	}

	logger.Info("Stopping queue consumer...")
	if err := consumer.Stop(shutdownCtx); err != nil {
		logger.Warn("Error stopping queue consumer", "error", err)
	} else {
		logger.Info("Queue consumer stopped")
	}

	logger.Info("Shutdown complete")
	return runErr
}

// newQueue builds the consumer and producer for the configured backend.
func newQueue(cfg *config.Config, proc processor.ImportProcessorInterface, sm *storage.StorageManager) (queue.Consumer, queue.Producer, error) {
	switch cfg.QueueBackend {
	case config.QueueBackendAsynq:
		consumer, err := queue.NewAsynqConsumer(&queue.AsynqConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			Processor:   proc,
			Recoverer:   sm,
			StuckAfter:  cfg.StuckAfter(),
		})
		if err != nil {
			return nil, nil, err
		}
		producer, err := queue.NewAsynqProducer(cfg.RedisURL, cfg.QueueName, cfg.MaxRetries, cfg.Timeout())
		if err != nil {
			return nil, nil, err
		}
		return consumer, producer, nil

	default:
		consumer, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			Processor:   proc,
			Recoverer:   sm,
			StuckAfter:  cfg.StuckAfter(),
		})
		if err != nil {
			return nil, nil, err
		}
		producer, err := queue.NewRedisProducer(cfg.RedisURL, cfg.QueueName, cfg.MaxRetries)
		if err != nil {
			return nil, nil, err
		}
		return consumer, producer, nil
	}
}

// bootstrapFatal reports errors raised before the configured logger exists.
func bootstrapFatal(msg string, err error) {
	l, _ := logging.Init("info", "json")
	if l == nil {
		os.Stderr.WriteString(msg + ": " + err.Error() + "\n")
		os.Exit(1)
	}
	logging.NewLogger("Worker").Error(msg, "error", err)
	logging.Sync()
	os.Exit(1)
}
