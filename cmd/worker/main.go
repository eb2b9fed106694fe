/**
 * Captcha Worker - Main Entry Point
 *
 * Go worker for captcha recognition.
 *
 * Architecture:
 * - Redis LIST or asynq consumer for the recognition job queue
 * - Per-variant cleaning pipeline followed by Tesseract OCR
 * - PostgreSQL persistence for recognition results
 * - Qdrant index of image fingerprints for confirmed-label hints
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adverant/nexus/captcha-worker/internal/config"
	"github.com/adverant/nexus/captcha-worker/internal/fetch"
	"github.com/adverant/nexus/captcha-worker/internal/logging"
	"github.com/adverant/nexus/captcha-worker/internal/processor"
	"github.com/adverant/nexus/captcha-worker/internal/queue"
	"github.com/adverant/nexus/captcha-worker/internal/recognizer"
	"github.com/adverant/nexus/captcha-worker/internal/storage"
	"github.com/adverant/nexus/captcha-worker/internal/variant"
)

func main() {
	// Load environment variables
	if ok, err := config.LoadEnvFile(config.DefaultEnvFile); err != nil {
		log.Fatalf("Failed to load environment file: %v", err)
	} else if !ok {
		log.Printf("Warning: %s not found, using system environment variables", config.DefaultEnvFile)
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		log.Fatalf("Invalid worker configuration: %v", err)
	}

	logger := logging.NewLoggerWithWriter("worker", os.Stdout, logging.ParseLevel(cfg.LogLevel))

	log.Printf("Captcha Worker starting...")
	log.Printf("Configuration loaded: Queue=%s (%s), Qdrant=%s, Workers=%d",
		cfg.QueueName, cfg.QueueBackend, cfg.QdrantURL, cfg.WorkerConcurrency)

	// Initialize storage manager (PostgreSQL + optional Qdrant)
	log.Printf("Connecting to storage...")
	storageManager, err := storage.NewStorageManager(&storage.ManagerConfig{
		DatabaseURL:      cfg.DatabaseURL,
		QdrantAddress:    cfg.QdrantURL,
		QdrantCollection: cfg.QdrantCollection,
	})
	if err != nil {
		log.Fatalf("Failed to initialize storage manager: %v", err)
	}
	if storageManager.HasSampleIndex() {
		log.Printf("Storage manager initialized (PostgreSQL + Qdrant)")
	} else {
		log.Printf("Storage manager initialized (PostgreSQL only, label hints disabled)")
	}
	if stats, err := storageManager.GetStats(context.Background()); err != nil {
		log.Printf("Warning: Failed to read storage stats: %v", err)
	} else {
		log.Printf("Storage stats: %v", stats)
	}

	// Initialize recognizer
	rec, err := recognizer.New(
		recognizer.NewTesseractOCR(&recognizer.TesseractConfig{TessdataPath: cfg.TessdataPath}),
		logger,
	)
	if err != nil {
		log.Fatalf("Failed to initialize recognizer: %v", err)
	}

	registry := variant.DefaultRegistry()

	proc, err := processor.NewCaptchaProcessor(&processor.ProcessorConfig{
		Registry:   registry,
		Recognizer: rec,
		Storage:    storageManager,
		Fetcher: fetch.NewClient(&fetch.ClientConfig{
			Timeout: time.Duration(cfg.FetchTimeout) * time.Millisecond,
			MaxSize: cfg.MaxImageSize,
		}),
		MaxImageSize:        cfg.MaxImageSize,
		SimilarityThreshold: cfg.SimilarityThreshold,
		Logger:              logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize captcha processor: %v", err)
	}
	log.Printf("Captcha processor initialized (variants: %v, tessdata: %s)", registry.Keys(), cfg.TessdataPath)

	// Initialize queue consumer
	log.Printf("Connecting to Redis queue...")
	consumer, err := newConsumer(cfg, proc)
	if err != nil {
		log.Fatalf("Failed to initialize queue consumer: %v", err)
	}

	ctx := context.Background()
	if err := consumer.Start(ctx); err != nil {
		log.Fatalf("Failed to start queue consumer: %v", err)
	}

	log.Printf("===========================================")
	log.Printf("Captcha Worker is READY")
	log.Printf("===========================================")
	log.Printf("Queue: %s (%s)", cfg.QueueName, cfg.QueueBackend)
	log.Printf("Workers: %d", cfg.WorkerConcurrency)
	log.Printf("Processing timeout: %dms", cfg.ProcessingTimeout)
	log.Printf("===========================================")
	log.Printf("Waiting for jobs...")

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if stats, err := consumer.GetStats(shutdownCtx); err != nil {
		log.Printf("Warning: Failed to read queue stats: %v", err)
	} else {
		log.Printf("Queue stats: %v", stats)
	}

	if err := consumer.Stop(shutdownCtx); err != nil {
		log.Printf("Error stopping queue consumer: %v", err)
	} else {
		log.Printf("Queue consumer stopped successfully")
	}

	if err := storageManager.Close(); err != nil {
		log.Printf("Error closing storage manager: %v", err)
	} else {
		log.Printf("Storage manager closed")
	}

	log.Printf("Shutdown complete")
}

// newConsumer builds the transport selected by QUEUE_BACKEND
func newConsumer(cfg *config.Config, proc processor.CaptchaProcessorInterface) (queue.JobConsumer, error) {
	if cfg.QueueBackend == config.QueueBackendAsynq {
		return queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
		})
	}

	return queue.NewRedisConsumer(&queue.RedisConsumerConfig{
		RedisURL:          cfg.RedisURL,
		QueueName:         cfg.QueueName,
		Concurrency:       cfg.WorkerConcurrency,
		Processor:         proc,
		ProcessingTimeout: int64(cfg.ProcessingTimeout),
	})
}
