/**
 * Configuration for the captcha worker and CLI
 *
 * Loads configuration from environment variables. cmd/ entry points load
 * .env.captcha through godotenv before calling LoadConfig.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultEnvFile is the dotenv file read at startup when present
const DefaultEnvFile = ".env.captcha"

// Queue backends
const (
	QueueBackendList  = "list"
	QueueBackendAsynq = "asynq"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL     string
	QueueName    string
	QueueBackend string

	// PostgreSQL configuration
	DatabaseURL string

	// Qdrant sample index configuration
	QdrantURL           string
	QdrantCollection    string
	SimilarityThreshold float64

	// Tesseract configuration
	TessdataPath string

	// Worker configuration
	WorkerConcurrency int
	MaxRetries        int   // attempts per job, first attempt included
	ProcessingTimeout int   // milliseconds
	FetchTimeout      int   // milliseconds
	MaxImageSize      int64 // bytes

	// Dataset layout
	LabelRoot string
	TrainRoot string

	LogLevel string
}

// LoadEnvFile loads a dotenv file into the process environment. Missing
// files are not an error; existing variables are not overwritten.
func LoadEnvFile(path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		return false, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return true, nil
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:            getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		QueueName:           getEnvOrDefault("QUEUE_NAME", "captcha:jobs"),
		QueueBackend:        strings.ToLower(getEnvOrDefault("QUEUE_BACKEND", QueueBackendList)),
		DatabaseURL:         getEnvOrDefault("DATABASE_URL", ""),
		QdrantURL:           getEnvOrDefault("QDRANT_URL", ""),
		QdrantCollection:    getEnvOrDefault("QDRANT_COLLECTION", "captcha_samples"),
		SimilarityThreshold: getEnvAsFloatOrDefault("SIMILARITY_THRESHOLD", 0.98),
		TessdataPath:        getEnvOrDefault("TESSDATA_PATH", "tessdata"),
		WorkerConcurrency:   getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		MaxRetries:          getEnvAsIntOrDefault("MAX_RETRIES", 3),
		ProcessingTimeout:   getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 30000), // 30 seconds
		FetchTimeout:        getEnvAsIntOrDefault("FETCH_TIMEOUT", 10000),      // 10 seconds
		MaxImageSize:        getEnvAsInt64OrDefault("MAX_IMAGE_SIZE", 1048576), // 1MB
		LabelRoot:           getEnvOrDefault("LABEL_ROOT", "data/labeling"),
		TrainRoot:           getEnvOrDefault("TRAIN_ROOT", "data/training"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.QueueBackend != QueueBackendList && c.QueueBackend != QueueBackendAsynq {
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", QueueBackendList, QueueBackendAsynq, c.QueueBackend)
	}

	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME is required")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxRetries < 1 || c.MaxRetries > 10 {
		return fmt.Errorf("MAX_RETRIES must be between 1 and 10, got %d", c.MaxRetries)
	}

	if c.ProcessingTimeout < 100 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be at least 100ms, got %d", c.ProcessingTimeout)
	}

	if c.FetchTimeout < 100 {
		return fmt.Errorf("FETCH_TIMEOUT must be at least 100ms, got %d", c.FetchTimeout)
	}

	if c.MaxImageSize < 1024 || c.MaxImageSize > 52428800 { // 1KB to 50MB
		return fmt.Errorf("MAX_IMAGE_SIZE must be between 1KB and 50MB, got %d", c.MaxImageSize)
	}

	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("SIMILARITY_THRESHOLD must be in (0, 1], got %v", c.SimilarityThreshold)
	}

	return nil
}

// ValidateWorker checks the settings only the queue worker needs
func (c *Config) ValidateWorker() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}
