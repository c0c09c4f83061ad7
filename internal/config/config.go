/**
 * Configuration for the voter-roll import worker
 *
 * Loads configuration from environment variables matching .env.voterroll
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Queue backends
const (
	QueueBackendRedis = "redis"
	QueueBackendAsynq = "asynq"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL     string
	QueueBackend string
	QueueName    string

	// PostgreSQL configuration
	DatabaseURL string

	// Qdrant near-duplicate index; empty URL disables it
	QdrantURL             string
	QdrantCollection      string
	FingerprintDimensions int

	// Worker configuration
	WorkerConcurrency int
	MaxFileSize       int64
	ProcessingTimeout int // milliseconds
	StuckJobAfter     int // minutes
	MaxRetries        int
	MinEPICLength     int
	DeleteAfterImport bool

	// OCR tooling
	TessdataPrefix string
	PdftoppmPath   string

	// Temporary directory for rasterised pages
	TempDir string

	// Uploaded roll files
	UploadDir string

	// HTTP API
	HTTPAddr string

	// Optional roll layout profile (YAML)
	RollProfile string

	LogLevel  string
	LogFormat string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:              getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		QueueBackend:          strings.ToLower(getEnvOrDefault("QUEUE_BACKEND", QueueBackendRedis)),
		QueueName:             getEnvOrDefault("QUEUE_NAME", "voterroll:jobs"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		QdrantURL:             getEnvOrDefault("QDRANT_URL", ""),
		QdrantCollection:      getEnvOrDefault("QDRANT_COLLECTION", "voter_fingerprints"),
		FingerprintDimensions: getEnvAsIntOrDefault("FINGERPRINT_DIMENSIONS", 256),
		WorkerConcurrency:     getEnvAsIntOrDefault("WORKER_CONCURRENCY", 2),
		MaxFileSize:           getEnvAsInt64OrDefault("MAX_FILE_SIZE", 104857600), // 100MB
		ProcessingTimeout:     getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 300000), // 5 minutes
		StuckJobAfter:         getEnvAsIntOrDefault("STUCK_JOB_AFTER", 30),
		MaxRetries:            getEnvAsIntOrDefault("MAX_RETRIES", 3),
		MinEPICLength:         getEnvAsIntOrDefault("MIN_EPIC_LENGTH", 9),
		DeleteAfterImport:     getEnvAsBoolOrDefault("DELETE_AFTER_IMPORT", true),
		TessdataPrefix:        getEnvOrDefault("TESSDATA_PREFIX", ""),
		PdftoppmPath:          getEnvOrDefault("PDFTOPPM_PATH", "pdftoppm"),
		TempDir:               getEnvOrDefault("TEMP_DIR", "/tmp/voterroll"),
		UploadDir:             getEnvOrDefault("UPLOAD_DIR", "uploads/voter_lists"),
		HTTPAddr:              getEnvOrDefault("HTTP_ADDR", ":8080"),
		RollProfile:           getEnvOrDefault("ROLL_PROFILE", ""),
		LogLevel:              getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:             getEnvOrDefault("LOG_FORMAT", "json"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.QueueBackend != QueueBackendRedis && c.QueueBackend != QueueBackendAsynq {
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", QueueBackendRedis, QueueBackendAsynq, c.QueueBackend)
	}

	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME is required")
	}

	if c.FingerprintDimensions < 16 || c.FingerprintDimensions > 4096 {
		return fmt.Errorf("FINGERPRINT_DIMENSIONS must be between 16 and 4096, got %d", c.FingerprintDimensions)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 10737418240 { // 1KB to 10GB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 10GB, got %d", c.MaxFileSize)
	}

	if c.ProcessingTimeout < 1000 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be at least 1000ms, got %d", c.ProcessingTimeout)
	}

	if c.StuckJobAfter < 1 {
		return fmt.Errorf("STUCK_JOB_AFTER must be at least 1 minute, got %d", c.StuckJobAfter)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}

	if c.MinEPICLength < 1 {
		return fmt.Errorf("MIN_EPIC_LENGTH must be positive, got %d", c.MinEPICLength)
	}

	return nil
}

// Timeout returns the per-job processing timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.ProcessingTimeout) * time.Millisecond
}

// StuckAfter returns how long a job may stay in processing before it is
// handed back to the queue.
func (c *Config) StuckAfter() time.Duration {
	return time.Duration(c.StuckJobAfter) * time.Minute
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

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}
