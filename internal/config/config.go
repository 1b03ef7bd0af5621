// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backend selection.
const (
	StorageS3    = "s3"
	StorageLocal = "local"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for databases and local file storage (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	// File storage for source documents and calculation results.
	StorageBackend string // "s3" or "local"
	S3Bucket       string
	S3Region       string

	// Exchange rate provider.
	RateAPIBaseURL     string
	RateAPITimeout     time.Duration
	RateWarmSchedule   string   // cron spec for pre-fetching today's rates
	RateWarmCurrencies []string // currencies warmed against the reporting currency

	// Calculation engine.
	CalculationTimeout time.Duration // Per-batch deadline
	ExposureWorkers    int           // Parallelism within one batch
	BatchWorkers       int           // Concurrent batches

	// Outbox dispatcher.
	OutboxPollInterval string // cron spec, e.g. "@every 2s"
	OutboxBatchSize    int
	OutboxMaxAttempts  int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("RISKCALC_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvAsInt("PORT", 8080),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		StorageBackend: getEnv("STORAGE_BACKEND", StorageLocal),
		S3Bucket:       getEnv("S3_BUCKET", ""),
		S3Region:       getEnv("AWS_REGION", "eu-south-1"),

		RateAPIBaseURL:     getEnv("RATE_API_BASE_URL", "https://api.frankfurter.app"),
		RateAPITimeout:     getEnvAsDuration("RATE_API_TIMEOUT", 10*time.Second),
		RateWarmSchedule:   getEnv("RATE_WARM_SCHEDULE", "@every 6h"),
		RateWarmCurrencies: getEnvAsList("RATE_WARM_CURRENCIES", []string{"USD", "GBP", "CHF", "JPY"}),

		CalculationTimeout: getEnvAsDuration("CALCULATION_TIMEOUT", 5*time.Minute),
		ExposureWorkers:    getEnvAsInt("EXPOSURE_WORKERS", 8),
		BatchWorkers:       getEnvAsInt("BATCH_WORKERS", 2),

		OutboxPollInterval: getEnv("OUTBOX_POLL_INTERVAL", "@every 2s"),
		OutboxBatchSize:    getEnvAsInt("OUTBOX_BATCH_SIZE", 50),
		OutboxMaxAttempts:  getEnvAsInt("OUTBOX_MAX_ATTEMPTS", 8),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if c.StorageBackend != StorageS3 && c.StorageBackend != StorageLocal {
		return fmt.Errorf("invalid STORAGE_BACKEND %q: must be %q or %q", c.StorageBackend, StorageS3, StorageLocal)
	}
	if c.StorageBackend == StorageS3 && c.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND is %q", StorageS3)
	}
	if c.ExposureWorkers < 1 {
		return fmt.Errorf("EXPOSURE_WORKERS must be at least 1, got %d", c.ExposureWorkers)
	}
	if c.BatchWorkers < 1 {
		return fmt.Errorf("BATCH_WORKERS must be at least 1, got %d", c.BatchWorkers)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
