package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration surface.
type Config struct {
	DBSource string
	Port     string
	Env      string

	// MaxRetries bounds OCC attempts inside one pipeline and doubles as the
	// structural-failure cap before an item dead-letters.
	MaxRetries int

	// RetryInterval is the base for the linear OCC backoff.
	RetryInterval time.Duration

	// PollInterval is the scheduler wake-up period.
	PollInterval time.Duration

	// BaseRetryDelay seeds the exponential queue-level retry schedule.
	BaseRetryDelay time.Duration

	// MaxRetryDelay caps the queue-level retry schedule.
	MaxRetryDelay time.Duration

	// ProcessorName prefixes derived processor ids.
	ProcessorName string

	// StuckThreshold is how long an item may sit in processing before the
	// scheduler forces it back to pending. Zero derives it from the OCC
	// settings plus a grace period.
	StuckThreshold time.Duration

	// WorkerConcurrency bounds parallel pipeline dispatch per scheduler.
	WorkerConcurrency int
}

const stuckGrace = 30 * time.Second

func Load() (*Config, error) {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBSource:          dbSource,
		Port:              envDefault("SERVER_PORT", "8080"),
		Env:               envDefault("ENVIRONMENT", "development"),
		ProcessorName:     envDefault("PROCESSOR_NAME", "event_queue"),
		MaxRetries:        5,
		RetryInterval:     200 * time.Millisecond,
		PollInterval:      5 * time.Second,
		BaseRetryDelay:    30 * time.Second,
		MaxRetryDelay:     3600 * time.Second,
		WorkerConcurrency: 8,
	}

	var err error
	if cfg.MaxRetries, err = envInt("MAX_RETRIES", cfg.MaxRetries); err != nil {
		return nil, err
	}
	if cfg.RetryInterval, err = envMillis("RETRY_INTERVAL_MS", cfg.RetryInterval); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = envMillis("POLL_INTERVAL_MS", cfg.PollInterval); err != nil {
		return nil, err
	}
	if cfg.BaseRetryDelay, err = envSeconds("BASE_RETRY_DELAY_S", cfg.BaseRetryDelay); err != nil {
		return nil, err
	}
	if cfg.MaxRetryDelay, err = envSeconds("MAX_RETRY_DELAY_S", cfg.MaxRetryDelay); err != nil {
		return nil, err
	}
	if cfg.WorkerConcurrency, err = envInt("WORKER_CONCURRENCY", cfg.WorkerConcurrency); err != nil {
		return nil, err
	}
	if cfg.StuckThreshold, err = envSeconds("STUCK_THRESHOLD_S", 0); err != nil {
		return nil, err
	}
	if cfg.StuckThreshold == 0 {
		cfg.StuckThreshold = time.Duration(cfg.MaxRetries)*cfg.RetryInterval + stuckGrace
	}

	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("MAX_RETRIES must be at least 1")
	}
	if cfg.WorkerConcurrency < 1 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}

	return cfg, nil
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func envMillis(key string, fallback time.Duration) (time.Duration, error) {
	n, err := envInt(key, int(fallback/time.Millisecond))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

func envSeconds(key string, fallback time.Duration) (time.Duration, error) {
	n, err := envInt(key, int(fallback/time.Second))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
