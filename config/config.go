/*
config.go - Environment-driven configuration

PURPOSE:
  Reads .env (when present) and process environment into a Config with
  defaults. Command-line flags override the loaded values in cmd/server.

SEE ALSO:
  - logger/logger.go: LogConfig
  - cmd/server/main.go: flag overrides
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/warp/procurement-engine/logger"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Config struct {
	Port   int
	DBPath string

	// Deferred operations
	SchedulerBackend string
	RedisAddr        string
	RedisQueueKey    string
	DeferDelay       time.Duration
	RunnerInterval   time.Duration

	ReviewThreshold decimal.Decimal

	LogLevel      string
	LogFormat     string
	LogTimeFormat string
	LogOutput     string
}

// Load reads the environment, optionally seeded from the given .env files.
// Missing files are ignored. Already-set variables win over file values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{
		DBPath:           getEnv("DB_PATH", "procurement.db"),
		SchedulerBackend: getEnv("SCHEDULER_BACKEND", BackendSQLite),
		RedisAddr:        getEnv("REDIS_ADDR", ""),
		RedisQueueKey:    getEnv("REDIS_QUEUE_KEY", "procurement:deferred"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "json"),
		LogTimeFormat:    getEnv("LOG_TIME_FORMAT", time.RFC3339),
		LogOutput:        getEnv("LOG_OUTPUT", "stdout"),
	}

	var err error
	if cfg.Port, err = strconv.Atoi(getEnv("PORT", "8080")); err != nil {
		return nil, fmt.Errorf("PORT: %w", err)
	}
	if cfg.DeferDelay, err = time.ParseDuration(getEnv("DEFER_DELAY", "1h")); err != nil {
		return nil, fmt.Errorf("DEFER_DELAY: %w", err)
	}
	if cfg.RunnerInterval, err = time.ParseDuration(getEnv("RUNNER_INTERVAL", "1m")); err != nil {
		return nil, fmt.Errorf("RUNNER_INTERVAL: %w", err)
	}
	if cfg.ReviewThreshold, err = decimal.NewFromString(getEnv("REVIEW_THRESHOLD", "10000")); err != nil {
		return nil, fmt.Errorf("REVIEW_THRESHOLD: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges and backend combinations. cmd/server calls
// it again after applying flags.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	switch c.SchedulerBackend {
	case BackendSQLite:
		if c.DBPath == "" {
			return errors.New("DB_PATH is required")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required when SCHEDULER_BACKEND=redis")
		}
	default:
		return fmt.Errorf("SCHEDULER_BACKEND %q: want sqlite or redis", c.SchedulerBackend)
	}
	if c.DeferDelay <= 0 {
		return errors.New("DEFER_DELAY must be positive")
	}
	if c.RunnerInterval <= 0 {
		return errors.New("RUNNER_INTERVAL must be positive")
	}
	if c.ReviewThreshold.IsNegative() {
		return errors.New("REVIEW_THRESHOLD must not be negative")
	}
	return nil
}

func (c *Config) LoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		TimeFormat: c.LogTimeFormat,
		Output:     c.LogOutput,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
