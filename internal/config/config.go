// Package config provides configuration loading for patternd.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SERVER_HTTP_PORT, NATS_URL, ...)
//  2. YAML config file
//  3. Hardcoded defaults
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/logging"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// Config holds the complete patternd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	NATS      NATSConfig      `koanf:"nats"`
	Storage   StorageConfig   `koanf:"storage"`
	Evaluator EvaluatorConfig `koanf:"evaluator"`
	Logging   logging.Config  `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	ServiceName     string   `koanf:"service_name"`
}

// NATSConfig holds event-bus configuration. An empty URL runs the daemon
// API-only, without event consumption.
type NATSConfig struct {
	URL            string   `koanf:"url"`
	MaxReconnects  int      `koanf:"max_reconnects"`
	RequestTimeout Duration `koanf:"request_timeout"`
}

// StorageConfig holds the pattern database and idempotency store paths.
type StorageConfig struct {
	PatternDBPath     string   `koanf:"pattern_db_path"`
	IdempotencyDBPath string   `koanf:"idempotency_db_path"`
	IdempotencyTTL    Duration `koanf:"idempotency_ttl"`
}

// EvaluatorConfig holds the worker pool, cadence, retry, and threshold
// settings for the promotion and demotion evaluators.
type EvaluatorConfig struct {
	Workers      int                          `koanf:"workers"`
	ScanInterval Duration                     `koanf:"scan_interval"`
	Retry        RetryConfig                  `koanf:"retry"`
	Thresholds   pattern.TransitionThresholds `koanf:"thresholds"`
}

// RetryConfig configures retry behavior for repository and event-bus calls.
type RetryConfig struct {
	MaxRetries        int      `koanf:"max_retries"`
	InitialBackoff    Duration `koanf:"initial_backoff"`
	MaxBackoff        Duration `koanf:"max_backoff"`
	BackoffMultiplier float64  `koanf:"backoff_multiplier"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9290,
			ShutdownTimeout: Duration(10 * time.Second),
			ServiceName:     "patternd",
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			MaxReconnects:  5,
			RequestTimeout: Duration(5 * time.Second),
		},
		Storage: StorageConfig{
			PatternDBPath:     "patternd.db",
			IdempotencyDBPath: "patternd-idempotency",
			IdempotencyTTL:    Duration(24 * time.Hour),
		},
		Evaluator: EvaluatorConfig{
			Workers:      4,
			ScanInterval: Duration(time.Minute),
			Retry: RetryConfig{
				MaxRetries:        3,
				InitialBackoff:    Duration(time.Second),
				MaxBackoff:        Duration(30 * time.Second),
				BackoffMultiplier: 2.0,
			},
			Thresholds: pattern.DefaultThresholds(),
		},
		Logging: *logging.NewDefaultConfig(),
	}
}

// Validate checks the full configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.http_port %d out of range", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	if c.Server.ServiceName == "" {
		return errors.New("server.service_name cannot be empty")
	}
	if c.Storage.PatternDBPath == "" {
		return errors.New("storage.pattern_db_path cannot be empty")
	}
	if c.Evaluator.Workers < 1 {
		return errors.New("evaluator.workers must be >= 1")
	}
	if c.Evaluator.ScanInterval.Duration() <= 0 {
		return errors.New("evaluator.scan_interval must be positive")
	}
	if c.Evaluator.Retry.MaxRetries < 0 {
		return errors.New("evaluator.retry.max_retries cannot be negative")
	}
	if c.Evaluator.Retry.BackoffMultiplier < 1 {
		return errors.New("evaluator.retry.backoff_multiplier must be >= 1")
	}
	if err := c.Evaluator.Thresholds.Validate(); err != nil {
		return fmt.Errorf("evaluator.thresholds: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
