package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9290, cfg.Server.Port)
	assert.Equal(t, "patternd", cfg.Server.ServiceName)
	assert.Equal(t, 4, cfg.Evaluator.Workers)
	assert.Equal(t, 10, cfg.Evaluator.Thresholds.PromotedMinRuns)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 0 }},
		{"empty service name", func(c *Config) { c.Server.ServiceName = "" }},
		{"empty db path", func(c *Config) { c.Storage.PatternDBPath = "" }},
		{"zero workers", func(c *Config) { c.Evaluator.Workers = 0 }},
		{"negative retries", func(c *Config) { c.Evaluator.Retry.MaxRetries = -1 }},
		{"multiplier below one", func(c *Config) { c.Evaluator.Retry.BackoffMultiplier = 0.5 }},
		{"bad thresholds", func(c *Config) { c.Evaluator.Thresholds.ValidatedMinRuns = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "chatty" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadWithFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  http_port: 8181
  service_name: patternd-test
evaluator:
  workers: 2
  thresholds:
    promoted_min_runs: 20
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "patternd-test", cfg.Server.ServiceName)
	assert.Equal(t, 2, cfg.Evaluator.Workers)
	assert.Equal(t, 20, cfg.Evaluator.Thresholds.PromotedMinRuns)
	// Unset sections keep their defaults.
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
}

func TestLoadWithFile_Missing(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("not-a-duration")))
	assert.Error(t, d.UnmarshalText([]byte("-5s")))
}
