package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100, cfg.Coordinator.BatchSize)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
coordinator:
  batch_size: 25
worker:
  worker_count: 4
  task_timeout: 5s
  min_delay: 10ms
  max_delay: 20ms
store:
  driver: file
  dir: /tmp/processes
journal:
  flush_interval: 250ms
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Coordinator.BatchSize)
	assert.Equal(t, 4, cfg.Coordinator.Concurrency, "unset keys keep defaults")
	assert.Equal(t, 4, cfg.Worker.WorkerCount)
	assert.Equal(t, 5*time.Second, cfg.Worker.TaskTimeout)
	assert.Equal(t, 20*time.Millisecond, cfg.Worker.MaxDelay)
	assert.Equal(t, StoreFile, cfg.Store.Driver)
	assert.Equal(t, 250*time.Millisecond, cfg.Journal.FlushInterval)
	assert.True(t, cfg.Journal.Enabled)
}

func TestLoadEmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "coordinator: [not, a, map"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "coordinator:\n  batch_size: 0\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"batch size", func(c *Config) { c.Coordinator.BatchSize = -1 }, "coordinator.batch_size"},
		{"concurrency", func(c *Config) { c.Coordinator.Concurrency = 0 }, "coordinator.concurrency"},
		{"duplicate rate", func(c *Config) { c.Transport.DuplicateRate = 1.5 }, "transport.duplicate_rate"},
		{"delay order", func(c *Config) { c.Worker.MaxDelay = c.Worker.MinDelay - 1 }, "worker.max_delay"},
		{"failure rate", func(c *Config) { c.Worker.FailureRate = -0.1 }, "worker.failure_rate"},
		{"journal path", func(c *Config) { c.Journal.Path = "" }, "journal.path"},
		{"store driver", func(c *Config) { c.Store.Driver = "postgres" }, "store.driver"},
		{"file dir", func(c *Config) { c.Store.Driver = StoreFile; c.Store.Dir = "" }, "store.dir"},
		{"redis addr", func(c *Config) { c.Store.Driver = StoreRedis; c.Store.RedisAddr = "" }, "store.redis_addr"},
		{"grpc port", func(c *Config) { c.GRPC.Enabled = true; c.GRPC.Port = 70000 }, "grpc.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestDefaultConfigFileLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
