// ============================================================================
// Batch-Saga Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: load and validate the YAML node configuration
//
// Sections:
//   coordinator: batch size and inbox consumer count
//   transport:   in-flight bound, redelivery and duplicate injection
//   worker:      local pool size, timeouts and the simulated workload
//   store:       memory | file | redis
//   journal:     event journal location and flush policy
//   grpc:        coordinator service port
//   metrics:     Prometheus endpoint
//   log:         level and console output
//
// Keys missing from the file keep the values of Default().
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/batch-saga/internal/partition"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Store drivers
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Config is the complete node configuration.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Transport   TransportConfig   `yaml:"transport"`
	Worker      WorkerConfig      `yaml:"worker"`
	Store       StoreConfig       `yaml:"store"`
	Journal     JournalConfig     `yaml:"journal"`
	GRPC        GRPCConfig        `yaml:"grpc"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

type CoordinatorConfig struct {
	BatchSize   int `yaml:"batch_size"`
	Concurrency int `yaml:"concurrency"`
}

type TransportConfig struct {
	MaxInFlight   int     `yaml:"max_in_flight"`
	MaxDeliveries int     `yaml:"max_deliveries"`
	DuplicateRate float64 `yaml:"duplicate_rate"`
}

type WorkerConfig struct {
	WorkerCount int           `yaml:"worker_count"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
	MaxRetry    int           `yaml:"max_retry"`
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	FailureRate float64       `yaml:"failure_rate"`
}

type StoreConfig struct {
	Driver      string        `yaml:"driver"`
	Dir         string        `yaml:"dir"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisPrefix string        `yaml:"redis_prefix"`
	ArchiveTTL  time.Duration `yaml:"archive_ttl"`
}

type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	SnapshotPath  string        `yaml:"snapshot_path"` // memory store only, empty disables
}

type GRPCConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			BatchSize:   partition.DefaultBatchSize,
			Concurrency: 4,
		},
		Transport: TransportConfig{
			MaxInFlight:   100,
			MaxDeliveries: 3,
		},
		Worker: WorkerConfig{
			WorkerCount: 10,
			TaskTimeout: 30 * time.Second,
			MaxRetry:    3,
			MinDelay:    500 * time.Millisecond,
			MaxDelay:    1000 * time.Millisecond,
		},
		Store: StoreConfig{
			Driver:      StoreMemory,
			Dir:         "./data/processes",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "batchsaga",
			ArchiveTTL:  24 * time.Hour,
		},
		Journal: JournalConfig{
			Enabled:       true,
			Path:          "./data/journal.log",
			BufferSize:    256,
			FlushInterval: time.Second,
			SnapshotPath:  "./data/snapshot.json",
		},
		GRPC: GRPCConfig{
			Enabled: false,
			Port:    50051,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path on top of Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and the store driver.
func (c *Config) Validate() error {
	switch {
	case c.Coordinator.BatchSize <= 0:
		return invalid("coordinator.batch_size", c.Coordinator.BatchSize)
	case c.Coordinator.Concurrency <= 0:
		return invalid("coordinator.concurrency", c.Coordinator.Concurrency)
	case c.Transport.MaxInFlight <= 0:
		return invalid("transport.max_in_flight", c.Transport.MaxInFlight)
	case c.Transport.MaxDeliveries <= 0:
		return invalid("transport.max_deliveries", c.Transport.MaxDeliveries)
	case c.Transport.DuplicateRate < 0 || c.Transport.DuplicateRate > 1:
		return invalid("transport.duplicate_rate", c.Transport.DuplicateRate)
	case c.Worker.WorkerCount < 0:
		return invalid("worker.worker_count", c.Worker.WorkerCount)
	case c.Worker.MaxRetry < 0:
		return invalid("worker.max_retry", c.Worker.MaxRetry)
	case c.Worker.MinDelay < 0 || c.Worker.MaxDelay < c.Worker.MinDelay:
		return invalid("worker.max_delay", c.Worker.MaxDelay)
	case c.Worker.FailureRate < 0 || c.Worker.FailureRate > 1:
		return invalid("worker.failure_rate", c.Worker.FailureRate)
	case c.Journal.Enabled && c.Journal.Path == "":
		return invalid("journal.path", c.Journal.Path)
	case c.GRPC.Enabled && (c.GRPC.Port <= 0 || c.GRPC.Port > 65535):
		return invalid("grpc.port", c.GRPC.Port)
	case c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535):
		return invalid("metrics.port", c.Metrics.Port)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreFile:
		if c.Store.Dir == "" {
			return invalid("store.dir", c.Store.Dir)
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return invalid("store.redis_addr", c.Store.RedisAddr)
		}
	default:
		return invalid("store.driver", c.Store.Driver)
	}
	return nil
}

func invalid(field string, value any) error {
	return fmt.Errorf("%w: %s = %v", ErrInvalidConfig, field, value)
}
