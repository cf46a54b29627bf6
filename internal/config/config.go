// Package config defines the featstore configuration, loaded from YAML
// with sensible defaults and startup validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete featstore configuration.
type Config struct {
	// Store configures the durable store backend.
	Store StoreConfig `yaml:"store"`

	// Cache configures the fast cache backend.
	Cache CacheConfig `yaml:"cache"`

	// Serving configures the online and point-in-time read paths.
	Serving ServingConfig `yaml:"serving"`

	// Pipeline configures the ingestion and aggregation pipeline.
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Export configures training-set export.
	Export ExportConfig `yaml:"export"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the durable store backend.
type StoreConfig struct {
	// Backend is the store implementation: memory, duckdb.
	Backend string `yaml:"backend"`

	// Path is the DuckDB database path (duckdb backend only).
	// Empty means an in-memory DuckDB database.
	Path string `yaml:"path"`
}

// CacheConfig configures the fast cache backend.
type CacheConfig struct {
	// Backend is the cache implementation: memory, redis.
	Backend string `yaml:"backend"`

	// Addr is the Redis address (redis backend only).
	Addr string `yaml:"addr"`

	// DB is the Redis database number.
	DB int `yaml:"db"`

	// MaxEntries caps the memory backend before LRU eviction kicks in.
	MaxEntries int `yaml:"max_entries"`

	// OpTimeout bounds individual cache operations.
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// ServingConfig configures the read paths.
type ServingConfig struct {
	// DefaultTTL is applied to features registered without a TTL.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// FetchTimeout bounds the durable store fallback fetch on a cache miss.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// MaxBatchEntities caps a single point-in-time batch request.
	MaxBatchEntities int `yaml:"max_batch_entities"`

	// BatchConcurrency bounds parallel per-entity store reads in GetBatch.
	BatchConcurrency int `yaml:"batch_concurrency"`
}

// PipelineConfig configures the ingestion pipeline.
type PipelineConfig struct {
	// Window is the aggregation window length.
	Window time.Duration `yaml:"window"`

	// Slide is the window slide interval.
	Slide time.Duration `yaml:"slide"`

	// Watermark is the allowed event lateness before dead-lettering.
	Watermark time.Duration `yaml:"watermark"`

	// Partitions is the number of stream partitions consumed.
	Partitions int `yaml:"partitions"`

	// PollBatch is the maximum events fetched per source poll.
	PollBatch int `yaml:"poll_batch"`

	// PollInterval is the wait between polls on an idle partition.
	PollInterval time.Duration `yaml:"poll_interval"`

	// CheckpointPath is the checkpoint file location. Empty disables
	// checkpoint persistence (offsets are still tracked in memory).
	CheckpointPath string `yaml:"checkpoint_path"`

	// Percentile configures DDSketch percentile calculation on windows.
	Percentile PercentileConfig `yaml:"percentile"`

	// Outputs declares the aggregate features emitted per event type.
	Outputs []OutputConfig `yaml:"outputs"`

	// DeadLetterRetain is how many late events are retained for inspection.
	DeadLetterRetain int `yaml:"dead_letter_retain"`
}

// PercentileConfig configures DDSketch percentile calculation.
type PercentileConfig struct {
	// Enabled enables percentile calculation.
	Enabled bool `yaml:"enabled"`

	// Accuracy is the relative accuracy (0.01 = 1% error).
	Accuracy float64 `yaml:"accuracy"`
}

// OutputConfig declares the output features for one event type.
type OutputConfig struct {
	// EventType selects the events feeding these outputs.
	EventType string `yaml:"event_type"`

	// EntityType is recorded on the auto-registered output features.
	EntityType string `yaml:"entity_type"`

	// Aggregates lists the emitted aggregates: avg, min, max, stddev, count.
	Aggregates []string `yaml:"aggregates"`

	// TTL for the output features' cache entries.
	TTL time.Duration `yaml:"ttl"`
}

// ExportConfig configures training-set export.
type ExportConfig struct {
	// Dir is the directory Parquet snapshots are written to.
	Dir string `yaml:"dir"`

	// Compression is the Parquet compression algorithm: zstd, snappy, none.
	Compression string `yaml:"compression"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON selects JSON output instead of text.
	JSON bool `yaml:"json"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: "memory",
		},
		Cache: CacheConfig{
			Backend:    "memory",
			Addr:       "localhost:6379",
			MaxEntries: 1_000_000,
			OpTimeout:  250 * time.Millisecond,
		},
		Serving: ServingConfig{
			DefaultTTL:       24 * time.Hour,
			FetchTimeout:     2 * time.Second,
			MaxBatchEntities: 1000,
			BatchConcurrency: 8,
		},
		Pipeline: PipelineConfig{
			Window:       5 * time.Minute,
			Slide:        time.Minute,
			Watermark:    10 * time.Minute,
			Partitions:   4,
			PollBatch:    1000,
			PollInterval: 100 * time.Millisecond,
			Percentile: PercentileConfig{
				Enabled:  false,
				Accuracy: 0.01,
			},
			DeadLetterRetain: 100,
		},
		Export: ExportConfig{
			Dir:         "exports",
			Compression: "zstd",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for fatal misconfiguration.
// Unknown backends and impossible window geometry are startup errors.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "duckdb":
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}

	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.Addr == "" {
		return fmt.Errorf("cache.addr: required for redis backend")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries: must be positive")
	}

	if c.Serving.DefaultTTL <= 0 {
		return fmt.Errorf("serving.default_ttl: must be positive")
	}
	if c.Serving.FetchTimeout <= 0 {
		return fmt.Errorf("serving.fetch_timeout: must be positive")
	}
	if c.Serving.MaxBatchEntities <= 0 {
		return fmt.Errorf("serving.max_batch_entities: must be positive")
	}
	if c.Serving.BatchConcurrency <= 0 {
		return fmt.Errorf("serving.batch_concurrency: must be positive")
	}

	if c.Pipeline.Window <= 0 {
		return fmt.Errorf("pipeline.window: must be positive")
	}
	if c.Pipeline.Slide <= 0 {
		return fmt.Errorf("pipeline.slide: must be positive")
	}
	if c.Pipeline.Window%c.Pipeline.Slide != 0 {
		return fmt.Errorf("pipeline.window: must be a multiple of pipeline.slide")
	}
	if c.Pipeline.Watermark < 0 {
		return fmt.Errorf("pipeline.watermark: must not be negative")
	}
	if c.Pipeline.Partitions <= 0 {
		return fmt.Errorf("pipeline.partitions: must be positive")
	}
	if c.Pipeline.Percentile.Enabled {
		if c.Pipeline.Percentile.Accuracy <= 0 || c.Pipeline.Percentile.Accuracy >= 1 {
			return fmt.Errorf("pipeline.percentile.accuracy: must be in (0, 1)")
		}
	}
	for i, out := range c.Pipeline.Outputs {
		if out.EventType == "" {
			return fmt.Errorf("pipeline.outputs[%d].event_type: required", i)
		}
		if len(out.Aggregates) == 0 {
			return fmt.Errorf("pipeline.outputs[%d].aggregates: at least one required", i)
		}
		for _, agg := range out.Aggregates {
			switch agg {
			case "avg", "min", "max", "stddev", "count":
			default:
				return fmt.Errorf("pipeline.outputs[%d]: unknown aggregate %q", i, agg)
			}
		}
	}

	return nil
}
