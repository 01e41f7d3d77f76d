package core

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	DefaultBulkThreshold = 1 << 30 // 1 GiB
	DefaultFeedPageSize  = 512
)

type Config struct {
	Dir string `toml:"dir"` // engine data directory

	// SkipValidation disables hash verification on writes. Writes become
	// O(1) in the value size but the store no longer guarantees that a
	// value matches the digest in its key.
	SkipValidation bool `toml:"skip_validation"`

	Engine    EngineConfig    `toml:"engine"`
	Bulk      BulkConfig      `toml:"bulk"`
	Feed      FeedConfig      `toml:"feed"`
	Transform TransformConfig `toml:"transform"`
	Chunking  ChunkingConfig  `toml:"chunking"`
	Log       LogConfig       `toml:"log"`
}

type EngineConfig struct {
	Backend string `toml:"backend"` // "pebble" (default) or "bolt"
	NoSync  bool   `toml:"no_sync"` // skip fsync on single-key writes; batches always sync
}

type BulkConfig struct {
	ThresholdBytes int64 `toml:"threshold_bytes"`
}

type FeedConfig struct {
	PageSize int `toml:"page_size"`
}

type TransformConfig struct {
	Name      string `toml:"name"` // "none" (default) or "zstd"
	ZstdLevel int    `toml:"zstd_level"`
}

type ChunkingConfig struct {
	Min int `toml:"min"`
	Avg int `toml:"avg"`
	Max int `toml:"max"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Defaults returns a Config with every optional field populated.
func Defaults() Config {
	return Config{
		Engine:    EngineConfig{Backend: "pebble"},
		Bulk:      BulkConfig{ThresholdBytes: DefaultBulkThreshold},
		Feed:      FeedConfig{PageSize: DefaultFeedPageSize},
		Transform: TransformConfig{Name: "none", ZstdLevel: 3},
		Chunking:  ChunkingConfig{Min: 64 << 10, Avg: 256 << 10, Max: 1 << 20},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// WithDefaults fills zero-valued fields of c from Defaults.
func (c Config) WithDefaults() Config {
	d := Defaults()
	if c.Engine.Backend == "" {
		c.Engine.Backend = d.Engine.Backend
	}
	if c.Bulk.ThresholdBytes <= 0 {
		c.Bulk.ThresholdBytes = d.Bulk.ThresholdBytes
	}
	if c.Feed.PageSize <= 0 {
		c.Feed.PageSize = d.Feed.PageSize
	}
	if c.Transform.Name == "" {
		c.Transform.Name = d.Transform.Name
	}
	if c.Transform.ZstdLevel == 0 {
		c.Transform.ZstdLevel = d.Transform.ZstdLevel
	}
	if c.Chunking.Min == 0 && c.Chunking.Avg == 0 && c.Chunking.Max == 0 {
		c.Chunking = d.Chunking
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	return c
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("%w: dir is required", ErrInvalidInput)
	}
	switch c.Engine.Backend {
	case "pebble", "bolt":
	default:
		return fmt.Errorf("%w: unsupported engine backend %q", ErrInvalidInput, c.Engine.Backend)
	}
	switch c.Transform.Name {
	case "none", "zstd":
	default:
		return fmt.Errorf("%w: unsupported transform %q", ErrInvalidInput, c.Transform.Name)
	}
	ch := c.Chunking
	if ch.Min < 64 || ch.Min >= ch.Avg || ch.Avg >= ch.Max {
		return fmt.Errorf("%w: chunking sizes must satisfy 64 <= min < avg < max", ErrInvalidInput)
	}
	return nil
}

// LoadConfig reads a TOML config file on top of Defaults.
func LoadConfig(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}
