// Package config loads engine configuration from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Volume   Volume   `yaml:"volume"`
	Model    Model    `yaml:"model"`
	Index    Index    `yaml:"index"`
	Monitor  Monitor  `yaml:"monitor"`
	Snapshot Snapshot `yaml:"snapshot"`
}

// Volume describes the backing device and format geometry.
type Volume struct {
	Path       string `yaml:"path"`
	BlockSize  int    `yaml:"block_size"`
	BlockCount int    `yaml:"block_count"`
}

// Model pins the embedding model the volume accepts.
type Model struct {
	Name      string `yaml:"name"`
	Dimension int    `yaml:"dimension"`
	MaxSeqLen int    `yaml:"max_seq_len"`
}

// Index tunes the two ANN indexes.
type Index struct {
	Graph Graph `yaml:"graph"`
	Hash  Hash  `yaml:"hash"`
}

// Graph tunes the graph index.
type Graph struct {
	M         int `yaml:"m"`
	BeamWidth int `yaml:"beam_width"`
}

// Hash tunes the hash index.
type Hash struct {
	Tables      int     `yaml:"tables"`
	Hashes      int     `yaml:"hashes"`
	BucketWidth float64 `yaml:"bucket_width"`
	Seed        int64   `yaml:"seed"`
}

// Monitor tunes hang prevention.
type Monitor struct {
	MaxConcurrent   int64   `yaml:"max_concurrent"`
	RatePerSecond   float64 `yaml:"rate_per_second"`
	MemoryBudgetMiB int     `yaml:"memory_budget_mib"`
}

// Snapshot configures local snapshots and the optional remote backup.
type Snapshot struct {
	Path   string `yaml:"path"`
	Codec  string `yaml:"codec"` // none, zstd, lz4
	Backup Backup `yaml:"backup"`
}

// Backup configures S3-compatible snapshot replication. An empty endpoint
// disables it.
type Backup struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Volume: Volume{
			BlockSize:  4096,
			BlockCount: 4096,
		},
		Index: Index{
			Graph: Graph{M: 16, BeamWidth: 100},
			Hash:  Hash{Tables: 8, Hashes: 4, BucketWidth: 4.0},
		},
		Monitor: Monitor{
			MaxConcurrent:   64,
			MemoryBudgetMiB: 1024,
		},
		Snapshot: Snapshot{Codec: "zstd"},
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Volume.BlockSize != 0 {
		bs := c.Volume.BlockSize
		if bs < 4096 || bs > 65536 || bs&(bs-1) != 0 {
			return fmt.Errorf("volume.block_size %d: must be a power of two in [4096,65536]", bs)
		}
	}
	if c.Model.Dimension < 0 {
		return fmt.Errorf("model.dimension must be non-negative")
	}
	switch c.Snapshot.Codec {
	case "", "none", "zstd", "lz4":
	default:
		return fmt.Errorf("snapshot.codec %q: must be none, zstd, or lz4", c.Snapshot.Codec)
	}
	return nil
}
