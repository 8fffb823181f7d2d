// Package config declares the engine's tuning knobs. Everything has a
// usable default; a zero Config patched by Default() runs.
package config

import (
	"os"

	"github.com/goccy/go-yaml"

	"tarn/pkg/dberrors"
)

type Config struct {
	Logger     LoggerConfig     `yaml:"logger"`
	Memtable   MemtableConfig   `yaml:"memtable"`
	Journal    JournalConfig    `yaml:"journal"`
	Segment    SegmentConfig    `yaml:"segment"`
	Compaction CompactionConfig `yaml:"compaction"`
	Cache      CacheConfig      `yaml:"cache"`
	Flush      FlushConfig      `yaml:"flush"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type MemtableConfig struct {
	// FlushThresholdBytes seals the active memtable once its
	// approximate size crosses this value.
	FlushThresholdBytes uint64 `yaml:"flush_threshold_bytes"`
	// MaxSealed stalls writers when this many sealed memtables are
	// still waiting to be flushed.
	MaxSealed int `yaml:"max_sealed"`
}

type JournalConfig struct {
	// Shards is fixed for the lifetime of the keyspace directory.
	Shards int `yaml:"shards"`
	// Durability is "sync" or "buffered".
	Durability string `yaml:"durability"`
}

type SegmentConfig struct {
	BlockSizeBytes  int    `yaml:"block_size_bytes"`
	Compression     string `yaml:"compression"`
	BloomBitsPerKey int    `yaml:"bloom_bits_per_key"`
	TargetSizeBytes uint64 `yaml:"target_size_bytes"`
	UseMmap         bool   `yaml:"use_mmap"`
}

type CompactionConfig struct {
	// Strategy is "tiered" or "leveled".
	Strategy      string `yaml:"strategy"`
	TierWidth     int    `yaml:"tier_width"`
	L0Threshold   int    `yaml:"l0_threshold"`
	BaseLevelSize uint64 `yaml:"base_level_size_bytes"`
	LevelRatio    uint64 `yaml:"level_ratio"`
	MaxLevel      int    `yaml:"max_level"`
	// Parallelism bounds concurrent compactions across partitions.
	Parallelism int `yaml:"parallelism"`
	// IntervalMs is the background compaction poll period.
	IntervalMs int `yaml:"interval_ms"`
}

type CacheConfig struct {
	// BlockCapacity is the number of decoded blocks kept in memory,
	// shared by all partitions.
	BlockCapacity int `yaml:"block_capacity"`
}

type FlushConfig struct {
	Workers    int `yaml:"workers"`
	QueueDepth int `yaml:"queue_depth"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "info",
		},
		Memtable: MemtableConfig{
			FlushThresholdBytes: 8 << 20,
			MaxSealed:           3,
		},
		Journal: JournalConfig{
			Shards:     4,
			Durability: "sync",
		},
		Segment: SegmentConfig{
			BlockSizeBytes:  4096,
			Compression:     "snappy",
			BloomBitsPerKey: 10,
			TargetSizeBytes: 64 << 20,
			UseMmap:         true,
		},
		Compaction: CompactionConfig{
			Strategy:      "tiered",
			TierWidth:     4,
			L0Threshold:   4,
			BaseLevelSize: 64 << 20,
			LevelRatio:    10,
			MaxLevel:      7,
			Parallelism:   2,
			IntervalMs:    500,
		},
		Cache: CacheConfig{
			BlockCapacity: 1024,
		},
		Flush: FlushConfig{
			Workers:    2,
			QueueDepth: 8,
		},
	}
}

// Load reads a yaml file over the defaults. Absent keys keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, dberrors.Wrap(dberrors.Validation, err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, dberrors.Wrap(dberrors.Validation, err, "parse config %s", path)
	}
	return cfg, nil
}
