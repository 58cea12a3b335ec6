// Package config handles configuration loading for the cellucid server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Data     DataConfig     `yaml:"data"`
	Cache    CacheConfig    `yaml:"cache"`
	Prefetch PrefetchConfig `yaml:"prefetch"`
	Bulk     BulkConfig     `yaml:"bulk"`
	Memory   MemoryConfig   `yaml:"memory"`
	Notify   NotifyConfig   `yaml:"notify"`
	DE       DEConfig       `yaml:"de"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DataConfig contains data source settings.
type DataConfig struct {
	ZarrPath string `yaml:"zarr_path"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ResultCacheSize     int `yaml:"result_cache_size"`
	ResultMaxAgeSeconds int `yaml:"result_max_age_seconds"`
	BulkCacheSize       int `yaml:"bulk_cache_size"`
	BulkTTLMinutes      int `yaml:"bulk_ttl_minutes"`
	ChunkCacheMB        int `yaml:"chunk_cache_mb"`
	ChunkTTLMinutes     int `yaml:"chunk_ttl_minutes"`
}

// PrefetchConfig contains background prefetch settings. Enabled is a
// pointer so an explicit false survives default filling.
type PrefetchConfig struct {
	Enabled    *bool `yaml:"enabled"`
	DebounceMS int   `yaml:"debounce_ms"`
	IntervalMS int   `yaml:"interval_ms"`
	Batch      int   `yaml:"batch"`
}

// IsEnabled reports whether prefetching is on.
func (p PrefetchConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// BulkConfig contains bulk loading settings.
type BulkConfig struct {
	BatchSize int `yaml:"batch_size"`
}

// MemoryConfig contains memory monitor settings. A zero heap limit disables
// polling; cleanup can still be triggered manually.
type MemoryConfig struct {
	HeapLimitMB int `yaml:"heap_limit_mb"`
	PollSeconds int `yaml:"poll_seconds"`
}

// NotifyConfig contains notification settings.
type NotifyConfig struct {
	MinVisibleMS int `yaml:"min_visible_ms"`
	HistoryLimit int `yaml:"history_limit"`
}

// DEConfig contains differential expression job settings.
type DEConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxGenes      int    `yaml:"max_genes"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "cellucid",
		},
		Data: DataConfig{
			ZarrPath: "./data/dataset.zarr",
		},
		Cache: CacheConfig{
			ResultCacheSize: 100,
			BulkCacheSize:   5,
			BulkTTLMinutes:  5,
			ChunkCacheMB:    256,
			ChunkTTLMinutes: 10,
		},
		Prefetch: PrefetchConfig{
			DebounceMS: 100,
			IntervalMS: 500,
			Batch:      3,
		},
		Bulk: BulkConfig{
			BatchSize: 10,
		},
		Memory: MemoryConfig{
			PollSeconds: 10,
		},
		Notify: NotifyConfig{
			MinVisibleMS: 400,
			HistoryLimit: 200,
		},
		DE: DEConfig{
			MaxConcurrent: 2,
			SQLitePath:    "./data/de_jobs.sqlite",
			RetentionDays: 7,
			MaxGenes:      2000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Data.ZarrPath == "" {
		cfg.Data.ZarrPath = defaults.Data.ZarrPath
	}
	if cfg.Cache.ResultCacheSize == 0 {
		cfg.Cache.ResultCacheSize = defaults.Cache.ResultCacheSize
	}
	if cfg.Cache.BulkCacheSize == 0 {
		cfg.Cache.BulkCacheSize = defaults.Cache.BulkCacheSize
	}
	if cfg.Cache.BulkTTLMinutes == 0 {
		cfg.Cache.BulkTTLMinutes = defaults.Cache.BulkTTLMinutes
	}
	if cfg.Cache.ChunkCacheMB == 0 {
		cfg.Cache.ChunkCacheMB = defaults.Cache.ChunkCacheMB
	}
	if cfg.Cache.ChunkTTLMinutes == 0 {
		cfg.Cache.ChunkTTLMinutes = defaults.Cache.ChunkTTLMinutes
	}
	if cfg.Prefetch.DebounceMS == 0 {
		cfg.Prefetch.DebounceMS = defaults.Prefetch.DebounceMS
	}
	if cfg.Prefetch.IntervalMS == 0 {
		cfg.Prefetch.IntervalMS = defaults.Prefetch.IntervalMS
	}
	if cfg.Prefetch.Batch == 0 {
		cfg.Prefetch.Batch = defaults.Prefetch.Batch
	}
	if cfg.Bulk.BatchSize == 0 {
		cfg.Bulk.BatchSize = defaults.Bulk.BatchSize
	}
	if cfg.Memory.PollSeconds == 0 {
		cfg.Memory.PollSeconds = defaults.Memory.PollSeconds
	}
	if cfg.Notify.MinVisibleMS == 0 {
		cfg.Notify.MinVisibleMS = defaults.Notify.MinVisibleMS
	}
	if cfg.Notify.HistoryLimit == 0 {
		cfg.Notify.HistoryLimit = defaults.Notify.HistoryLimit
	}
	if cfg.DE.MaxConcurrent == 0 {
		cfg.DE.MaxConcurrent = defaults.DE.MaxConcurrent
	}
	if cfg.DE.SQLitePath == "" {
		cfg.DE.SQLitePath = defaults.DE.SQLitePath
	}
	if cfg.DE.RetentionDays == 0 {
		cfg.DE.RetentionDays = defaults.DE.RetentionDays
	}
	if cfg.DE.MaxGenes == 0 {
		cfg.DE.MaxGenes = defaults.DE.MaxGenes
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
}

// ResultMaxAge returns the result cache max age; zero disables expiry.
func (c CacheConfig) ResultMaxAge() time.Duration {
	return time.Duration(c.ResultMaxAgeSeconds) * time.Second
}

// BulkTTL returns the bulk cache absolute max age.
func (c CacheConfig) BulkTTL() time.Duration {
	return time.Duration(c.BulkTTLMinutes) * time.Minute
}

// ChunkTTL returns the lifetime of decoded chunks.
func (c CacheConfig) ChunkTTL() time.Duration {
	return time.Duration(c.ChunkTTLMinutes) * time.Minute
}

// Debounce returns the delay before the first prefetch drain.
func (p PrefetchConfig) Debounce() time.Duration {
	return time.Duration(p.DebounceMS) * time.Millisecond
}

// Interval returns the delay between prefetch drains.
func (p PrefetchConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMS) * time.Millisecond
}

// HeapLimitBytes returns the configured heap limit in bytes.
func (m MemoryConfig) HeapLimitBytes() uint64 {
	if m.HeapLimitMB <= 0 {
		return 0
	}
	return uint64(m.HeapLimitMB) << 20
}

// PollInterval returns the heap polling interval.
func (m MemoryConfig) PollInterval() time.Duration {
	return time.Duration(m.PollSeconds) * time.Second
}

// MinVisible returns how long a loading notification stays up at least.
func (n NotifyConfig) MinVisible() time.Duration {
	return time.Duration(n.MinVisibleMS) * time.Millisecond
}

// Retention returns how long finished DE jobs are kept.
func (d DEConfig) Retention() time.Duration {
	return time.Duration(d.RetentionDays) * 24 * time.Hour
}
