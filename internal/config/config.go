// Package config loads and validates tiervfsd's configuration: the tiering
// parameters (threshold, segment sizing, cache size, object store endpoint)
// plus the ambient logging/serving additions a standalone daemon needs.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/javi11/tiervfs/internal/pathutil"
)

// Config is the fully-resolved, validated configuration for one tiervfs
// mount.
type Config struct {
	SSDPath string `mapstructure:"ssd_path"`

	Threshold       int64 `mapstructure:"threshold"`
	AvgSegSize      int   `mapstructure:"avg_seg_size"`
	RabinWindowSize int   `mapstructure:"rabin_window_size"`
	CacheSize       int64 `mapstructure:"cache_size"`

	NoDedup    bool `mapstructure:"no_dedup"`
	NoCache    bool `mapstructure:"no_cache"`
	NoCompress bool `mapstructure:"no_compress"`

	ObjectStore ObjectStoreConfig `mapstructure:"object_store"`

	LogLevel string `mapstructure:"log_level"`
	LogPath  string `mapstructure:"log_path"`

	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ObjectStoreConfig groups the S3-compatible endpoint settings.
type ObjectStoreConfig struct {
	Hostname     string `mapstructure:"hostname"`
	Region       string `mapstructure:"region"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	Bucket       string `mapstructure:"bucket"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// MetricsConfig controls the optional Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Defaults applied before a config file or env vars are read.
func setDefaults(v *viper.Viper) {
	v.SetDefault("threshold", 64*1024)
	v.SetDefault("avg_seg_size", 256*1024)
	v.SetDefault("rabin_window_size", 64)
	v.SetDefault("cache_size", 1<<30)
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("object_store.use_path_style", true)
}

// Load reads configuration from path (if non-empty), environment variables
// prefixed TIERVFS_, and the defaults above, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("tiervfs")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the bounds and cross-field constraints the tiering
// subsystem needs: a writable SSD root, a non-negative threshold and cache
// size, positive segment sizing, and an object store hostname and bucket.
// A cache smaller than the largest possible segment is not rejected here;
// segcache disables itself in that case.
func (c *Config) Validate() error {
	if c.SSDPath == "" {
		return fmt.Errorf("ssd_path is required")
	}
	if err := pathutil.CheckDirectoryWritable(c.SSDPath); err != nil {
		return fmt.Errorf("ssd_path: %w", err)
	}

	if c.Threshold < 0 {
		return fmt.Errorf("threshold must be >= 0")
	}
	if c.AvgSegSize <= 0 {
		return fmt.Errorf("avg_seg_size must be > 0")
	}
	if c.RabinWindowSize <= 0 {
		return fmt.Errorf("rabin_window_size must be > 0")
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("cache_size must be >= 0")
	}

	if !c.NoCache && c.CacheSize > 0 && c.CacheSize < int64(c.MaxSegSize()) {
		// Not an error: segcache force-disables itself below this size
		// rather than failing, so no validation error is raised here.
		_ = c.CacheSize
	}

	if c.ObjectStore.Hostname == "" {
		return fmt.Errorf("object_store.hostname is required")
	}
	if c.ObjectStore.Bucket == "" {
		return fmt.Errorf("object_store.bucket is required")
	}

	if c.LogPath != "" {
		if err := pathutil.CheckFileDirectoryWritable(c.LogPath, "log"); err != nil {
			return err
		}
	}

	return nil
}

// MaxSegSize is the largest segment the configured chunker can produce:
// avg + avg/16.
func (c *Config) MaxSegSize() int {
	return c.AvgSegSize + c.AvgSegSize/16
}
