// Package config provides configuration loading for the search server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all server configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Search  SearchConfig  `mapstructure:"search"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// Secret keys the per-client LSH plane seeds. Must be stable across
	// restarts or planes can no longer be regenerated.
	Secret string `mapstructure:"secret"`
}

// StorageConfig holds database settings.
type StorageConfig struct {
	DatabasePath string `mapstructure:"database_path"`
	// Retention is how long soft-deleted embeddings and their postings are
	// kept before maintenance removes them physically.
	Retention     time.Duration `mapstructure:"retention"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// SearchConfig holds engine tuning knobs.
type SearchConfig struct {
	MaxBucketFanout int `mapstructure:"max_bucket_fanout"`
	HEParallelism   int `mapstructure:"he_parallelism"`
	PlaneCacheSize  int `mapstructure:"plane_cache_size"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Debug bool `mapstructure:"debug"`
}

// Load reads configuration from an optional yaml file and the environment.
// Environment variables use the SECURE_SEARCH prefix, e.g.
// SECURE_SEARCH_SERVER_ADDR or SECURE_SEARCH_STORAGE_DATABASE_PATH.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SECURE_SEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":8001")
	// Registered with an empty default so AutomaticEnv can see the key.
	v.SetDefault("server.secret", "")
	v.SetDefault("log.debug", false)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("storage.database_path", "data/securesearch.db")
	v.SetDefault("storage.retention", 30*24*time.Hour)
	v.SetDefault("storage.purge_interval", time.Hour)
	v.SetDefault("search.max_bucket_fanout", 2048)
	v.SetDefault("search.he_parallelism", 4)
	v.SetDefault("search.plane_cache_size", 256)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if cfg.Server.Secret == "" {
		return nil, fmt.Errorf("server.secret is required (SECURE_SEARCH_SERVER_SECRET)")
	}
	return &cfg, nil
}
