package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. TIERSTORE_ARCHIVAL_BATCH_SIZE
const EnvPrefix = "TIERSTORE"

// Load reads configuration from an optional YAML file and environment
// variables, applies defaults and validates the result
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("tierstore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tierstore/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the default configuration without reading files or the
// environment
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("default config does not decode: %v", err))
	}
	return &cfg
}

// setDefaults sets default configuration values. Every key has a default so
// AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("node_id", "tierstore-1")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Hot store defaults
	v.SetDefault("hot_store.driver", "sqlite")
	v.SetDefault("hot_store.sqlite.path", "/var/lib/tierstore/hot.db")
	v.SetDefault("hot_store.postgres.dsn", "")
	v.SetDefault("hot_store.postgres.max_conns", 16)
	v.SetDefault("hot_store.postgres.min_conns", 2)
	v.SetDefault("hot_store.postgres.ensure_schema", false)
	v.SetDefault("hot_store.redis.addr", "localhost:6379")
	v.SetDefault("hot_store.redis.password", "")
	v.SetDefault("hot_store.redis.db", 0)
	v.SetDefault("hot_store.redis.prefix", "tierstore:")

	// Cold store defaults
	v.SetDefault("cold_store.driver", "fs")
	v.SetDefault("cold_store.fs.root", "/var/lib/tierstore/archive")
	v.SetDefault("cold_store.gcs.bucket", "")
	v.SetDefault("cold_store.gcs.prefix", "")
	v.SetDefault("cold_store.gcs.endpoint", "")
	v.SetDefault("cold_store.gcs.credentials_file", "")

	// Archival defaults
	v.SetDefault("archival.retention_period", "2160h") // 90 days
	v.SetDefault("archival.batch_size", 1000)
	v.SetDefault("archival.concurrency", 4)
	v.SetDefault("archival.delete_workers", 8)
	v.SetDefault("archival.delete_retry_limit", 5)
	v.SetDefault("archival.delete_retry_backoff", "100ms")
	v.SetDefault("archival.delete_rate_limit", 0.0)
	v.SetDefault("archival.delete_burst", 100)
	v.SetDefault("archival.overlap_policy", OverlapSkip)
	v.SetDefault("archival.cycle_timeout", "1h")
	v.SetDefault("archival.schedule_interval", "0s")
	v.SetDefault("archival.cursor_path", "/var/lib/tierstore/cursor.yaml")

	// Read defaults
	v.SetDefault("read.fallback_timeout", "5s")
	v.SetDefault("read.degraded_scan_enabled", false)
	v.SetDefault("read.batch_cache_size", 64)

	// Index defaults
	v.SetDefault("index.enabled", true)
	v.SetDefault("index.journal_path", "/var/lib/tierstore/locator.db")
	v.SetDefault("index.rebuild_concurrency", 8)

	// Retry defaults
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", "50ms")
	v.SetDefault("retry.max_backoff", "1s")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
