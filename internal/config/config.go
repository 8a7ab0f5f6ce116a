package config

import (
	"fmt"
	"time"
)

// Overlap policies for archival cycles
const (
	OverlapSkip  = "skip"
	OverlapQueue = "queue"
)

// Config represents the complete configuration for a tierstore node
type Config struct {
	NodeID    string          `mapstructure:"node_id"`
	Server    ServerConfig    `mapstructure:"server"`
	HotStore  HotStoreConfig  `mapstructure:"hot_store"`
	ColdStore ColdStoreConfig `mapstructure:"cold_store"`
	Archival  ArchivalConfig  `mapstructure:"archival"`
	Read      ReadConfig      `mapstructure:"read"`
	Index     IndexConfig     `mapstructure:"index"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds admin HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// HotStoreConfig selects and configures the hot tier adapter
type HotStoreConfig struct {
	Driver   string         `mapstructure:"driver"` // memory | sqlite | postgres | redis
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// SQLiteConfig holds embedded database configuration
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig holds PostgreSQL hot store configuration
type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxConns     int    `mapstructure:"max_conns"`
	MinConns     int    `mapstructure:"min_conns"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// RedisConfig holds Redis hot store configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// ColdStoreConfig selects and configures the cold tier adapter
type ColdStoreConfig struct {
	Driver string    `mapstructure:"driver"` // fs | gcs | memory
	FS     FSConfig  `mapstructure:"fs"`
	GCS    GCSConfig `mapstructure:"gcs"`
}

// FSConfig holds local archive directory configuration
type FSConfig struct {
	Root string `mapstructure:"root"`
}

// GCSConfig holds Google Cloud Storage configuration
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// ArchivalConfig holds archival coordinator configuration
type ArchivalConfig struct {
	RetentionPeriod    time.Duration `mapstructure:"retention_period"`
	BatchSize          int           `mapstructure:"batch_size"`
	Concurrency        int           `mapstructure:"concurrency"`
	DeleteWorkers      int           `mapstructure:"delete_workers"`
	DeleteRetryLimit   int           `mapstructure:"delete_retry_limit"`
	DeleteRetryBackoff time.Duration `mapstructure:"delete_retry_backoff"`
	DeleteRateLimit    float64       `mapstructure:"delete_rate_limit"` // deletes per second, 0 = unlimited
	DeleteBurst        int           `mapstructure:"delete_burst"`
	OverlapPolicy      string        `mapstructure:"overlap_policy"`
	CycleTimeout       time.Duration `mapstructure:"cycle_timeout"`
	ScheduleInterval   time.Duration `mapstructure:"schedule_interval"` // 0 = externally triggered only
	CursorPath         string        `mapstructure:"cursor_path"`
}

// ReadConfig holds read router configuration
type ReadConfig struct {
	FallbackTimeout     time.Duration `mapstructure:"fallback_timeout"`
	DegradedScanEnabled bool          `mapstructure:"degraded_scan_enabled"`
	BatchCacheSize      int           `mapstructure:"batch_cache_size"`
}

// IndexConfig holds locator index configuration
type IndexConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	JournalPath        string `mapstructure:"journal_path"`
	RebuildConcurrency int    `mapstructure:"rebuild_concurrency"`
}

// RetryConfig bounds adapter-boundary retries of transient errors
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	switch c.HotStore.Driver {
	case "memory":
	case "sqlite":
		if c.HotStore.SQLite.Path == "" {
			return fmt.Errorf("hot_store.sqlite.path is required for the sqlite driver")
		}
	case "postgres":
		if c.HotStore.Postgres.DSN == "" {
			return fmt.Errorf("hot_store.postgres.dsn is required for the postgres driver")
		}
	case "redis":
		if c.HotStore.Redis.Addr == "" {
			return fmt.Errorf("hot_store.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown hot_store.driver %q", c.HotStore.Driver)
	}

	switch c.ColdStore.Driver {
	case "memory":
	case "fs":
		if c.ColdStore.FS.Root == "" {
			return fmt.Errorf("cold_store.fs.root is required for the fs driver")
		}
	case "gcs":
		if c.ColdStore.GCS.Bucket == "" {
			return fmt.Errorf("cold_store.gcs.bucket is required for the gcs driver")
		}
	default:
		return fmt.Errorf("unknown cold_store.driver %q", c.ColdStore.Driver)
	}

	a := c.Archival
	if a.RetentionPeriod <= 0 {
		return fmt.Errorf("archival.retention_period must be positive")
	}
	if a.BatchSize <= 0 {
		return fmt.Errorf("archival.batch_size must be positive")
	}
	if a.Concurrency <= 0 {
		return fmt.Errorf("archival.concurrency must be positive")
	}
	if a.DeleteWorkers <= 0 {
		return fmt.Errorf("archival.delete_workers must be positive")
	}
	if a.DeleteRetryLimit < 0 {
		return fmt.Errorf("archival.delete_retry_limit must not be negative")
	}
	if a.DeleteRetryBackoff < 0 {
		return fmt.Errorf("archival.delete_retry_backoff must not be negative")
	}
	if a.DeleteRateLimit < 0 {
		return fmt.Errorf("archival.delete_rate_limit must not be negative")
	}
	if a.OverlapPolicy != OverlapSkip && a.OverlapPolicy != OverlapQueue {
		return fmt.Errorf("archival.overlap_policy must be %q or %q", OverlapSkip, OverlapQueue)
	}
	if a.ScheduleInterval < 0 {
		return fmt.Errorf("archival.schedule_interval must not be negative")
	}

	if c.Read.FallbackTimeout <= 0 {
		return fmt.Errorf("read.fallback_timeout must be positive")
	}
	if c.Read.BatchCacheSize < 0 {
		return fmt.Errorf("read.batch_cache_size must not be negative")
	}
	if !c.Index.Enabled && !c.Read.DegradedScanEnabled {
		return fmt.Errorf("index.enabled=false requires read.degraded_scan_enabled=true, otherwise no archived record is readable")
	}
	if c.Index.RebuildConcurrency <= 0 {
		return fmt.Errorf("index.rebuild_concurrency must be positive")
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return fmt.Errorf("retry.max_backoff must not be below retry.initial_backoff")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}

	return nil
}
