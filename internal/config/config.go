// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Grid    GridConfig    `mapstructure:"grid"`
	Harvest HarvestConfig `mapstructure:"harvest"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Store   StoreConfig   `mapstructure:"store"`
	Storage StorageConfig `mapstructure:"storage"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Adapter AdapterConfig `mapstructure:"adapter"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// GridConfig governs region decomposition.
type GridConfig struct {
	DefaultResolution      int `mapstructure:"default_resolution"`
	MaxSubdivideResolution int `mapstructure:"max_subdivide_resolution"`
}

// HarvestConfig governs the worker pool and provider pacing.
type HarvestConfig struct {
	Concurrency              int     `mapstructure:"concurrency"`
	ProviderResultCap        int     `mapstructure:"provider_result_cap"`
	CoverageMaxAgeHours      int     `mapstructure:"coverage_max_age_hours"`
	RateLimitPerSecond       float64 `mapstructure:"rate_limit_per_second"`
	RateLimitBurst           int     `mapstructure:"rate_limit_burst"`
	VisibilityTimeoutSeconds int     `mapstructure:"visibility_timeout_seconds"`
	ReapIntervalSeconds      int     `mapstructure:"reap_interval_seconds"`
	StoreRetries             int     `mapstructure:"store_retries"`
	StoreRetryDelaySeconds   int     `mapstructure:"store_retry_delay_seconds"`
}

// RetryConfig controls per-item retry ceilings and backoff.
type RetryConfig struct {
	MaxAttempts           int `mapstructure:"max_attempts"`
	StructuralMaxAttempts int `mapstructure:"structural_max_attempts"`
	BackoffInitialMs      int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs          int `mapstructure:"backoff_max_ms"`
}

// QueueConfig selects and configures the work queue backend.
type QueueConfig struct {
	Backend   string `mapstructure:"backend"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// StoreConfig selects and configures the place/coverage/run store backend.
type StoreConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// StorageConfig sets the payload archive backend and object naming.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for place discovery notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// AdapterConfig configures the provider adapter.
type AdapterConfig struct {
	Backend       string `mapstructure:"backend"`
	BaseURL       string `mapstructure:"base_url"`
	Language      string `mapstructure:"language"`
	UserAgent     string `mapstructure:"user_agent"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	ScrollPasses  int    `mapstructure:"scroll_passes"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("grid.default_resolution", 9)
	v.SetDefault("grid.max_subdivide_resolution", 12)
	v.SetDefault("harvest.concurrency", 4)
	v.SetDefault("harvest.provider_result_cap", 100)
	v.SetDefault("harvest.coverage_max_age_hours", 0)
	v.SetDefault("harvest.rate_limit_per_second", 0.5)
	v.SetDefault("harvest.rate_limit_burst", 1)
	v.SetDefault("harvest.visibility_timeout_seconds", 120)
	v.SetDefault("harvest.reap_interval_seconds", 15)
	v.SetDefault("harvest.store_retries", 3)
	v.SetDefault("harvest.store_retry_delay_seconds", 2)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.structural_max_attempts", 2)
	v.SetDefault("retry.backoff_initial_ms", 2000)
	v.SetDefault("retry.backoff_max_ms", 300000)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.key_prefix", "harvester")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "data/payloads")
	v.SetDefault("storage.prefix", "payloads")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("adapter.backend", "stub")
	v.SetDefault("adapter.language", "en")
	v.SetDefault("adapter.max_parallel", 1)
	v.SetDefault("adapter.nav_timeout_seconds", 45)
	v.SetDefault("adapter.scroll_passes", 6)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Harvest.Concurrency <= 0 {
		return fmt.Errorf("harvest.concurrency must be > 0")
	}
	if c.Harvest.ProviderResultCap <= 0 {
		return fmt.Errorf("harvest.provider_result_cap must be > 0")
	}
	if c.Grid.DefaultResolution < 0 || c.Grid.DefaultResolution > 15 {
		return fmt.Errorf("grid.default_resolution must be within 0..15")
	}
	if c.Grid.MaxSubdivideResolution < c.Grid.DefaultResolution || c.Grid.MaxSubdivideResolution > 15 {
		return fmt.Errorf("grid.max_subdivide_resolution must be within default_resolution..15")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.StructuralMaxAttempts <= 0 || c.Retry.StructuralMaxAttempts > c.Retry.MaxAttempts {
		return fmt.Errorf("retry.structural_max_attempts must be within 1..max_attempts")
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("queue.redis_addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("queue.backend must be memory or redis")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory or postgres")
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local or gcs")
	}
	switch c.Adapter.Backend {
	case "stub", "headless":
	default:
		return fmt.Errorf("adapter.backend must be stub or headless")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// RequestTimeout converts the server timeout to a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// VisibilityTimeout converts the lease visibility window to a duration.
func (c Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.Harvest.VisibilityTimeoutSeconds) * time.Second
}

// CoverageMaxAge converts the coverage freshness window to a duration. Zero
// means coverage never goes stale.
func (c Config) CoverageMaxAge() time.Duration {
	return time.Duration(c.Harvest.CoverageMaxAgeHours) * time.Hour
}
