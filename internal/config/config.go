// Package config loads and validates service configuration via Viper.
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
	Logging LoggingConfig `mapstructure:"logging"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Store   StoreConfig   `mapstructure:"store"`
	Archive ArchiveConfig `mapstructure:"archive"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	KRX     KRXConfig     `mapstructure:"krx"`
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

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CrawlerConfig governs executor behavior.
type CrawlerConfig struct {
	Workers             int `mapstructure:"workers"`
	QueueDepth          int `mapstructure:"queue_depth"`
	CrawlTimeoutSeconds int `mapstructure:"crawl_timeout_seconds"`
}

// QueueConfig selects and configures the task queue backend.
type QueueConfig struct {
	Provider string      `mapstructure:"provider"`
	Redis    RedisConfig `mapstructure:"redis"`
}

// RedisConfig controls access to the Redis-backed queue.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// StoreConfig selects and configures the task store backend.
type StoreConfig struct {
	Provider string         `mapstructure:"provider"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// ArchiveConfig sets the destination for raw crawl payloads.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PubSubConfig holds metadata for completion event notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// KRXConfig points the exchange crawler at its upstream endpoint.
type KRXConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	Referer        string `mapstructure:"referer"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.crawl_timeout_seconds", 300)
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.key", "crawler:tasks")
	v.SetDefault("store.provider", "memory")
	v.SetDefault("store.postgres.max_conns", 8)
	v.SetDefault("archive.provider", "none")
	v.SetDefault("krx.user_agent", "hyperion-crawler/1.0")
	v.SetDefault("krx.timeout_seconds", 30)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.QueueDepth <= 0 {
		return fmt.Errorf("crawler.queue_depth must be > 0")
	}
	if c.Crawler.CrawlTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.crawl_timeout_seconds must be > 0")
	}
	switch c.Queue.Provider {
	case "memory":
	case "redis":
		if c.Queue.Redis.Addr == "" {
			return fmt.Errorf("queue.redis.addr must be set when queue.provider is redis")
		}
	default:
		return fmt.Errorf("queue.provider must be memory or redis")
	}
	switch c.Store.Provider {
	case "memory":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set when store.provider is postgres")
		}
	default:
		return fmt.Errorf("store.provider must be memory or postgres")
	}
	switch c.Archive.Provider {
	case "none", "memory":
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set when archive.provider is gcs")
		}
	default:
		return fmt.Errorf("archive.provider must be none, memory, or gcs")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// ServerTimeout converts the configured request timeout into a duration.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// CrawlTimeout converts the configured crawl budget into a duration.
func (c Config) CrawlTimeout() time.Duration {
	return time.Duration(c.Crawler.CrawlTimeoutSeconds) * time.Second
}

// KRXTimeout converts the upstream request timeout into a duration.
func (c Config) KRXTimeout() time.Duration {
	return time.Duration(c.KRX.TimeoutSeconds) * time.Second
}
