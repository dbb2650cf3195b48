// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SchedulerConfig governs the poll loop and retry state machine.
type SchedulerConfig struct {
	PollIntervalMs     int `mapstructure:"poll_interval_ms"`
	DefaultMaxAttempts int `mapstructure:"default_max_attempts"`
	RetentionDays      int `mapstructure:"retention_days"`
}

// AdmissionConfig bounds fetch concurrency and pacing.
type AdmissionConfig struct {
	MaxConcurrent        int     `mapstructure:"max_concurrent"`
	MaxRequestsPerSecond float64 `mapstructure:"max_requests_per_second"`
	Burst                int     `mapstructure:"burst"`
	PerDomainRPS         float64 `mapstructure:"per_domain_rps"`
}

// ProxyConfig configures the egress rotator.
type ProxyConfig struct {
	Enabled            bool     `mapstructure:"enabled"`
	Endpoints          []string `mapstructure:"endpoints"`
	MaxFailures        int      `mapstructure:"max_failures"`
	HealthCheckURL     string   `mapstructure:"health_check_url"`
	HealthCheckTimeout int      `mapstructure:"health_check_timeout_seconds"`
}

// CacheConfig controls the two-tier crawl result cache.
type CacheConfig struct {
	RedisAddr string `mapstructure:"redis_addr"`
	KeyPrefix string `mapstructure:"key_prefix"`
	TTLDays   int    `mapstructure:"ttl_days"`
}

// CrawlerConfig governs crawl session behavior.
type CrawlerConfig struct {
	UserAgent             string `mapstructure:"user_agent"`
	MaxPagesDefault       int    `mapstructure:"max_pages_default"`
	RespectRobots         bool   `mapstructure:"respect_robots"`
	PageTimeoutSeconds    int    `mapstructure:"page_timeout_seconds"`
	RobotsTimeoutSeconds  int    `mapstructure:"robots_timeout_seconds"`
	InterRequestDelayMs   int    `mapstructure:"inter_request_delay_ms"`
	SnapshotPages         bool   `mapstructure:"snapshot_pages"`
	HeadlessEnabled       bool   `mapstructure:"headless_enabled"`
	HeadlessMaxParallel   int    `mapstructure:"headless_max_parallel"`
	HeadlessNavTimeoutSec int    `mapstructure:"headless_nav_timeout_seconds"`
}

// DBConfig controls access to the relational job store. An empty DSN selects
// the in-memory store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// StorageConfig sets paths and content types for snapshot persistence.
type StorageConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PIPELINE")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("scheduler.poll_interval_ms", 1000)
	v.SetDefault("scheduler.default_max_attempts", 3)
	v.SetDefault("scheduler.retention_days", 7)
	v.SetDefault("admission.max_concurrent", 8)
	v.SetDefault("admission.max_requests_per_second", 10)
	v.SetDefault("admission.burst", 1)
	v.SetDefault("admission.per_domain_rps", 1)
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.max_failures", 3)
	v.SetDefault("proxy.health_check_url", "https://www.google.com/generate_204")
	v.SetDefault("proxy.health_check_timeout_seconds", 5)
	v.SetDefault("cache.key_prefix", "crawl:")
	v.SetDefault("cache.ttl_days", 7)
	v.SetDefault("crawler.user_agent", "prospect-pipeline-bot/0.1")
	v.SetDefault("crawler.max_pages_default", 10)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.page_timeout_seconds", 15)
	v.SetDefault("crawler.robots_timeout_seconds", 10)
	v.SetDefault("crawler.inter_request_delay_ms", 500)
	v.SetDefault("crawler.snapshot_pages", false)
	v.SetDefault("crawler.headless_enabled", false)
	v.SetDefault("crawler.headless_max_parallel", 1)
	v.SetDefault("crawler.headless_nav_timeout_seconds", 25)
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.PollIntervalMs <= 0 {
		return fmt.Errorf("scheduler.poll_interval_ms must be > 0")
	}
	if c.Scheduler.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("scheduler.default_max_attempts must be > 0")
	}
	if c.Admission.MaxConcurrent <= 0 {
		return fmt.Errorf("admission.max_concurrent must be > 0")
	}
	if c.Admission.MaxRequestsPerSecond <= 0 {
		return fmt.Errorf("admission.max_requests_per_second must be > 0")
	}
	if c.Admission.PerDomainRPS <= 0 {
		return fmt.Errorf("admission.per_domain_rps must be > 0")
	}
	if c.Proxy.Enabled && len(c.Proxy.Endpoints) == 0 {
		return fmt.Errorf("proxy.endpoints must be set when proxy is enabled")
	}
	if c.Proxy.MaxFailures <= 0 {
		return fmt.Errorf("proxy.max_failures must be > 0")
	}
	if c.Cache.TTLDays <= 0 {
		return fmt.Errorf("cache.ttl_days must be > 0")
	}
	if c.Crawler.UserAgent == "" {
		return fmt.Errorf("crawler.user_agent must be set")
	}
	if c.Crawler.MaxPagesDefault <= 0 {
		return fmt.Errorf("crawler.max_pages_default must be > 0")
	}
	if c.Crawler.PageTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.page_timeout_seconds must be > 0")
	}
	if c.Crawler.HeadlessEnabled && c.Crawler.HeadlessMaxParallel <= 0 {
		return fmt.Errorf("crawler.headless_max_parallel must be > 0 when headless is enabled")
	}
	return nil
}

// PollInterval converts the configured tick into a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalMs) * time.Millisecond
}

// CacheTTL converts the configured cache age into a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLDays) * 24 * time.Hour
}

// RetentionWindow converts the configured job retention into a duration.
func (c Config) RetentionWindow() time.Duration {
	return time.Duration(c.Scheduler.RetentionDays) * 24 * time.Hour
}
