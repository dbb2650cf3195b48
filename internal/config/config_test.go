package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Scheduler.DefaultMaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", cfg.Scheduler.DefaultMaxAttempts)
	}
	if cfg.Admission.MaxConcurrent != 8 {
		t.Fatalf("expected default max concurrent 8, got %d", cfg.Admission.MaxConcurrent)
	}
	if !cfg.Crawler.RespectRobots {
		t.Fatal("expected robots to be respected by default")
	}
	if got := cfg.PollInterval(); got != time.Second {
		t.Fatalf("expected poll interval 1s, got %v", got)
	}
	if got := cfg.CacheTTL(); got != 7*24*time.Hour {
		t.Fatalf("expected cache TTL 7d, got %v", got)
	}
	if got := cfg.RetentionWindow(); got != 7*24*time.Hour {
		t.Fatalf("expected retention 7d, got %v", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
scheduler:
  poll_interval_ms: 250
  default_max_attempts: 5
  retention_days: 14
admission:
  max_concurrent: 4
  max_requests_per_second: 2.5
  per_domain_rps: 0.5
proxy:
  enabled: true
  endpoints: ["http://10.0.0.1:8080", "10.0.0.2:3128"]
cache:
  redis_addr: localhost:6379
  ttl_days: 3
crawler:
  user_agent: custom-bot
  max_pages_default: 25
  respect_robots: false
db:
  dsn: postgres://pipeline@localhost/pipeline
storage:
  gcs_bucket: snapshots
pubsub:
  project_id: test-project
  topic_name: job-events
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Scheduler.DefaultMaxAttempts != 5 || cfg.Scheduler.RetentionDays != 14 {
		t.Fatalf("expected scheduler overrides to apply: %+v", cfg.Scheduler)
	}
	if got := cfg.PollInterval(); got != 250*time.Millisecond {
		t.Fatalf("expected poll interval 250ms, got %v", got)
	}
	if cfg.Admission.MaxRequestsPerSecond != 2.5 || cfg.Admission.PerDomainRPS != 0.5 {
		t.Fatalf("expected admission overrides to apply: %+v", cfg.Admission)
	}
	if !cfg.Proxy.Enabled || len(cfg.Proxy.Endpoints) != 2 {
		t.Fatalf("expected proxy overrides to apply: %+v", cfg.Proxy)
	}
	if cfg.Crawler.UserAgent != "custom-bot" || cfg.Crawler.RespectRobots {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.DB.DSN == "" || cfg.Storage.GCSBucket != "snapshots" {
		t.Fatalf("expected storage overrides to apply")
	}
	if cfg.PubSub.TopicName != "job-events" {
		t.Fatalf("expected pubsub overrides to apply: %+v", cfg.PubSub)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	valid := func(t *testing.T) Config {
		t.Helper()
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid poll interval", func(c *Config) { c.Scheduler.PollIntervalMs = 0 }, "poll_interval_ms"},
		{"invalid max attempts", func(c *Config) { c.Scheduler.DefaultMaxAttempts = 0 }, "default_max_attempts"},
		{"invalid concurrency", func(c *Config) { c.Admission.MaxConcurrent = 0 }, "max_concurrent"},
		{"invalid per-domain rps", func(c *Config) { c.Admission.PerDomainRPS = 0 }, "per_domain_rps"},
		{"proxy without endpoints", func(c *Config) { c.Proxy.Enabled = true; c.Proxy.Endpoints = nil }, "proxy.endpoints"},
		{"invalid cache ttl", func(c *Config) { c.Cache.TTLDays = 0 }, "ttl_days"},
		{"missing user agent", func(c *Config) { c.Crawler.UserAgent = "" }, "user_agent"},
		{"headless without parallel", func(c *Config) {
			c.Crawler.HeadlessEnabled = true
			c.Crawler.HeadlessMaxParallel = 0
		}, "headless_max_parallel"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid(t)
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}
