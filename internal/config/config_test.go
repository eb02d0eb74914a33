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
	if cfg.Discovery.JobSearchTimeout != 3*time.Second {
		t.Fatalf("expected 3s job search, got %v", cfg.Discovery.JobSearchTimeout)
	}
	if cfg.Discovery.TrackerSearchTimeout != 1500*time.Millisecond || cfg.Discovery.ProbeTimeout != 1500*time.Millisecond {
		t.Fatalf("unexpected tracker discovery defaults: %+v", cfg.Discovery)
	}
	if cfg.Lease.Duration != 30*time.Second {
		t.Fatalf("expected 30s lease, got %v", cfg.Lease.Duration)
	}
	if cfg.Job.InactivityTimeout != 120*time.Second || cfg.Job.TrackerTimeout != 5*time.Second {
		t.Fatalf("unexpected job defaults: %+v", cfg.Job)
	}
	if cfg.Crawler.MaxConcurrentDownloads != 50 || cfg.Crawler.DownloadWorkers != 10 || cfg.Crawler.ParseWorkers != 10 {
		t.Fatalf("unexpected pool defaults: %+v", cfg.Crawler)
	}
	if cfg.Storage.Backend != StorageMemory || cfg.Node.LocalNodes != 1 {
		t.Fatalf("unexpected storage/node defaults: %+v %+v", cfg.Storage, cfg.Node)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
node:
  name: edge
  local_nodes: 3
crawler:
  user_agent: mirror-agent
  respect_robots: false
  fetch_timeout: 45s
  max_concurrent_downloads: 8
discovery:
  job_search_timeout: 250ms
lease:
  duration: 1m
job:
  inactivity_timeout: 10s
storage:
  backend: local
  local_dir: /tmp/mirror
db:
  dsn: postgres://localhost/sitemirror
pubsub:
  project_id: demo
  status_topic: job-status
logging:
  development: false
  level: warn
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
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Node.Name != "edge" || cfg.Node.LocalNodes != 3 {
		t.Fatalf("expected node overrides, got %+v", cfg.Node)
	}
	if cfg.Crawler.UserAgent != "mirror-agent" || cfg.Crawler.RespectRobots || cfg.Crawler.FetchTimeout != 45*time.Second {
		t.Fatalf("expected crawler overrides, got %+v", cfg.Crawler)
	}
	if cfg.Discovery.JobSearchTimeout != 250*time.Millisecond || cfg.Lease.Duration != time.Minute {
		t.Fatalf("expected duration overrides, got %+v %+v", cfg.Discovery, cfg.Lease)
	}
	if cfg.Storage.Backend != StorageLocal || cfg.Storage.LocalDir != "/tmp/mirror" {
		t.Fatalf("expected storage overrides, got %+v", cfg.Storage)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
	if cfg.PubSub.StatusTopic != "job-status" || cfg.DB.Table != "job_status" {
		t.Fatalf("expected pubsub/db settings, got %+v %+v", cfg.PubSub, cfg.DB)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLER_SERVER_PORT", "7070")
	t.Setenv("CRAWLER_LEASE_DURATION", "45s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 || cfg.Lease.Duration != 45*time.Second {
		t.Fatalf("expected env overrides, got port=%d lease=%v", cfg.Server.Port, cfg.Lease.Duration)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "no nodes", mutate: func(c *Config) { c.Node.LocalNodes = 0 }, want: "node.local_nodes"},
		{name: "fetch timeout", mutate: func(c *Config) { c.Crawler.FetchTimeout = 0 }, want: "crawler.fetch_timeout"},
		{name: "download limit", mutate: func(c *Config) { c.Crawler.MaxConcurrentDownloads = 0 }, want: "crawler.max_concurrent_downloads"},
		{name: "pools", mutate: func(c *Config) { c.Crawler.ParseWorkers = 0 }, want: "crawler.parse_workers"},
		{name: "lease duration", mutate: func(c *Config) { c.Lease.Duration = 0 }, want: "lease.duration"},
		{name: "inactivity", mutate: func(c *Config) { c.Job.InactivityTimeout = -time.Second }, want: "job.inactivity_timeout"},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }, want: "storage.backend"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Storage.Backend = StorageGCS }, want: "storage.gcs_bucket"},
		{name: "local dir", mutate: func(c *Config) {
			c.Storage.Backend = StorageLocal
			c.Storage.LocalDir = " "
		}, want: "storage.local_dir"},
		{name: "pubsub topics", mutate: func(c *Config) { c.PubSub.ProjectID = "demo" }, want: "pubsub.status_topic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
