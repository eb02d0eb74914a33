// Package config loads and validates sitemirror configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends for mirrored documents.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Node      NodeConfig      `mapstructure:"node"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Job       JobConfig       `mapstructure:"job"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// NodeConfig names this process's nodes. LocalNodes > 1 runs several nodes
// in one process that discover each other's jobs and trackers.
type NodeConfig struct {
	Name       string `mapstructure:"name"`
	LocalNodes int    `mapstructure:"local_nodes"`
}

// LoggingConfig selects the zap encoder and level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs fetching and the per-job worker pools.
type CrawlerConfig struct {
	UserAgent              string        `mapstructure:"user_agent"`
	RespectRobots          bool          `mapstructure:"respect_robots"`
	FetchTimeout           time.Duration `mapstructure:"fetch_timeout"`
	MaxBodyBytes           int           `mapstructure:"max_body_bytes"`
	RateLimitRPS           float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst         int           `mapstructure:"rate_limit_burst"`
	MaxConcurrentDownloads int           `mapstructure:"max_concurrent_downloads"`
	DownloadWorkers        int           `mapstructure:"download_workers"`
	ParseWorkers           int           `mapstructure:"parse_workers"`
}

// DiscoveryConfig bounds the cluster-wide searches.
type DiscoveryConfig struct {
	JobSearchTimeout     time.Duration `mapstructure:"job_search_timeout"`
	TrackerSearchTimeout time.Duration `mapstructure:"tracker_search_timeout"`
	ProbeTimeout         time.Duration `mapstructure:"probe_timeout"`
}

// LeaseConfig sets the default document lease.
type LeaseConfig struct {
	Duration time.Duration `mapstructure:"duration"`
}

// JobConfig tunes the job coordinator lifecycle.
type JobConfig struct {
	TrackerTimeout     time.Duration `mapstructure:"tracker_timeout"`
	StartPollInterval  time.Duration `mapstructure:"start_poll_interval"`
	InactivityTimeout  time.Duration `mapstructure:"inactivity_timeout"`
	StatsFlushInterval time.Duration `mapstructure:"stats_flush_interval"`
}

// StorageConfig selects where mirrored documents go.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	Prefix       string `mapstructure:"prefix"`
	LocalDir     string `mapstructure:"local_dir"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	CacheControl string `mapstructure:"cache_control"`
	HashLength   int    `mapstructure:"hash_length"`
}

// DBConfig controls the Postgres status history. An empty DSN keeps the
// history in memory.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds Pub/Sub notification settings. An empty ProjectID
// disables publishing.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	StatusTopic  string `mapstructure:"status_topic"`
	MirrorTopic  string `mapstructure:"mirror_topic"`
	TerminalOnly bool   `mapstructure:"terminal_only"`
}

// ProgressConfig tunes the status hub batching.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	Coalesce       bool          `mapstructure:"coalesce"`
}

// Load builds a Config from defaults, an optional file and CRAWLER_*
// environment variables, in increasing precedence.
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("node.name", "")
	v.SetDefault("node.local_nodes", 1)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("crawler.user_agent", "sitemirror-bot/0.1")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.fetch_timeout", "15s")
	v.SetDefault("crawler.max_body_bytes", 10<<20)
	v.SetDefault("crawler.rate_limit_rps", 2.0)
	v.SetDefault("crawler.rate_limit_burst", 4)
	v.SetDefault("crawler.max_concurrent_downloads", 50)
	v.SetDefault("crawler.download_workers", 10)
	v.SetDefault("crawler.parse_workers", 10)
	v.SetDefault("discovery.job_search_timeout", "3s")
	v.SetDefault("discovery.tracker_search_timeout", "1500ms")
	v.SetDefault("discovery.probe_timeout", "1500ms")
	v.SetDefault("lease.duration", "30s")
	v.SetDefault("job.tracker_timeout", "5s")
	v.SetDefault("job.start_poll_interval", "20ms")
	v.SetDefault("job.inactivity_timeout", "120s")
	v.SetDefault("job.stats_flush_interval", "250ms")
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.prefix", "mirror")
	v.SetDefault("storage.local_dir", "./mirror")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.cache_control", "")
	v.SetDefault("storage.hash_length", 0)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "job_status")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.status_topic", "")
	v.SetDefault("pubsub.mirror_topic", "")
	v.SetDefault("pubsub.terminal_only", false)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("progress.coalesce", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Node.LocalNodes <= 0 {
		return fmt.Errorf("node.local_nodes must be > 0")
	}
	if c.Crawler.FetchTimeout <= 0 {
		return fmt.Errorf("crawler.fetch_timeout must be > 0")
	}
	if c.Crawler.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("crawler.max_concurrent_downloads must be > 0")
	}
	if c.Crawler.DownloadWorkers <= 0 || c.Crawler.ParseWorkers <= 0 {
		return fmt.Errorf("crawler.download_workers and crawler.parse_workers must be > 0")
	}
	for key, d := range map[string]time.Duration{
		"discovery.job_search_timeout":     c.Discovery.JobSearchTimeout,
		"discovery.tracker_search_timeout": c.Discovery.TrackerSearchTimeout,
		"discovery.probe_timeout":          c.Discovery.ProbeTimeout,
		"lease.duration":                   c.Lease.Duration,
		"job.tracker_timeout":              c.Job.TrackerTimeout,
		"job.start_poll_interval":          c.Job.StartPollInterval,
		"job.inactivity_timeout":           c.Job.InactivityTimeout,
		"job.stats_flush_interval":         c.Job.StatsFlushInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", key)
		}
	}
	switch c.Storage.Backend {
	case StorageNone, StorageMemory:
	case StorageLocal:
		if strings.TrimSpace(c.Storage.LocalDir) == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of none, memory, local, gcs", c.Storage.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.StatusTopic == "" && c.PubSub.MirrorTopic == "" {
		return fmt.Errorf("pubsub.status_topic or pubsub.mirror_topic must be set when pubsub.project_id is")
	}
	return nil
}
