package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ExportSecret protects the export and diagnostics endpoints. When empty
	// those endpoints answer 503 instead of serving data.
	ExportSecret string `yaml:"export_secret"`
	RateRPS      int    `yaml:"rate_rps"`
	RateBurst    int    `yaml:"rate_burst"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
	// LegacyPath points at a pre-migration database served read-only by the
	// legacy export endpoint. Empty disables that endpoint.
	LegacyPath       string `yaml:"legacy_path"`
	StatementTimeout int    `yaml:"statement_timeout_seconds"`
}

type JetstreamConfig struct {
	URL                 string `yaml:"url"`
	ReconnectDelayMs    int    `yaml:"reconnect_delay_ms"`
	CursorSaveIntervalS int    `yaml:"cursor_save_interval_seconds"`
}

type ScopeConfig struct {
	// Enabled turns ingestion scoping on. When false every decoded event is
	// stored.
	Enabled bool `yaml:"enabled"`
	// TrackSubscribers stores subscriber-authored activity even outside the
	// allowlist.
	TrackSubscribers bool `yaml:"track_subscribers"`
	// RestrictPublisherEngagement limits likes/reposts on publisher-authored
	// posts to subscriber actors.
	RestrictPublisherEngagement bool     `yaml:"restrict_publisher_engagement"`
	Publishers                  []string `yaml:"publishers"`
	CacheTTLSeconds             int      `yaml:"cache_ttl_seconds"`
}

type AggregationConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
	WindowHours     int `yaml:"window_hours"`
}

type FollowSyncConfig struct {
	AppViewURL      string `yaml:"appview_url"`
	IntervalMinutes int    `yaml:"interval_minutes"`
	ResyncCron      string `yaml:"resync_cron"`
	PageSize        int    `yaml:"page_size"`
}

type RetentionConfig struct {
	Enabled              bool `yaml:"enabled"`
	PostMaxAgeDays       int  `yaml:"post_max_age_days"`
	EngagementMaxAgeDays int  `yaml:"engagement_max_age_days"`
	BatchSize            int  `yaml:"batch_size"`
	IntervalMinutes      int  `yaml:"interval_minutes"`
}

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Jetstream   JetstreamConfig   `yaml:"jetstream"`
	Scope       ScopeConfig       `yaml:"scope"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	FollowSync  FollowSyncConfig  `yaml:"follow_sync"`
	Retention   RetentionConfig   `yaml:"retention"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	return &cfg, nil
}

// Default returns a config with every default applied and no file read.
func Default() *Config {
	var cfg Config
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateRPS == 0 {
		cfg.Server.RateRPS = 5
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 10
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "feedwright.db"
	}
	if cfg.Storage.StatementTimeout == 0 {
		cfg.Storage.StatementTimeout = 5
	}

	if cfg.Jetstream.URL == "" {
		cfg.Jetstream.URL = "wss://jetstream2.us-east.bsky.network/subscribe"
	}
	if cfg.Jetstream.ReconnectDelayMs == 0 {
		cfg.Jetstream.ReconnectDelayMs = 5000
	}
	if cfg.Jetstream.CursorSaveIntervalS == 0 {
		cfg.Jetstream.CursorSaveIntervalS = 5
	}

	if cfg.Scope.CacheTTLSeconds == 0 {
		cfg.Scope.CacheTTLSeconds = 60
	}

	if cfg.Aggregation.IntervalMinutes == 0 {
		cfg.Aggregation.IntervalMinutes = 10
	}
	if cfg.Aggregation.WindowHours == 0 {
		cfg.Aggregation.WindowHours = 48
	}

	if cfg.FollowSync.AppViewURL == "" {
		cfg.FollowSync.AppViewURL = "https://public.api.bsky.app"
	}
	if cfg.FollowSync.IntervalMinutes == 0 {
		cfg.FollowSync.IntervalMinutes = 30
	}
	if cfg.FollowSync.ResyncCron == "" {
		cfg.FollowSync.ResyncCron = "0 3 * * *"
	}
	if cfg.FollowSync.PageSize == 0 {
		cfg.FollowSync.PageSize = 100
	}

	if cfg.Retention.PostMaxAgeDays == 0 {
		cfg.Retention.PostMaxAgeDays = 90
	}
	if cfg.Retention.EngagementMaxAgeDays == 0 {
		cfg.Retention.EngagementMaxAgeDays = 90
	}
	if cfg.Retention.BatchSize == 0 {
		cfg.Retention.BatchSize = 500
	}
	if cfg.Retention.IntervalMinutes == 0 {
		cfg.Retention.IntervalMinutes = 60
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FEEDWRIGHT_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("FEEDWRIGHT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("FEEDWRIGHT_EXPORT_SECRET"); v != "" {
		cfg.Server.ExportSecret = v
	}
	if v := os.Getenv("FEEDWRIGHT_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("FEEDWRIGHT_LEGACY_DB_PATH"); v != "" {
		cfg.Storage.LegacyPath = v
	}
	if v := os.Getenv("FEEDWRIGHT_JETSTREAM_URL"); v != "" {
		cfg.Jetstream.URL = v
	}
	if v := os.Getenv("FEEDWRIGHT_PUBLISHERS"); v != "" {
		cfg.Scope.Publishers = splitList(v)
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Addr returns the host:port the HTTP server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
