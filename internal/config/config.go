package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top level configuration, loaded once at startup.
type Config struct {
	Listen   string          `yaml:"listen"`
	WorkDir  string          `yaml:"work_dir"`
	Database *DatabaseConfig `yaml:"database"`

	Orchestrator *OrchestratorConfig      `yaml:"orchestrator"`
	Selector     *SelectorConfig          `yaml:"selector"`
	Tracker      *TrackerConfig           `yaml:"tracker"`
	Retention    *RetentionConfig         `yaml:"retention"`
	Drivers      map[string]*DriverConfig `yaml:"drivers"`

	Converter *CollaboratorConfig `yaml:"converter"`
	Importer  *CollaboratorConfig `yaml:"importer"`

	Wishlist *WishlistConfig `yaml:"wishlist"`
	Telegram *TelegramConfig `yaml:"telegram"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `yaml:"driver"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
}

type OrchestratorConfig struct {
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`
	MaxConcurrent       int `yaml:"max_concurrent"`
	MaxRetries          int `yaml:"max_retries"`
	RetryBackoffSeconds int `yaml:"retry_backoff_seconds"`
	RetryBackoffMaxSeconds int `yaml:"retry_backoff_max_seconds"`
}

type SelectorConfig struct {
	HealthWindow         int `yaml:"health_window"`
	CircuitThreshold     int `yaml:"circuit_threshold"`
	CircuitCooldownSeconds int `yaml:"circuit_cooldown_seconds"`
	PollTimeoutSeconds   int `yaml:"poll_timeout_seconds"`
}

type TrackerConfig struct {
	NotifyIntervalSeconds int `yaml:"notify_interval_seconds"`
	BufferSize            int `yaml:"buffer_size"`
}

type RetentionConfig struct {
	// SeedAfterImport keeps peer-swarm acquisitions seeding from the
	// acquisition directory after import.
	SeedAfterImport bool    `yaml:"seed_after_import"`
	RatioGoal       float64 `yaml:"ratio_goal"`
	MaxSeedHours    int     `yaml:"max_seed_hours"`
	// SweepSchedule is a cron expression for the seeding sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// DriverConfig configures one acquisition driver. Exactly one of the
// per-type sections must be set.
type DriverConfig struct {
	Priority int `yaml:"priority"`

	Transmission *TransmissionConfig `yaml:"transmission"`
	Sabnzbd      *SabnzbdConfig      `yaml:"sabnzbd"`
	Vendor       *VendorConfig       `yaml:"vendor"`
}

type TransmissionConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	TorrentsDir string `yaml:"torrents_dir"`
	DownloadDir string `yaml:"download_dir"`
}

type SabnzbdConfig struct {
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key"`
	Category string `yaml:"category"`

	DownloadDir string `yaml:"download_dir"`
}

type VendorConfig struct {
	BaseURL   string `yaml:"base_url"`
	UserAgent string `yaml:"user_agent"`

	DownloadDir string `yaml:"download_dir"`
}

type CollaboratorConfig struct {
	URL string `yaml:"url"`
}

type WishlistConfig struct {
	// Schedule is a cron expression for feed syncs.
	Schedule string          `yaml:"schedule"`
	Feeds    []*WishlistFeed `yaml:"feeds"`
}

type WishlistFeed struct {
	URL        string `yaml:"url"`
	SourceType string `yaml:"source_type"`
	Priority   int    `yaml:"priority"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Database == nil {
		c.Database = &DatabaseConfig{Driver: "sqlite", Path: "audiarr.db"}
	}
	if c.Orchestrator == nil {
		c.Orchestrator = &OrchestratorConfig{}
	}
	o := c.Orchestrator
	if o.TickIntervalSeconds <= 0 {
		o.TickIntervalSeconds = 5
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 3
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBackoffSeconds <= 0 {
		o.RetryBackoffSeconds = 30
	}
	if o.RetryBackoffMaxSeconds <= 0 {
		o.RetryBackoffMaxSeconds = 3600
	}

	if c.Selector == nil {
		c.Selector = &SelectorConfig{}
	}
	s := c.Selector
	if s.HealthWindow <= 0 {
		s.HealthWindow = 20
	}
	if s.CircuitThreshold <= 0 {
		s.CircuitThreshold = 5
	}
	if s.CircuitCooldownSeconds <= 0 {
		s.CircuitCooldownSeconds = 300
	}
	if s.PollTimeoutSeconds <= 0 {
		s.PollTimeoutSeconds = 10
	}

	if c.Tracker == nil {
		c.Tracker = &TrackerConfig{}
	}
	if c.Tracker.NotifyIntervalSeconds <= 0 {
		c.Tracker.NotifyIntervalSeconds = 10
	}
	if c.Tracker.BufferSize <= 0 {
		c.Tracker.BufferSize = 256
	}

	if c.Retention == nil {
		c.Retention = &RetentionConfig{}
	}
	r := c.Retention
	if r.RatioGoal <= 0 {
		r.RatioGoal = 1.0
	}
	if r.MaxSeedHours <= 0 {
		r.MaxSeedHours = 14 * 24
	}
	if r.SweepSchedule == "" {
		r.SweepSchedule = "*/30 * * * *"
	}

	if c.Wishlist != nil && c.Wishlist.Schedule == "" {
		c.Wishlist.Schedule = "0 * * * *"
	}
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.WorkDir == "" {
		return fmt.Errorf("work_dir is required")
	}

	if c.Converter == nil || c.Converter.URL == "" {
		return fmt.Errorf("converter.url is required")
	}
	if c.Importer == nil || c.Importer.URL == "" {
		return fmt.Errorf("importer.url is required")
	}

	for name, d := range c.Drivers {
		count := 0
		if d.Transmission != nil {
			count++
		}
		if d.Sabnzbd != nil {
			count++
		}
		if d.Vendor != nil {
			count++
		}
		if count != 1 {
			return fmt.Errorf("driver %s must configure exactly one backend type", name)
		}
	}

	if c.Wishlist != nil {
		for _, f := range c.Wishlist.Feeds {
			if f.URL == "" {
				return fmt.Errorf("wishlist feed without url")
			}
		}
	}

	return nil
}
