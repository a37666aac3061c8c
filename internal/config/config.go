// Package config loads and validates the notifq configuration file.
package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	// Backing store configuration
	Store struct {
		Type     string `toml:"type"` // "redis" or "memory"
		Host     string `toml:"host"`
		Port     int    `toml:"port"`
		Password string `toml:"password"`
		Database int    `toml:"database"`
		Prefix   string `toml:"prefix"`
	} `toml:"store"`

	// Queue manager configuration
	Queue struct {
		MaxRetries         int `toml:"max_retries"`
		BackoffBaseSeconds int `toml:"backoff_base_seconds"`
		MediumDelayMinutes int `toml:"medium_delay_minutes"`
		LowDelayMinutes    int `toml:"low_delay_minutes"`
		StatsTTLDays       int `toml:"stats_ttl_days"`
	} `toml:"queue"`

	// Rate limiter configuration
	RateLimit struct {
		Backend       string   `toml:"backend"` // "redis", "memcache", "memory"
		HourlyCap     int64    `toml:"hourly_cap"`
		MemcacheAddrs []string `toml:"memcache_addrs"`
	} `toml:"rate_limit"`

	// Dispatcher configuration
	Dispatch struct {
		Enabled             bool     `toml:"enabled"`
		Tenants             []string `toml:"tenants"`
		PollIntervalSeconds int      `toml:"poll_interval_seconds"`
		DeliveryTimeoutSecs int      `toml:"delivery_timeout_seconds"`
		BatchLimit          int      `toml:"batch_limit"`
		WebhookURL          string   `toml:"webhook_url"`
		ChannelWebhooks     map[string]string `toml:"channel_webhooks"`

		// Circuit breaker thresholds, applied per channel
		BreakerMaxRequests     uint32 `toml:"breaker_max_requests"`
		BreakerIntervalSeconds int    `toml:"breaker_interval_seconds"`
		BreakerTimeoutSeconds  int    `toml:"breaker_timeout_seconds"`
	} `toml:"dispatch"`

	// Reaper configuration
	Reaper struct {
		Enabled               bool `toml:"enabled"`
		IntervalSeconds       int  `toml:"interval_seconds"`
		StuckThresholdMinutes int  `toml:"stuck_threshold_minutes"`
	} `toml:"reaper"`

	// Retention cleanup configuration
	Cleanup struct {
		Enabled       bool `toml:"enabled"`
		IntervalHours int  `toml:"interval_hours"`
		RetentionDays int  `toml:"retention_days"`
	} `toml:"cleanup"`

	// Audit archive configuration
	Archive struct {
		Enabled bool   `toml:"enabled"`
		Driver  string `toml:"driver"` // "sqlite3", "postgres", "mysql"
		DSN     string `toml:"dsn"`
		Table   string `toml:"table"`
	} `toml:"archive"`

	// Ops API configuration
	API struct {
		Enabled    bool   `toml:"enabled"`
		ListenAddr string `toml:"listen_addr"`
	} `toml:"api"`

	// Prometheus metrics configuration
	Metrics struct {
		Enabled    bool   `toml:"enabled"`
		ListenAddr string `toml:"listen_addr"`
	} `toml:"metrics"`

	// Logging configuration
	Logging struct {
		Level  string `toml:"level"`  // "debug", "info", "warn", "error"
		Format string `toml:"format"` // "text" or "json"
	} `toml:"logging"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Store.Type = "redis"
	cfg.Store.Host = "localhost"
	cfg.Store.Port = 6379

	cfg.Queue.MaxRetries = 3
	cfg.Queue.BackoffBaseSeconds = 60
	cfg.Queue.MediumDelayMinutes = 5
	cfg.Queue.LowDelayMinutes = 15
	cfg.Queue.StatsTTLDays = 7

	cfg.RateLimit.Backend = "redis"
	cfg.RateLimit.HourlyCap = 100

	cfg.Dispatch.Enabled = true
	cfg.Dispatch.Tenants = []string{"default"}
	cfg.Dispatch.PollIntervalSeconds = 5
	cfg.Dispatch.DeliveryTimeoutSecs = 30
	cfg.Dispatch.BatchLimit = 50
	cfg.Dispatch.BreakerMaxRequests = 5
	cfg.Dispatch.BreakerIntervalSeconds = 60
	cfg.Dispatch.BreakerTimeoutSeconds = 30

	cfg.Reaper.Enabled = true
	cfg.Reaper.IntervalSeconds = 60
	cfg.Reaper.StuckThresholdMinutes = 10

	cfg.Cleanup.Enabled = true
	cfg.Cleanup.IntervalHours = 1
	cfg.Cleanup.RetentionDays = 7

	cfg.Archive.Driver = "sqlite3"
	cfg.Archive.DSN = "notifq_archive.db"

	cfg.API.Enabled = true
	cfg.API.ListenAddr = ":8025"

	cfg.Metrics.Enabled = true
	cfg.Metrics.ListenAddr = ":9090"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./notifq.conf",
		"./config/notifq.conf",
		os.ExpandEnv("$HOME/.notifq.conf"),
		"/etc/notifq/notifq.conf",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", nil
}

// LoadConfig loads the configuration, falling back to defaults when no file
// is found.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	path, err := FindConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "redis", "memory":
	default:
		return fmt.Errorf("invalid store type %q (want redis or memory)", c.Store.Type)
	}

	switch c.RateLimit.Backend {
	case "redis", "memcache", "memory":
	default:
		return fmt.Errorf("invalid rate limit backend %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Backend == "redis" && c.Store.Type != "redis" {
		return fmt.Errorf("rate limit backend redis requires store type redis")
	}
	if c.RateLimit.Backend == "memcache" && len(c.RateLimit.MemcacheAddrs) == 0 {
		return fmt.Errorf("rate limit backend memcache requires memcache_addrs")
	}
	if c.RateLimit.HourlyCap <= 0 {
		return fmt.Errorf("rate limit hourly_cap must be positive")
	}

	if c.Queue.MaxRetries <= 0 {
		return fmt.Errorf("queue max_retries must be positive")
	}

	if c.Cleanup.Enabled {
		if c.Cleanup.IntervalHours <= 0 {
			return fmt.Errorf("cleanup interval_hours must be positive")
		}
		if c.Cleanup.RetentionDays <= 0 {
			return fmt.Errorf("cleanup retention_days must be positive")
		}
	}

	if c.Archive.Enabled {
		switch c.Archive.Driver {
		case "sqlite3", "postgres", "mysql":
		default:
			return fmt.Errorf("invalid archive driver %q", c.Archive.Driver)
		}
		if c.Archive.DSN == "" {
			return fmt.Errorf("archive requires a dsn")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}

	return nil
}
