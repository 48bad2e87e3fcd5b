package config

import (
	"time"

	redisclient "github.com/vietddude/httpguard/internal/infra/redis"
	"github.com/vietddude/httpguard/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Services []ServiceConfig    `yaml:"services"`
	Redis    redisclient.Config `yaml:"redis"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
	Probe    ProbeConfig        `yaml:"probe"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port          int           `yaml:"port"`
	FlushInterval time.Duration `yaml:"flush_interval"` // host metric snapshot persistence, 0 = off
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ServiceConfig holds settings for one upstream service and its node pool.
type ServiceConfig struct {
	Name                  string        `yaml:"name"`
	URIs                  []string      `yaml:"uris"`
	MaxNumRetries         *int          `yaml:"max_num_retries"`
	BackoffSlotSize       time.Duration `yaml:"backoff_slot_size"`
	FailedURLCooldown     time.Duration `yaml:"failed_url_cooldown"` // 0 = disabled
	NodeSelectionStrategy string        `yaml:"node_selection_strategy"`
	MaxThrottleRetries    int           `yaml:"max_throttle_retries"`
	MaxRedirects          int           `yaml:"max_redirects"`
	Timeout               time.Duration `yaml:"timeout"`
	Limiter               LimiterConfig `yaml:"limiter"`
}

// LimiterConfig holds per-host concurrency limiter settings.
type LimiterConfig struct {
	Enabled      bool          `yaml:"enabled"`
	InitialLimit int           `yaml:"initial_limit"`
	MaxLimit     int           `yaml:"max_limit"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ProbeConfig holds defaults for the probe command.
type ProbeConfig struct {
	Path        string  `yaml:"path"`
	Requests    int     `yaml:"requests"`
	Concurrency int     `yaml:"concurrency"`
	Rate        float64 `yaml:"rate"` // requests per second, 0 = unpaced
}

// Retries returns the configured retry budget.
func (s ServiceConfig) Retries() int {
	if s.MaxNumRetries == nil {
		return DefaultMaxNumRetries
	}
	return *s.MaxNumRetries
}
