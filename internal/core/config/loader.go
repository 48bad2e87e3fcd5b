package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Service defaults.
const (
	DefaultMaxNumRetries   = 4
	DefaultBackoffSlotSize = 250 * time.Millisecond
	DefaultMaxRedirects    = 20
	DefaultTimeout         = 30 * time.Second
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Probe.Path == "" {
		cfg.Probe.Path = "/"
	}
	if cfg.Probe.Requests == 0 {
		cfg.Probe.Requests = 100
	}
	if cfg.Probe.Concurrency == 0 {
		cfg.Probe.Concurrency = 4
	}

	for i := range cfg.Services {
		s := &cfg.Services[i]
		if s.BackoffSlotSize == 0 {
			s.BackoffSlotSize = DefaultBackoffSlotSize
		}
		if s.MaxRedirects == 0 {
			s.MaxRedirects = DefaultMaxRedirects
		}
		if s.Timeout == 0 {
			s.Timeout = DefaultTimeout
		}
		if s.NodeSelectionStrategy == "" {
			s.NodeSelectionStrategy = "PIN_UNTIL_ERROR"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings Load cannot default.
func (c *AppConfig) Validate() error {
	seen := make(map[string]bool, len(c.Services))
	for i, s := range c.Services {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("services[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("services[%d]: duplicate service name %q", i, s.Name)
		}
		seen[s.Name] = true

		if len(s.URIs) == 0 {
			return fmt.Errorf("service %s: at least one uri is required", s.Name)
		}
		if s.Retries() < 0 {
			return fmt.Errorf("service %s: max_num_retries must not be negative", s.Name)
		}
		if s.FailedURLCooldown < 0 {
			return fmt.Errorf("service %s: failed_url_cooldown must not be negative", s.Name)
		}
	}
	return nil
}

// Service returns the named service config.
func (c *AppConfig) Service(name string) (ServiceConfig, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceConfig{}, false
}
