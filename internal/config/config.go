// Package config loads and validates the daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig contains identity settings for outbound sessions
type ServerConfig struct {
	Hostname string `yaml:"hostname"` // EHLO name, defaults to os.Hostname
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`   // Default: :8080
	APIKey       string        `yaml:"api_key"`       // Empty disables auth
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // Default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // Default: 60s
}

// DispatchConfig contains campaign dispatch defaults. Per-campaign
// requests may override delay and retry settings.
type DispatchConfig struct {
	AttemptTimeout    time.Duration `yaml:"attempt_timeout"`     // Default: 30s
	DelayBetweenSends time.Duration `yaml:"delay_between_sends"` // Default: 1s
	MaxRetries        int           `yaml:"max_retries"`         // Default: 2
	FailoverEnabled   bool          `yaml:"failover_enabled"`    // Default: true
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	Path string `yaml:"path"` // Default: ./data/rotomail.db
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // Default: /metrics
}

// Load reads and validates configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 60 * time.Second
	}

	if c.Dispatch.AttemptTimeout == 0 {
		c.Dispatch.AttemptTimeout = 30 * time.Second
	}
	if c.Dispatch.DelayBetweenSends == 0 {
		c.Dispatch.DelayBetweenSends = time.Second
	}
	if c.Dispatch.MaxRetries == 0 {
		c.Dispatch.MaxRetries = 2
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "./data/rotomail.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must not be negative")
	}
	if c.Dispatch.AttemptTimeout < 0 {
		return fmt.Errorf("dispatch.attempt_timeout must not be negative")
	}
	if c.Dispatch.DelayBetweenSends < 0 {
		return fmt.Errorf("dispatch.delay_between_sends must not be negative")
	}

	return nil
}
