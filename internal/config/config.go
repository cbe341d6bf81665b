package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Control ControlConfig `yaml:"control"`
	Capture CaptureConfig `yaml:"capture"`
	Logging LoggingConfig `yaml:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// ControlConfig contains the capture control channel configuration
type ControlConfig struct {
	Endpoint string `yaml:"endpoint"`
	Timeout  int    `yaml:"timeout"` // seconds
}

// CaptureConfig contains defaults applied to every capture session unless
// the session request overrides them
type CaptureConfig struct {
	BasePort         int         `yaml:"base_port"`
	HighWaterMarkMB  int         `yaml:"high_water_mark_mb"`
	ImmediateResume  bool        `yaml:"immediate_resume"`
	Retry            RetryConfig `yaml:"retry"`
	SessionRetention int         `yaml:"session_retention"` // seconds
}

// RetryConfig contains the readiness polling policy for the capture runtime.
// Before retry k the gate waits each^k milliseconds; times bounds the total
// number of probe attempts.
type RetryConfig struct {
	Each  int `yaml:"each"`
	Times int `yaml:"times"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Control.Validate(); err != nil {
		return fmt.Errorf("control config: %w", err)
	}

	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates control channel configuration
func (c *ControlConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if c.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", c.Timeout)
	}

	return nil
}

// Validate validates capture session defaults
func (c *CaptureConfig) Validate() error {
	if c.BasePort < 1024 || c.BasePort > 65000 {
		return fmt.Errorf("base_port must be between 1024 and 65000, got %d", c.BasePort)
	}

	if c.HighWaterMarkMB < 1 {
		return fmt.Errorf("high_water_mark_mb must be at least 1, got %d", c.HighWaterMarkMB)
	}

	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	if c.SessionRetention < 1 {
		return fmt.Errorf("session_retention must be at least 1 second, got %d", c.SessionRetention)
	}

	return nil
}

// Validate validates the readiness retry policy. A base of 1 or less yields
// no growth between probe delays, so it is rejected at the configuration
// level even though the gate itself tolerates it.
func (r *RetryConfig) Validate() error {
	if r.Each <= 1 {
		return fmt.Errorf("each must be greater than 1 for exponential spacing, got %d", r.Each)
	}

	if r.Times < 1 {
		return fmt.Errorf("times must be at least 1, got %d", r.Times)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetTimeoutDuration returns the control call timeout as a time.Duration
func (c *ControlConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// GetSessionRetentionDuration returns how long closed sessions remain listed
// as a time.Duration
func (c *CaptureConfig) GetSessionRetentionDuration() time.Duration {
	return time.Duration(c.SessionRetention) * time.Second
}

// HighWaterMarkBytes returns the default stream buffer threshold in bytes
func (c *CaptureConfig) HighWaterMarkBytes() int {
	return c.HighWaterMarkMB << 20
}
