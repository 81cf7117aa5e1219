// Package config provides configuration loading and management for Semflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/semflow/workflow/fanout"
	"github.com/c360studio/semflow/workflow/retry"
)

// Config represents the complete Semflow configuration
type Config struct {
	Retry     retry.Config    `yaml:"retry"`
	Fanout    fanout.Config   `yaml:"fanout"`
	Repo      RepoConfig      `yaml:"repo"`
	NATS      NATSConfig      `yaml:"nats"`
	Protocols ProtocolsConfig `yaml:"protocols"`
}

// RepoConfig configures the repository settings
type RepoConfig struct {
	// Path is the repository root path (auto-detected from git if empty)
	Path string `yaml:"path"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
}

// ProtocolsConfig configures the protocol registry
type ProtocolsConfig struct {
	// CatalogPath is the protocol catalog file (searched in the repo if empty)
	CatalogPath string `yaml:"catalog_path"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Retry: retry.DefaultConfig(),
		Fanout: fanout.Config{
			WorkerTimeout: 5 * time.Minute,
			MaxConcurrent: 0,
		},
		Repo: RepoConfig{
			Path: "", // Auto-detect
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Protocols: ProtocolsConfig{
			CatalogPath: "",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if c.Fanout.WorkerTimeout <= 0 {
		return fmt.Errorf("fanout.worker_timeout must be positive")
	}
	if c.Fanout.MaxConcurrent < 0 {
		return fmt.Errorf("fanout.max_concurrent must not be negative")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Retry
	if other.Retry.PerStepCap != 0 {
		c.Retry.PerStepCap = other.Retry.PerStepCap
	}
	if other.Retry.GlobalCap != 0 {
		c.Retry.GlobalCap = other.Retry.GlobalCap
	}
	if other.Retry.BackoffBase != 0 {
		c.Retry.BackoffBase = other.Retry.BackoffBase
	}
	if other.Retry.BackoffMultiplier != 0 {
		c.Retry.BackoffMultiplier = other.Retry.BackoffMultiplier
	}

	// Fanout
	if other.Fanout.WorkerTimeout != 0 {
		c.Fanout.WorkerTimeout = other.Fanout.WorkerTimeout
	}
	if other.Fanout.MaxConcurrent != 0 {
		c.Fanout.MaxConcurrent = other.Fanout.MaxConcurrent
	}

	// Repo
	if other.Repo.Path != "" {
		c.Repo.Path = other.Repo.Path
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}

	// Protocols
	if other.Protocols.CatalogPath != "" {
		c.Protocols.CatalogPath = other.Protocols.CatalogPath
	}
}
