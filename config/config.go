// Package config loads the client configuration of an owner or approver
// device.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ruteri/seedguard/retry"
	"gopkg.in/yaml.v3"
)

const (
	DefaultRefreshInterval  = 3 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
	DefaultAccessWindow     = 900 * time.Second
	DefaultProlongThreshold = 600 * time.Second
	DefaultKeystore         = "file://~/.seedguard"
)

type RetryConfig struct {
	Delay       time.Duration `yaml:"delay"`
	MaxAttempts uint64        `yaml:"maxAttempts"`
}

type LogConfig struct {
	Debug   bool   `yaml:"debug"`
	JSON    bool   `yaml:"json"`
	Service string `yaml:"service"`
}

type Config struct {
	ServerURL string `yaml:"serverUrl"`
	AccountID string `yaml:"accountId"`

	// Keystores are mirrored; see storage.KeystoreFactory for the schemes.
	Keystores []string `yaml:"keystores"`

	RefreshInterval  time.Duration `yaml:"refreshInterval"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	AccessWindow     time.Duration `yaml:"accessWindow"`
	ProlongThreshold time.Duration `yaml:"prolongThreshold"`

	Retry RetryConfig `yaml:"retry"`
	Log   LogConfig   `yaml:"log"`
}

// Default returns a configuration with every optional field set.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if len(c.Keystores) == 0 {
		c.Keystores = []string{DefaultKeystore}
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.AccessWindow <= 0 {
		c.AccessWindow = DefaultAccessWindow
	}
	if c.ProlongThreshold <= 0 {
		c.ProlongThreshold = DefaultProlongThreshold
	}
	defaults := retry.DefaultConfig()
	if c.Retry.Delay <= 0 {
		c.Retry.Delay = defaults.Delay
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = defaults.MaxAttempts
	}
}

// Validate checks the fields that have no default.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("serverUrl is required"))
	}
	if c.AccountID == "" {
		errs = append(errs, errors.New("accountId is required"))
	}
	return errors.Join(errs...)
}

// RetryConfig converts the retry section for the scheduler.
func (c *Config) RetryConfig() retry.Config {
	return retry.Config{Delay: c.Retry.Delay, MaxAttempts: c.Retry.MaxAttempts}
}

// Parse decodes a YAML document, fills defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Save writes cfg to path as YAML, readable only by the current user.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
