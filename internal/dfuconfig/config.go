// Package dfuconfig loads the settings that tune a DFU run: MTU, PRN
// interval, notification timeout, and retry budget.
package dfuconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Adapter  AdapterConfig  `yaml:"adapter"`
	Transfer TransferConfig `yaml:"transfer"`
	LogLevel string         `yaml:"log_level"`
}

// AdapterConfig holds BLE scan/connect settings.
type AdapterConfig struct {
	ScanTimeoutSeconds    int `yaml:"scan_timeout_seconds"`
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
}

// TransferConfig holds DFU object-transfer settings.
type TransferConfig struct {
	MTU                     int `yaml:"mtu"`
	PRNInterval             int `yaml:"prn_interval"`
	NotificationTimeoutSecs int `yaml:"notification_timeout_seconds"`
	MaxAttempts             int `yaml:"max_attempts"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "nrfdfu")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values, matching
// spec.md's default MTU (20), PRN (disabled) and 3-attempt retry budget.
func Default() *Config {
	return &Config{
		Adapter: AdapterConfig{
			ScanTimeoutSeconds:    10,
			ConnectTimeoutSeconds: 10,
		},
		Transfer: TransferConfig{
			MTU:                     20,
			PRNInterval:             0,
			NotificationTimeoutSecs: 20,
			MaxAttempts:             3,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled with
// defaults; a missing file is not an error, Default() is returned instead.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("dfuconfig: reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("dfuconfig: parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dfuconfig: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Adapter.ScanTimeoutSeconds <= 0 {
		return fmt.Errorf("adapter.scan_timeout_seconds must be > 0")
	}
	if c.Adapter.ConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("adapter.connect_timeout_seconds must be > 0")
	}
	if c.Transfer.MTU <= 3 {
		return fmt.Errorf("transfer.mtu must be > 3, got %d", c.Transfer.MTU)
	}
	if c.Transfer.PRNInterval < 0 {
		return fmt.Errorf("transfer.prn_interval must be >= 0")
	}
	if c.Transfer.NotificationTimeoutSecs <= 0 {
		return fmt.Errorf("transfer.notification_timeout_seconds must be > 0")
	}
	if c.Transfer.MaxAttempts <= 0 {
		return fmt.Errorf("transfer.max_attempts must be > 0")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	return nil
}
