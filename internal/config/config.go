// Package config handles classcharts-bridge configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load before the YAML document is decoded.
const (
	DefaultPort               = 8080
	DefaultBaseURL            = "https://www.classcharts.com"
	DefaultRefreshIntervalSec = 3600
	DefaultWorkers            = 4
	DefaultTimezone           = "Europe/London"
	DefaultDiscoveryPrefix    = "homeassistant"
	DefaultPublishIntervalSec = 300
	DefaultDataDir            = "./data"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/classcharts/config.yaml, /etc/classcharts/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "classcharts", "config.yaml"))
	}

	paths = append(paths, "/etc/classcharts/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all classcharts-bridge configuration.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	ClassCharts ClassChartsConfig `yaml:"classcharts"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	DataDir     string            `yaml:"data_dir"`
	Timezone    string            `yaml:"timezone"`
	LogLevel    string            `yaml:"log_level"`
	LogFormat   string            `yaml:"log_format"` // text or json
}

// ListenConfig defines the HTTP API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ClassChartsConfig holds the remote API settings and the configured
// parent accounts. Each account gets exactly one coordinator.
type ClassChartsConfig struct {
	BaseURL            string          `yaml:"base_url"`
	RefreshIntervalSec int             `yaml:"refresh_interval_sec"`
	Workers            int             `yaml:"workers"`
	Accounts           []AccountConfig `yaml:"accounts"`
}

// RefreshInterval returns the coordinator polling interval.
func (c ClassChartsConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSec) * time.Second
}

// AccountConfig is one ClassCharts parent login.
type AccountConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

// MQTTConfig defines the Home Assistant MQTT discovery publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether enough MQTT settings are present to start
// the publisher.
func (m MQTTConfig) Configured() bool {
	return m.Broker != "" && m.DeviceName != ""
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references from the environment, then fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with every default filled in and no
// accounts.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: DefaultPort},
		ClassCharts: ClassChartsConfig{
			BaseURL:            DefaultBaseURL,
			RefreshIntervalSec: DefaultRefreshIntervalSec,
			Workers:            DefaultWorkers,
		},
		MQTT: MQTTConfig{
			DiscoveryPrefix:    DefaultDiscoveryPrefix,
			PublishIntervalSec: DefaultPublishIntervalSec,
		},
		DataDir:   DefaultDataDir,
		Timezone:  DefaultTimezone,
		LogFormat: "text",
	}
}

// applyDefaults restores defaults for keys that were present in the
// document but left empty.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.ClassCharts.BaseURL == "" {
		c.ClassCharts.BaseURL = DefaultBaseURL
	}
	c.ClassCharts.BaseURL = strings.TrimRight(c.ClassCharts.BaseURL, "/")
	if c.ClassCharts.Workers <= 0 {
		c.ClassCharts.Workers = DefaultWorkers
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = DefaultPublishIntervalSec
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Location resolves the configured timezone. "Today" and HH:MM lesson
// times are interpreted in this location.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks the configuration for errors that would prevent the
// bridge from starting. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if len(c.ClassCharts.Accounts) == 0 {
		errs = append(errs, errors.New("classcharts.accounts: at least one account is required"))
	}
	seen := make(map[string]bool, len(c.ClassCharts.Accounts))
	for i, a := range c.ClassCharts.Accounts {
		if strings.TrimSpace(a.Email) == "" {
			errs = append(errs, fmt.Errorf("classcharts.accounts[%d]: email is required", i))
		}
		if a.Password == "" {
			errs = append(errs, fmt.Errorf("classcharts.accounts[%d]: password is required", i))
		}
		key := strings.ToLower(strings.TrimSpace(a.Email))
		if key != "" && seen[key] {
			errs = append(errs, fmt.Errorf("classcharts.accounts[%d]: duplicate account %s", i, a.Email))
		}
		seen[key] = true
	}
	if c.ClassCharts.RefreshIntervalSec <= 0 {
		errs = append(errs, fmt.Errorf("classcharts.refresh_interval_sec must be positive, got %d", c.ClassCharts.RefreshIntervalSec))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format: unknown format %q (expected text or json)", c.LogFormat))
	}

	return errors.Join(errs...)
}
