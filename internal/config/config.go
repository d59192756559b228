// Package config loads questsync settings from a YAML file, environment
// variables and command-line overrides, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultAPIBase         = "http://localhost:4000"
	DefaultRefreshInterval = 60 * time.Second
	DefaultProbeInterval   = 15 * time.Second
	DefaultRequestTimeout  = 30 * time.Second
	DefaultMaxAttempts     = 4
	DefaultLogLevel        = "info"
)

// Environment variables that override the file.
const (
	EnvAPIBase  = "QUESTSYNC_API_BASE"
	EnvDataDir  = "QUESTSYNC_DATA_DIR"
	EnvLogLevel = "QUESTSYNC_LOG_LEVEL"
)

// Config represents ~/.config/questsync/config.yaml.
type Config struct {
	APIBase         string        `yaml:"api_base,omitempty"`
	DataDir         string        `yaml:"data_dir,omitempty"`
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty"`
	ProbeInterval   time.Duration `yaml:"probe_interval,omitempty"`
	RequestTimeout  time.Duration `yaml:"request_timeout,omitempty"`
	MaxAttempts     int           `yaml:"max_attempts,omitempty"`
	LogLevel        string        `yaml:"log_level,omitempty"`
	LogFile         string        `yaml:"log_file,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		APIBase:         DefaultAPIBase,
		DataDir:         defaultDataDir(),
		RefreshInterval: DefaultRefreshInterval,
		ProbeInterval:   DefaultProbeInterval,
		RequestTimeout:  DefaultRequestTimeout,
		MaxAttempts:     DefaultMaxAttempts,
		LogLevel:        DefaultLogLevel,
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "questsync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "questsync")
	}
	return ".questsync"
}

// DefaultPath returns $XDG_CONFIG_HOME/questsync/config.yaml, falling back
// to ~/.config/questsync/config.yaml.
func DefaultPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "questsync", "config.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "questsync", "config.yaml"), nil
}

// Load reads the file at path, then applies environment overrides and
// defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating its directory.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIBase); v != "" {
		c.APIBase = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.APIBase == "" {
		c.APIBase = d.APIBase
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = d.RefreshInterval
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// Validate checks values that would break the engine.
func (c Config) Validate() error {
	if err := ValidateAPIBase(c.APIBase); err != nil {
		return err
	}
	if c.RefreshInterval < 0 || c.ProbeInterval < 0 || c.RequestTimeout < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative, got %d", c.MaxAttempts)
	}
	return nil
}

// ValidateAPIBase accepts absolute http and https URLs.
func ValidateAPIBase(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid api base %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid api base %q: must be an http(s) URL", raw)
	}
	return nil
}

// DBPath returns the SQLite file inside DataDir.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "questsync.db")
}
