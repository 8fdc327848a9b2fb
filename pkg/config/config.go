// Package config provides YAML-based configuration loading for sandbus.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the process
	AppName string `mapstructure:"app_name"`

	// Role this process plays: background, devtools, content-script, window
	Role string `mapstructure:"role"`

	// Instance is the content instance id for roles bound to one; negative
	// means unset
	Instance int64 `mapstructure:"instance"`

	// Namespace is the isolation key for page-boundary traffic
	Namespace string `mapstructure:"namespace"`

	// ProbeTimeoutMS overrides the page handshake probe window; zero keeps
	// the built-in default
	ProbeTimeoutMS int `mapstructure:"probe_timeout_ms"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// QUIC holds the remote-attach transport options
	QUIC QUICConfig `mapstructure:"quic"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// QUICConfig configures the cross-process transport. Listen applies to a
// coordinator, DialAddr to a sandbox attaching remotely.
type QUICConfig struct {
	Listen   string `mapstructure:"listen"`
	DialAddr string `mapstructure:"dial_addr"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName:   "sandbus-demo",
		Role:      "background",
		Instance:  -1,
		Namespace: "sandbus",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/sandbus.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// InstanceID returns the configured content instance id, nil when unset.
func (c *Config) InstanceID() *uint32 {
	if c.Instance < 0 {
		return nil
	}
	id := uint32(c.Instance)
	return &id
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix SANDBUS and `.`/`-` are replaced with
// `_`. Example: SANDBUS_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SANDBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("role", cfg.Role)
	v.SetDefault("instance", cfg.Instance)
	v.SetDefault("namespace", cfg.Namespace)
	v.SetDefault("probe_timeout_ms", cfg.ProbeTimeoutMS)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("quic.listen", cfg.QUIC.Listen)
	v.SetDefault("quic.dial_addr", cfg.QUIC.DialAddr)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("SANDBUS_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `sandbus`
		v.SetConfigName("sandbus")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".sandbus"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	switch strings.TrimSpace(c.Role) {
	case "background", "devtools", "content-script", "window":
		// ok
	default:
		return fmt.Errorf("invalid role: %q", c.Role)
	}

	if c.ProbeTimeoutMS < 0 {
		return fmt.Errorf("invalid probe_timeout_ms: %d", c.ProbeTimeoutMS)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.Namespace) == "" {
		c.Namespace = "sandbus"
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
