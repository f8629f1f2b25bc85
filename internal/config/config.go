// Package config loads and validates relay configuration.
//
// Configuration comes from a YAML file with environment-variable overrides
// for deployment-specific values (port, database path, auth token).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level relay configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Stream     StreamConfig     `yaml:"stream"`
	Auth       AuthConfig       `yaml:"auth"`
	Store      StoreConfig      `yaml:"store"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Evals      EvalsConfig      `yaml:"evals"`
	LogLevel   string           `yaml:"log_level"`
}

// RuntimeConfig points at the upstream agent runtime.
type RuntimeConfig struct {
	URL      string `yaml:"url"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RateLimitConfig configures the per-caller fixed-window governor.
type RateLimitConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxPerWindow int           `yaml:"max_per_window"`
	Window       time.Duration `yaml:"window"`
}

// StreamConfig configures stream coordination.
type StreamConfig struct {
	// IdleTimeout applies to the text drain only after the event source has
	// finished; zero means use the default.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// AuthConfig configures caller token validation.
type AuthConfig struct {
	// Mode is "none" (every bearer token accepted) or "static" (token must
	// match one of Tokens). Production deployments plug in their own
	// validator; these are the built-in reference modes.
	Mode   string   `yaml:"mode"`
	Tokens []string `yaml:"tokens"`
}

// StoreConfig configures the SQLite run recorder.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MonitoringConfig configures JSONL turn telemetry.
type MonitoringConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}

// EvalsConfig configures post-turn quality scoring.
type EvalsConfig struct {
	Scorers []string `yaml:"scorers"`
}

// Default returns a config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         DefaultServerPort,
			ReadTimeout:  DefaultServerReadTimeout,
			WriteTimeout: DefaultServerWriteTimeout,
		},
		Runtime: RuntimeConfig{
			URL: DefaultRuntimeURL,
		},
		RateLimit: RateLimitConfig{
			Enabled:      true,
			MaxPerWindow: DefaultMaxRequestsPerWindow,
			Window:       DefaultRateLimitWindow,
		},
		Stream: StreamConfig{
			IdleTimeout: DefaultIdleTimeout,
		},
		Auth: AuthConfig{
			Mode: "none",
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    "relay.db",
		},
		LogLevel: "info",
	}
}

// Load reads configuration from path (optional) and applies env overrides.
// A missing file is not an error; defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as runtime bugs.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.RateLimit.Enabled && c.RateLimit.MaxPerWindow <= 0 {
		return fmt.Errorf("rate_limit.max_per_window must be positive, got %d", c.RateLimit.MaxPerWindow)
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = DefaultRateLimitWindow
	}
	if c.Stream.IdleTimeout <= 0 {
		c.Stream.IdleTimeout = DefaultIdleTimeout
	}
	switch c.Auth.Mode {
	case "", "none", "static":
	default:
		return fmt.Errorf("unknown auth mode %q", c.Auth.Mode)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RELAY_RUNTIME_URL"); v != "" {
		cfg.Runtime.URL = v
	}
	if v := os.Getenv("RELAY_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RELAY_AUTH_TOKEN"); v != "" {
		cfg.Auth.Mode = "static"
		cfg.Auth.Tokens = append(cfg.Auth.Tokens, v)
	}
}
