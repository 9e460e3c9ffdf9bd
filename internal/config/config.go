// Package config provides application configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (PARLEY_* prefix, DATABASE_URL override)
//  2. Config file (~/.parley/config.yaml)
//  3. Default values
//
// Main categories:
//   - Server: HTTP listen address
//   - Postgres: connection settings (see storage.go)
//   - Models: named-model registry resolving a selector to provider settings (see models.go)
//   - Generation: per-session defaults (system prompt, temperature, max tokens)
//   - Search: substring matching policy
//
// Error handling uses sentinel errors wrapped with fmt.Errorf("%w: ...") so
// callers can check with errors.Is().
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens indicates the max tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrNoModels indicates the model registry is empty.
	ErrNoModels = errors.New("no models configured")

	// ErrUnknownDefaultModel indicates the default selector names no registry entry.
	ErrUnknownDefaultModel = errors.New("default model not in registry")

	// ErrInvalidProvider indicates an unsupported provider identifier.
	ErrInvalidProvider = errors.New("invalid provider")
)

// Generation defaults applied to new sessions.
const (
	DefaultSystemPrompt = "You are a helpful assistant."
	DefaultTemperature  = 0.7
	DefaultMaxTokens    = 2000

	MaxTemperature   = 2.0
	MaxAllowedTokens = 128000
)

// Config stores application configuration.
type Config struct {
	// HTTP server
	ServerAddr string `mapstructure:"server_addr"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	// PostgreSQL connection
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDBName   string `mapstructure:"postgres_dbname"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	// Named-model registry and the selector used when a session names
	// no model or an unrecognized one.
	Models       map[string]ModelConfig `mapstructure:"models"`
	DefaultModel string                 `mapstructure:"default_model"`

	// Per-session generation defaults
	SystemPrompt string  `mapstructure:"system_prompt"`
	Temperature  float64 `mapstructure:"temperature"`
	MaxTokens    int     `mapstructure:"max_tokens"`

	// SearchCaseSensitive selects case-sensitive substring matching for
	// session search. Policy choice, not a storage accident: LIKE vs ILIKE.
	SearchCaseSensitive bool `mapstructure:"search_case_sensitive"`
}

// Load reads configuration from file, environment, and defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	home, err := os.UserHomeDir()
	if err == nil {
		v.AddConfigPath(filepath.Join(home, ".parley"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Missing file is fine; env + defaults apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// DATABASE_URL (if set) overrides individual postgres_* values.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}

	cfg.expandModelCredentials()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_addr", "127.0.0.1:8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "parley")
	v.SetDefault("postgres_dbname", "parley")
	v.SetDefault("postgres_sslmode", "disable")

	v.SetDefault("default_model", "gemini")
	v.SetDefault("system_prompt", DefaultSystemPrompt)
	v.SetDefault("temperature", DefaultTemperature)
	v.SetDefault("max_tokens", DefaultMaxTokens)

	v.SetDefault("search_case_sensitive", true)
}

// Validate checks the configuration for serve mode.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidPostgresDBName)
	}
	if c.Temperature < 0 || c.Temperature > MaxTemperature {
		return fmt.Errorf("%w: %g (must be 0..%g)", ErrInvalidTemperature, c.Temperature, MaxTemperature)
	}
	if c.MaxTokens < 1 || c.MaxTokens > MaxAllowedTokens {
		return fmt.Errorf("%w: %d", ErrInvalidMaxTokens, c.MaxTokens)
	}
	return c.validateModels()
}
