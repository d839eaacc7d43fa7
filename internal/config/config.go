// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config is the runtime configuration of the marten CLI.
type Config struct {
	// Database is the SQLite database path.
	Database string `env:"MARTEN_DATABASE" envDefault:"marten.db"`

	// BatchSize is the maximum number of operations per batch.
	BatchSize int `env:"MARTEN_BATCH_SIZE" envDefault:"100"`

	Tenant   string `env:"MARTEN_TENANT" envDefault:"*DEFAULT*"`
	LogLevel string `env:"MARTEN_LOG_LEVEL" envDefault:"INFO"`

	// BusyRetries bounds how often opening a transaction retries a
	// locked database.
	BusyRetries uint64 `env:"MARTEN_BUSY_RETRIES" envDefault:"5"`

	// OTelEndpoint enables trace export when set.
	OTelEndpoint string `env:"MARTEN_OTEL_ENDPOINT"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("MARTEN_DATABASE must not be empty")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("MARTEN_BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps DEBUG, INFO, WARN and ERROR (any case) to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return 0, fmt.Errorf("MARTEN_LOG_LEVEL: %w", err)
	}
	return level, nil
}

var logLevel = new(slog.LevelVar)

// ConfigureLogging installs a text handler on w as the default logger.
// The level can be changed later with SetLogLevel.
func ConfigureLogging(w io.Writer, level slog.Level) *slog.Logger {
	logLevel.Set(level)
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

// SetLogLevel changes the level of the logger installed by ConfigureLogging.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}
