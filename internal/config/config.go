// Package config holds the pool engine's configuration: built-in defaults,
// an optional TOML file, a .env file, and POOL_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Store    StoreConfig    `toml:"store"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Badger   BadgerConfig   `toml:"badger"`
	Retry    RetryConfig    `toml:"retry"`
	Game     GameConfig     `toml:"game"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Port            int      `toml:"port"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
}

// StoreConfig selects the keyed-store backend.
type StoreConfig struct {
	// Backend is one of memory, badger, postgres, redis.
	Backend string `toml:"backend"`
}

type PostgresConfig struct {
	DSN          string `toml:"dsn"`
	MaxConns     int    `toml:"max_conns"`
	RunMigration bool   `toml:"run_migration"`
}

type RedisConfig struct {
	URL string `toml:"url"`
}

type BadgerConfig struct {
	Dir      string `toml:"dir"`
	InMemory bool   `toml:"in_memory"`
}

// RetryConfig bounds optimistic-update retries.
type RetryConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   duration `toml:"base_delay"`
	MaxDelay    duration `toml:"max_delay"`
}

// GameConfig holds the rules of play.
type GameConfig struct {
	StartingBalance int64    `toml:"starting_balance"`
	AdminNames      []string `toml:"admin_names"`
	AdminToken      string   `toml:"admin_token"`
	SweepInterval   duration `toml:"sweep_interval"`
	SettleTimeout   duration `toml:"settle_timeout"`
}

type LogConfig struct {
	Level string `toml:"level"`
	// File, when set, receives logs through a rotating writer instead of
	// stdout.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5ms", "30s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config that runs the whole engine in memory.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{10 * time.Second},
			CORSOrigins:     []string{"*"},
		},
		Store: StoreConfig{Backend: "memory"},
		Postgres: PostgresConfig{
			MaxConns:     10,
			RunMigration: true,
		},
		Badger: BadgerConfig{Dir: "data/badger"},
		Retry: RetryConfig{
			MaxAttempts: 8,
			BaseDelay:   duration{5 * time.Millisecond},
			MaxDelay:    duration{250 * time.Millisecond},
		},
		Game: GameConfig{
			StartingBalance: 1000,
			AdminNames:      []string{"admin"},
			SweepInterval:   duration{30 * time.Second},
			SettleTimeout:   duration{15 * time.Second},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

var validBackends = map[string]bool{
	"memory":   true,
	"badger":   true,
	"postgres": true,
	"redis":    true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, "server: shutdown_timeout must be positive")
	}

	backend := strings.ToLower(c.Store.Backend)
	if !validBackends[backend] {
		errs = append(errs, fmt.Sprintf("store: unknown backend %q (valid: memory, badger, postgres, redis)", c.Store.Backend))
	}
	switch backend {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			errs = append(errs, "postgres: dsn is required for the postgres backend")
		}
		if c.Postgres.MaxConns < 2 {
			errs = append(errs, "postgres: max_conns must be >= 2 (the change listener holds one connection)")
		}
	case "redis":
		if strings.TrimSpace(c.Redis.URL) == "" {
			errs = append(errs, "redis: url is required for the redis backend")
		}
	case "badger":
		if !c.Badger.InMemory && strings.TrimSpace(c.Badger.Dir) == "" {
			errs = append(errs, "badger: dir is required unless in_memory is set")
		}
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry: max_attempts must be >= 1")
	}
	if c.Retry.BaseDelay.Duration < 0 || c.Retry.MaxDelay.Duration < c.Retry.BaseDelay.Duration {
		errs = append(errs, "retry: need 0 <= base_delay <= max_delay")
	}

	if c.Game.StartingBalance < 0 {
		errs = append(errs, "game: starting_balance must not be negative")
	}
	if c.Game.SweepInterval.Duration <= 0 {
		errs = append(errs, "game: sweep_interval must be positive")
	}
	if c.Game.SettleTimeout.Duration <= 0 {
		errs = append(errs, "game: settle_timeout must be positive")
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log: unknown level %q (valid: debug, info, warn, error)", c.Log.Level))
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}
