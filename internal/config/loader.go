package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults, then applies environment overrides. The result is not
// validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides reads POOL_* variables, plus the unprefixed PORT,
// DATABASE_URL and REDIS_URL that container platforms inject.
func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "POOL_SERVER_PORT")
	setDuration(&cfg.Server.RequestTimeout, "POOL_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "POOL_SERVER_SHUTDOWN_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "POOL_SERVER_CORS_ORIGINS")

	setStr(&cfg.Store.Backend, "POOL_STORE_BACKEND")

	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.DSN, "POOL_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxConns, "POOL_POSTGRES_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigration, "POOL_POSTGRES_RUN_MIGRATION")

	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "POOL_REDIS_URL")

	setStr(&cfg.Badger.Dir, "POOL_BADGER_DIR")
	setBool(&cfg.Badger.InMemory, "POOL_BADGER_IN_MEMORY")

	setInt(&cfg.Retry.MaxAttempts, "POOL_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.BaseDelay, "POOL_RETRY_BASE_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "POOL_RETRY_MAX_DELAY")

	setInt64(&cfg.Game.StartingBalance, "POOL_GAME_STARTING_BALANCE")
	setStringSlice(&cfg.Game.AdminNames, "POOL_GAME_ADMIN_NAMES")
	setStr(&cfg.Game.AdminToken, "POOL_GAME_ADMIN_TOKEN")
	setDuration(&cfg.Game.SweepInterval, "POOL_GAME_SWEEP_INTERVAL")
	setDuration(&cfg.Game.SettleTimeout, "POOL_GAME_SETTLE_TIMEOUT")

	setStr(&cfg.Log.Level, "POOL_LOG_LEVEL")
	setStr(&cfg.Log.File, "POOL_LOG_FILE")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
