package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges, in order: Defaults, the TOML file at path (skipped when path
// is empty or the file does not exist), a .env file in the working
// directory, and SPREADMKT_* environment variables. The result is not
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Plain names used by container platforms. SPREADMKT_* wins when both are set.
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")

	setInt(&cfg.Server.Port, "SPREADMKT_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "SPREADMKT_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "SPREADMKT_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "SPREADMKT_SERVER_SHUTDOWN_TIMEOUT")

	setStr(&cfg.Database.URL, "SPREADMKT_DATABASE_URL")
	setBool(&cfg.Database.RunMigrations, "SPREADMKT_DATABASE_RUN_MIGRATIONS")

	setStr(&cfg.Redis.URL, "SPREADMKT_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "SPREADMKT_REDIS_CACHE_TTL")

	setDuration(&cfg.Lifecycle.LockTTL, "SPREADMKT_LIFECYCLE_LOCK_TTL")
	setInt(&cfg.Lifecycle.MaxRetries, "SPREADMKT_LIFECYCLE_MAX_RETRIES")

	setBool(&cfg.Sweep.Enabled, "SPREADMKT_SWEEP_ENABLED")
	setStr(&cfg.Sweep.Schedule, "SPREADMKT_SWEEP_SCHEDULE")
	setDuration(&cfg.Sweep.Timeout, "SPREADMKT_SWEEP_TIMEOUT")

	setStr(&cfg.Archive.Endpoint, "SPREADMKT_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "SPREADMKT_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "SPREADMKT_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.Prefix, "SPREADMKT_ARCHIVE_PREFIX")
	setStr(&cfg.Archive.AccessKey, "SPREADMKT_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "SPREADMKT_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.ForcePathStyle, "SPREADMKT_ARCHIVE_FORCE_PATH_STYLE")

	setStr(&cfg.LogLevel, "SPREADMKT_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable
// is present, non-empty and parses.

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
