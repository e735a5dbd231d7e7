// Package config loads the spread market's runtime configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the root configuration.
type Config struct {
	LogLevel  string          `toml:"log_level"`
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Lifecycle LifecycleConfig `toml:"lifecycle"`
	Sweep     SweepConfig     `toml:"sweep"`
	Archive   ArchiveConfig   `toml:"archive"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// DatabaseConfig selects the Postgres store. An empty URL means the
// in-memory store.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through cache and the distributed
// reconcile lock. An empty URL disables both.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

// LifecycleConfig tunes the lifecycle controller.
type LifecycleConfig struct {
	LockTTL    duration `toml:"lock_ttl"`
	MaxRetries int      `toml:"max_retries"`
}

// SweepConfig schedules the background lifecycle sweep.
type SweepConfig struct {
	Enabled  bool     `toml:"enabled"`
	Schedule string   `toml:"schedule"`
	Timeout  duration `toml:"timeout"`
}

// ArchiveConfig points at the bucket that receives settlement reports.
// An empty bucket disables archiving.
type ArchiveConfig struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration wraps time.Duration so TOML strings like "30s" decode.
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

// Defaults returns a Config that runs a single in-memory node.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
		},
		Database: DatabaseConfig{RunMigrations: true},
		Redis:    RedisConfig{CacheTTL: duration{30 * time.Second}},
		Lifecycle: LifecycleConfig{
			LockTTL:    duration{10 * time.Second},
			MaxRetries: 3,
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Schedule: "*/30 * * * * *",
			Timeout:  duration{25 * time.Second},
		},
		Archive: ArchiveConfig{
			Region: "us-east-1",
			Prefix: "settlements",
		},
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}
	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive")
	}
	if c.Lifecycle.LockTTL.Duration <= 0 {
		errs = append(errs, "lifecycle: lock_ttl must be positive")
	}
	if c.Lifecycle.MaxRetries < 0 {
		errs = append(errs, "lifecycle: max_retries must not be negative")
	}
	if c.Sweep.Enabled {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Sweep.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("sweep: invalid schedule %q: %v", c.Sweep.Schedule, err))
		}
	}
	if c.Archive.Bucket != "" && c.Archive.Region == "" {
		errs = append(errs, "archive: region is required when bucket is set")
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// ArchiveEnabled reports whether settlement reports should be uploaded.
func (c *Config) ArchiveEnabled() bool {
	return c.Archive.Bucket != ""
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
