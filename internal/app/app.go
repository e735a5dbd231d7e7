// Package app wires configuration into a running lifecycle controller.
// Both the HTTP server and the admin CLI start from Open.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/spread-market/internal/archive"
	"github.com/atmx/spread-market/internal/config"
	"github.com/atmx/spread-market/internal/lifecycle"
	"github.com/atmx/spread-market/internal/lock"
	"github.com/atmx/spread-market/internal/store"
)

const lockPrefix = "spreadmkt:"

// App holds the wired dependencies and their cleanup.
type App struct {
	Config *config.Config
	Store  store.Store
	Ctl    *lifecycle.Controller
	Log    *slog.Logger

	cleanup []func()
}

// NewLogger returns a JSON slog logger at the named level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// Open connects the configured backends and builds the controller. extra
// options are applied after the ones derived from cfg.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger, extra ...lifecycle.Option) (*App, error) {
	a := &App{Config: cfg, Log: log}
	opts := []lifecycle.Option{
		lifecycle.WithLogger(log),
		lifecycle.WithLockTTL(cfg.Lifecycle.LockTTL.Duration),
		lifecycle.WithMaxRetries(cfg.Lifecycle.MaxRetries),
	}

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("app: database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: database ping failed: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				a.Close()
				return nil, fmt.Errorf("app: migrate: %w", err)
			}
		}
		a.Store = pg
		log.Info("connected to PostgreSQL")

		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("app: invalid redis url: %w", err)
			}
			rdb := redis.NewClient(opt)
			a.cleanup = append(a.cleanup, func() { rdb.Close() })
			if err := rdb.Ping(ctx).Err(); err != nil {
				a.Close()
				return nil, fmt.Errorf("app: redis ping failed: %w", err)
			}
			a.Store = store.NewCachedStore(pg, rdb, cfg.Redis.CacheTTL.Duration)
			opts = append(opts, lifecycle.WithLocker(lock.NewRedis(rdb, lockPrefix)))
			log.Info("Redis cache and reconcile lock enabled")
		}
	} else {
		if cfg.Redis.URL != "" {
			log.Warn("redis url ignored without a database, in-memory store is single-process")
		}
		log.Warn("database url not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
	}

	if cfg.ArchiveEnabled() {
		arc, err := archive.NewS3(ctx, archive.Config{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			Prefix:         cfg.Archive.Prefix,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		opts = append(opts, lifecycle.WithArchiver(arc))
		log.Info("settlement archive enabled", "bucket", cfg.Archive.Bucket, "prefix", cfg.Archive.Prefix)
	}

	a.Ctl = lifecycle.New(a.Store, append(opts, extra...)...)
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
