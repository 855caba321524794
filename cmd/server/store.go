package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"plontis/internal/adapters/memory"
	"plontis/internal/adapters/postgres"
	"plontis/internal/adapters/rediscache"
	"plontis/internal/adapters/sqlite"
	"plontis/internal/config"
	"plontis/internal/ports"
)

// store is what every storage driver provides.
type store interface {
	ports.IdentityRepository
	ports.EventRepository
	Ping(ctx context.Context) error
}

func openStore(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.DatabaseURL, postgres.Options{
			MaxConns:     cfg.MaxConns,
			ScanPageSize: cfg.ScanPageSize,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if cfg.AutoMigrate {
			applied, err := db.Migrate(ctx)
			if err != nil {
				db.Close()
				return nil, nil, fmt.Errorf("migrate postgres: %w", err)
			}
			log.Info("migrations applied", zap.Strings("versions", applied))
		}
		return db, db.Close, nil
	case "sqlite":
		st, err := sqlite.Open(ctx, cfg.SQLitePath, cfg.ScanPageSize)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return st, func() {
			if err := st.Close(); err != nil {
				log.Warn("sqlite close", zap.Error(err))
			}
		}, nil
	case "memory":
		log.Warn("using the in-memory store; nothing will survive a restart")
		return memory.NewStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openCache(ctx context.Context, cfg config.CacheConfig, log *zap.Logger) (ports.SnapshotCache, func(), error) {
	switch cfg.Driver {
	case "redis":
		c, err := rediscache.NewSnapshotCache(ctx, rediscache.Options{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			KeyPrefix:   cfg.KeyPrefix,
			DialTimeout: 5 * time.Second,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return c, func() {
			if err := c.Close(); err != nil {
				log.Warn("redis close", zap.Error(err))
			}
		}, nil
	case "none":
		return nil, func() {}, nil
	default:
		return memory.NewSnapshotCache(), func() {}, nil
	}
}
