// Package rediscache backs the snapshot cache with Redis so that every API replica
// serves the same recently computed aggregates.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"plontis/internal/ports"
)

type Options struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
}

type SnapshotCache struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
}

var _ ports.SnapshotCache = (*SnapshotCache)(nil)

// NewSnapshotCache connects and pings Redis.
func NewSnapshotCache(ctx context.Context, opts Options, log *zap.Logger) (*SnapshotCache, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	dial := opts.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  dial,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dial)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	log.Info("redis snapshot cache initialized", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return &SnapshotCache{client: client, prefix: opts.KeyPrefix, log: log}, nil
}

func (c *SnapshotCache) Get(ctx context.Context, key string) (ports.CachedSnapshot, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ports.CachedSnapshot{}, false, nil
	}
	if err != nil {
		return ports.CachedSnapshot{}, false, fmt.Errorf("redis get failed: %w", err)
	}
	var snap ports.CachedSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		// an undecodable entry is treated as a miss and overwritten on the next put
		c.log.Warn("discarding corrupt snapshot cache entry", zap.String("key", key), zap.Error(err))
		return ports.CachedSnapshot{}, false, nil
	}
	return snap, true, nil
}

func (c *SnapshotCache) Put(ctx context.Context, key string, snap ports.CachedSnapshot, ttl time.Duration) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (c *SnapshotCache) Close() error { return c.client.Close() }
