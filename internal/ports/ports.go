package ports

import (
	"context"
	"time"

	"plontis/internal/domain"
)

// Authenticator resolves credentials to an active site identity.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey, siteHash string) (domain.SiteIdentity, error)
}

// Analytics computes market and per-site snapshots.
type Analytics interface {
	MarketIntelligence(ctx context.Context, window time.Duration) domain.AggregateSnapshot
	SiteInsights(ctx context.Context, siteHash string, window time.Duration) domain.AggregateSnapshot
}

// CachedSnapshot is a snapshot plus the time it was computed.
type CachedSnapshot struct {
	Snapshot   domain.AggregateSnapshot `json:"snapshot"`
	ComputedAt time.Time                `json:"computed_at"`
}

// SnapshotCache stores computed snapshots. Misses return found=false and a nil error.
type SnapshotCache interface {
	Get(ctx context.Context, key string) (snap CachedSnapshot, found bool, err error)
	Put(ctx context.Context, key string, snap CachedSnapshot, ttl time.Duration) error
}
