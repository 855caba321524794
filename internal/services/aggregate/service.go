package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"plontis/internal/domain"
	"plontis/internal/metrics"
	"plontis/internal/ports"
)

// Degraded snapshot reasons.
const (
	ReasonStaleSnapshot = "stale_snapshot"
	ReasonNoSnapshot    = "no_snapshot"
)

const (
	scopeMarket = "market"
	scopeSite   = "site"
)

type Options struct {
	MarketTopN int
	SiteTopN   int
	// RefreshInterval is how long a cached snapshot is served as live.
	RefreshInterval time.Duration
	// MaxStaleness bounds the age of any snapshot served, live or degraded.
	MaxStaleness   time.Duration
	ComputeTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		MarketTopN:      5,
		RefreshInterval: time.Minute,
		MaxStaleness:    15 * time.Minute,
		ComputeTimeout:  10 * time.Second,
	}
}

// Service serves snapshots cache-first and recomputes them from the event
// store once they are older than RefreshInterval.
type Service struct {
	events  ports.EventRepository
	cache   ports.SnapshotCache
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
	now     func() time.Time
}

var _ ports.Analytics = (*Service)(nil)

func New(events ports.EventRepository, cache ports.SnapshotCache, opts Options, log *zap.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RefreshInterval > opts.MaxStaleness {
		opts.RefreshInterval = opts.MaxStaleness
	}
	return &Service{events: events, cache: cache, opts: opts, log: log, metrics: m, now: time.Now}
}

func (s *Service) MarketIntelligence(ctx context.Context, window time.Duration) domain.AggregateSnapshot {
	return s.serve(ctx, scopeMarket, "", window)
}

// SiteInsights never reads events belonging to other sites. Callers are
// responsible for authenticating siteHash first.
func (s *Service) SiteInsights(ctx context.Context, siteHash string, window time.Duration) domain.AggregateSnapshot {
	return s.serve(ctx, scopeSite, siteHash, window)
}

// Refresh recomputes the market snapshot for window and caches it.
func (s *Service) Refresh(ctx context.Context, window time.Duration) error {
	key := cacheKey("", window)
	_, err, _ := s.group.Do(key, func() (any, error) {
		return s.recompute(ctx, key, "", window)
	})
	return err
}

func (s *Service) serve(ctx context.Context, scope, siteHash string, window time.Duration) domain.AggregateSnapshot {
	key := cacheKey(siteHash, window)
	cached, found := s.lookup(ctx, key)
	now := s.now()
	if found && now.Sub(cached.ComputedAt) < s.opts.RefreshInterval {
		return s.served(scope, s.live(cached))
	}

	ch := s.group.DoChan(key, func() (any, error) {
		return s.recompute(ctx, key, siteHash, window)
	})
	var err error
	select {
	case res := <-ch:
		if res.Err == nil {
			return s.served(scope, s.live(res.Val.(ports.CachedSnapshot)))
		}
		err = res.Err
	case <-ctx.Done():
		err = domain.Timeout(ctx.Err())
	}

	s.log.Warn("aggregate recompute failed, serving degraded snapshot",
		zap.String("scope", scope),
		zap.Duration("window", window),
		zap.Error(err))
	if found && now.Sub(cached.ComputedAt) <= s.opts.MaxStaleness {
		snap := s.live(cached)
		snap.Status = domain.SnapshotDegraded
		snap.Reason = ReasonStaleSnapshot
		return s.served(scope, snap)
	}
	snap := domain.EmptySnapshot(domain.TrailingWindow(WindowLabel(window), window, now))
	snap.SiteHash = siteHash
	snap.Status = domain.SnapshotDegraded
	snap.Reason = ReasonNoSnapshot
	snap.GeneratedAt = now.UTC()
	snap.MaxStaleness = s.opts.MaxStaleness
	return s.served(scope, snap)
}

// recompute runs detached from the caller's cancellation because its result
// is shared by every request collapsed onto the same key.
func (s *Service) recompute(ctx context.Context, key, siteHash string, window time.Duration) (ports.CachedSnapshot, error) {
	ctx = context.WithoutCancel(ctx)
	if s.opts.ComputeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ComputeTimeout)
		defer cancel()
	}

	started := s.now()
	w := domain.TrailingWindow(WindowLabel(window), window, started)
	opts := ComputeOptions{SiteHash: siteHash, TopN: s.opts.MarketTopN}
	scope := scopeMarket
	if siteHash != "" {
		opts.TopN = s.opts.SiteTopN
		scope = scopeSite
	}

	snap, err := Compute(s.events.Scan(ctx, ports.ScanFilter{SiteHash: siteHash, From: w.Start, To: w.End}), w, opts)
	if err != nil {
		return ports.CachedSnapshot{}, domain.StoreFailure(fmt.Errorf("scan %s window: %w", scope, err))
	}
	s.metrics.ObserveCompute(scope, s.now().Sub(started))

	out := ports.CachedSnapshot{Snapshot: snap, ComputedAt: started.UTC()}
	if s.cache != nil {
		if err := s.cache.Put(ctx, key, out, s.opts.MaxStaleness); err != nil {
			s.log.Warn("snapshot cache put failed", zap.String("key", key), zap.Error(err))
		}
	}
	return out, nil
}

func (s *Service) lookup(ctx context.Context, key string) (ports.CachedSnapshot, bool) {
	if s.cache == nil {
		return ports.CachedSnapshot{}, false
	}
	snap, found, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		s.metrics.CacheLookup("error")
		if !errors.Is(err, context.Canceled) {
			s.log.Warn("snapshot cache get failed", zap.String("key", key), zap.Error(err))
		}
		return ports.CachedSnapshot{}, false
	case !found:
		s.metrics.CacheLookup("miss")
		return ports.CachedSnapshot{}, false
	}
	s.metrics.CacheLookup("hit")
	return snap, true
}

func (s *Service) live(c ports.CachedSnapshot) domain.AggregateSnapshot {
	snap := c.Snapshot
	snap.Status = domain.SnapshotLive
	snap.Reason = ""
	snap.GeneratedAt = c.ComputedAt
	snap.MaxStaleness = s.opts.MaxStaleness
	if snap.TopCompanies == nil {
		snap.TopCompanies = []domain.CompanyStat{}
	}
	return snap
}

func (s *Service) served(scope string, snap domain.AggregateSnapshot) domain.AggregateSnapshot {
	s.metrics.SnapshotServed(scope, string(snap.Status))
	return snap
}

func cacheKey(siteHash string, window time.Duration) string {
	if siteHash == "" {
		return "snapshot:market:" + WindowLabel(window)
	}
	return "snapshot:site:" + siteHash + ":" + WindowLabel(window)
}

// WindowLabel renders whole days as "30d" and anything else as a Go duration.
func WindowLabel(d time.Duration) string {
	const day = 24 * time.Hour
	if d >= day && d%day == 0 {
		return fmt.Sprintf("%dd", d/day)
	}
	return d.String()
}
