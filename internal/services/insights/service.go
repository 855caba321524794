package insights

import (
	"context"
	"time"

	"plontis/internal/domain"
	"plontis/internal/ports"
)

// Service is the read-only query surface. Market intelligence is public;
// site insights require the caller to authenticate as the owning site.
type Service struct {
	auth      ports.Authenticator
	analytics ports.Analytics
}

func New(auth ports.Authenticator, analytics ports.Analytics) *Service {
	return &Service{auth: auth, analytics: analytics}
}

func (s *Service) MarketIntelligence(ctx context.Context, window time.Duration) domain.AggregateSnapshot {
	return s.analytics.MarketIntelligence(ctx, window)
}

// SiteInsights returns UNAUTHORIZED for unknown, revoked and mismatched
// credentials alike, so callers cannot discover registered hashes.
func (s *Service) SiteInsights(ctx context.Context, apiKey, siteHash string, window time.Duration) (domain.AggregateSnapshot, error) {
	id, err := s.auth.Authenticate(ctx, apiKey, siteHash)
	if err != nil {
		return domain.AggregateSnapshot{}, err
	}
	return s.analytics.SiteInsights(ctx, id.SiteHash, window), nil
}
