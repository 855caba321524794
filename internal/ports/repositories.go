package ports

import (
	"context"
	"iter"
	"time"

	"plontis/internal/domain"
)

// IdentityRepository persists site identities. Identities are never deleted.
type IdentityRepository interface {
	// CreateOrFetch inserts id unless its site hash or key digest is already
	// bound. On conflict it returns the existing identity holding the site hash,
	// or failing that the one holding the key digest, with created=false.
	CreateOrFetch(ctx context.Context, id domain.SiteIdentity) (existing domain.SiteIdentity, created bool, err error)
	GetByKeyDigest(ctx context.Context, digest string) (domain.SiteIdentity, error)
	GetBySiteHash(ctx context.Context, siteHash string) (domain.SiteIdentity, error)
	// Revoke marks the identity revoked at the given time. Revoking an already
	// revoked identity keeps its original revoked_at.
	Revoke(ctx context.Context, siteHash string, at time.Time) (domain.SiteIdentity, error)
}

// ScanFilter selects events with From <= detected_at < To. An empty SiteHash
// scans all sites. After resumes strictly past a previous checkpoint.
type ScanFilter struct {
	SiteHash string
	From     time.Time
	To       time.Time
	After    *domain.Cursor
}

// EventRepository is the append-only detection event store.
type EventRepository interface {
	// Append must not return nil before the event is durable.
	Append(ctx context.Context, ev domain.DetectionEvent) error
	// Scan yields events ordered by (detected_at, event_id) ascending.
	Scan(ctx context.Context, f ScanFilter) iter.Seq2[domain.DetectionEvent, error]
}
