// Package memory provides in-process implementations of the repository and
// cache ports. Nothing here survives a restart; use it for tests and local
// development only.
package memory

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"plontis/internal/domain"
	"plontis/internal/ports"
)

type Store struct {
	mu         sync.RWMutex
	bySite     map[string]domain.SiteIdentity
	byDigest   map[string]string
	events     []domain.DetectionEvent
	eventIDs   map[string]struct{}
	failAppend error
	failScan   error
}

func NewStore() *Store {
	return &Store{
		bySite:   make(map[string]domain.SiteIdentity),
		byDigest: make(map[string]string),
		eventIDs: make(map[string]struct{}),
	}
}

var (
	_ ports.IdentityRepository = (*Store)(nil)
	_ ports.EventRepository    = (*Store)(nil)
)

// FailWith makes subsequent appends and scans return err; nil restores service.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppend, s.failScan = err, err
}

// Ping reports the failure injected with FailWith, if any.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failScan
}

func (s *Store) CreateOrFetch(ctx context.Context, id domain.SiteIdentity) (domain.SiteIdentity, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.SiteIdentity{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.bySite[id.SiteHash]; ok {
		return existing, false, nil
	}
	if site, ok := s.byDigest[id.APIKeyDigest]; ok {
		return s.bySite[site], false, nil
	}
	s.bySite[id.SiteHash] = id
	s.byDigest[id.APIKeyDigest] = id.SiteHash
	return id, true, nil
}

func (s *Store) GetByKeyDigest(ctx context.Context, digest string) (domain.SiteIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.byDigest[digest]
	if !ok {
		return domain.SiteIdentity{}, domain.ErrNotFound
	}
	return s.bySite[site], nil
}

func (s *Store) GetBySiteHash(ctx context.Context, siteHash string) (domain.SiteIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySite[siteHash]
	if !ok {
		return domain.SiteIdentity{}, domain.ErrNotFound
	}
	return id, nil
}

func (s *Store) Revoke(ctx context.Context, siteHash string, at time.Time) (domain.SiteIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySite[siteHash]
	if !ok {
		return domain.SiteIdentity{}, domain.ErrNotFound
	}
	if id.Status != domain.StatusRevoked {
		id.Status = domain.StatusRevoked
		id.RevokedAt = &at
		s.bySite[siteHash] = id
	}
	return id, nil
}

func (s *Store) Append(ctx context.Context, ev domain.DetectionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend != nil {
		return s.failAppend
	}
	if _, ok := s.bySite[ev.SiteHash]; !ok {
		return domain.ErrNotFound
	}
	if _, dup := s.eventIDs[ev.ID]; dup {
		return &domain.Error{Code: domain.CodeInvalidEvent, Message: "duplicate event id " + ev.ID}
	}
	s.eventIDs[ev.ID] = struct{}{}
	s.events = append(s.events, ev)
	return nil
}

// Scan snapshots the matching events under the read lock and yields them
// sorted, so appends landing mid-iteration are never observed twice.
func (s *Store) Scan(ctx context.Context, f ports.ScanFilter) iter.Seq2[domain.DetectionEvent, error] {
	return func(yield func(domain.DetectionEvent, error) bool) {
		s.mu.RLock()
		if s.failScan != nil {
			err := s.failScan
			s.mu.RUnlock()
			yield(domain.DetectionEvent{}, err)
			return
		}
		var matched []domain.DetectionEvent
		for _, ev := range s.events {
			if f.SiteHash != "" && ev.SiteHash != f.SiteHash {
				continue
			}
			if ev.DetectedAt.Before(f.From) || !ev.DetectedAt.Before(f.To) {
				continue
			}
			if f.After != nil && !f.After.Before(ev.Cursor()) {
				continue
			}
			matched = append(matched, ev)
		}
		s.mu.RUnlock()

		slices.SortFunc(matched, func(a, b domain.DetectionEvent) int {
			if c := a.DetectedAt.Compare(b.DetectedAt); c != 0 {
				return c
			}
			switch {
			case a.ID < b.ID:
				return -1
			case a.ID > b.ID:
				return 1
			}
			return 0
		})
		for _, ev := range matched {
			if err := ctx.Err(); err != nil {
				yield(domain.DetectionEvent{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}
