package ledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"plontis/internal/domain"
	"plontis/internal/ports"
)

const (
	apiKeyPrefix    = "plk_"
	minAPIKeyLength = 10
	maxAPIKeyLength = 256
	// generated site hashes and keys come from crypto/rand; a collision is only
	// retried when the server picked both values.
	maxGenerateAttempts = 3
)

var (
	siteHashPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)
	hexPattern      = regexp.MustCompile(`^[0-9a-fA-F]{16,128}$`)
)

// RegisterRequest carries the optional client-chosen identity. SiteURLHash is
// used as-is when SiteURL is empty.
type RegisterRequest struct {
	APIKey           string
	SiteHash         string
	SiteURL          string
	SiteURLHash      string
	WordPressVersion string
	PluginVersion    string
}

// Registration is the result of Register. APIKey is the plaintext credential;
// it is never persisted and is only available here.
type Registration struct {
	Identity domain.SiteIdentity
	APIKey   string
	Created  bool
}

// Service owns the site identity lifecycle.
type Service struct {
	repo ports.IdentityRepository
	log  *zap.Logger
	now  func() time.Time
}

func New(repo ports.IdentityRepository, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, log: log, now: time.Now}
}

// Register creates a site identity, or returns the existing one when the same
// hash and key pair is already on file so that client retries are harmless.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Registration, error) {
	if req.SiteHash != "" && !siteHashPattern.MatchString(req.SiteHash) {
		return Registration{}, domain.InvalidRegistration("site_hash must match %s", siteHashPattern)
	}
	if req.APIKey != "" && (len(req.APIKey) < minAPIKeyLength || len(req.APIKey) > maxAPIKeyLength) {
		return Registration{}, domain.InvalidRegistration("api_key must be %d to %d characters", minAPIKeyLength, maxAPIKeyLength)
	}
	urlHash, err := SiteURLHash(req.SiteURL)
	if err != nil {
		return Registration{}, domain.InvalidRegistration("site_url: %v", err)
	}
	if urlHash == "" && req.SiteURLHash != "" {
		if !hexPattern.MatchString(req.SiteURLHash) {
			return Registration{}, domain.InvalidRegistration("site_url_hash must be hex encoded")
		}
		urlHash = strings.ToLower(req.SiteURLHash)
	}

	generated := req.SiteHash == "" && req.APIKey == ""
	for attempt := 1; ; attempt++ {
		siteHash, apiKey := req.SiteHash, req.APIKey
		if siteHash == "" {
			siteHash = NewSiteHash()
		}
		if apiKey == "" {
			apiKey = NewAPIKey()
		}
		candidate := domain.SiteIdentity{
			SiteHash:         siteHash,
			APIKeyDigest:     DigestKey(apiKey),
			Status:           domain.StatusActive,
			RegisteredAt:     s.now().UTC().Truncate(time.Millisecond),
			SiteURLHash:      urlHash,
			WordPressVersion: req.WordPressVersion,
			PluginVersion:    req.PluginVersion,
		}

		existing, created, err := s.repo.CreateOrFetch(ctx, candidate)
		if err != nil {
			return Registration{}, domain.StoreFailure(fmt.Errorf("create identity: %w", err))
		}
		if created {
			s.log.Info("site registered", zap.String("site_hash", existing.SiteHash))
			return Registration{Identity: existing, APIKey: apiKey, Created: true}, nil
		}
		// A caller that supplied only its key proves ownership by holding it.
		keyReplay := req.SiteHash == "" && req.APIKey != "" && sameKey(existing, candidate)
		if existing.Active() && (keyReplay || sameIdentity(existing, candidate)) {
			s.log.Debug("registration replayed", zap.String("site_hash", existing.SiteHash))
			return Registration{Identity: existing, APIKey: apiKey}, nil
		}
		if generated && attempt < maxGenerateAttempts {
			continue
		}
		s.log.Info("registration conflict",
			zap.String("site_hash", candidate.SiteHash),
			zap.String("existing_status", string(existing.Status)))
		return Registration{}, &domain.Error{
			Code:    domain.CodeDuplicateIdentity,
			Message: "site_hash or api_key is already bound to a different identity",
		}
	}
}

// Authenticate resolves an API key and checks that it is bound to siteHash.
// Every failure is reported as the same UNAUTHORIZED error.
func (s *Service) Authenticate(ctx context.Context, apiKey, siteHash string) (domain.SiteIdentity, error) {
	if apiKey == "" || siteHash == "" {
		return domain.SiteIdentity{}, domain.ErrUnauthorized
	}
	id, err := s.repo.GetByKeyDigest(ctx, DigestKey(apiKey))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.SiteIdentity{}, domain.ErrUnauthorized
	}
	if err != nil {
		return domain.SiteIdentity{}, domain.StoreFailure(fmt.Errorf("lookup identity: %w", err))
	}
	if !id.Active() || subtle.ConstantTimeCompare([]byte(id.SiteHash), []byte(siteHash)) != 1 {
		return domain.SiteIdentity{}, domain.ErrUnauthorized
	}
	return id, nil
}

// Lookup returns the identity bound to siteHash, or NOT_FOUND.
func (s *Service) Lookup(ctx context.Context, siteHash string) (domain.SiteIdentity, error) {
	id, err := s.repo.GetBySiteHash(ctx, siteHash)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.SiteIdentity{}, err
	}
	if err != nil {
		return domain.SiteIdentity{}, domain.StoreFailure(fmt.Errorf("lookup identity: %w", err))
	}
	return id, nil
}

// Revoke soft-revokes a site. Its historical events are kept.
func (s *Service) Revoke(ctx context.Context, siteHash string) (domain.SiteIdentity, error) {
	id, err := s.repo.Revoke(ctx, siteHash, s.now().UTC().Truncate(time.Millisecond))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.SiteIdentity{}, err
	}
	if err != nil {
		return domain.SiteIdentity{}, domain.StoreFailure(fmt.Errorf("revoke identity: %w", err))
	}
	s.log.Info("site revoked", zap.String("site_hash", siteHash))
	return id, nil
}

func sameIdentity(a, b domain.SiteIdentity) bool {
	return a.SiteHash == b.SiteHash && sameKey(a, b)
}

func sameKey(a, b domain.SiteIdentity) bool {
	return subtle.ConstantTimeCompare([]byte(a.APIKeyDigest), []byte(b.APIKeyDigest)) == 1
}

// DigestKey is the persisted form of an API key.
func DigestKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

func NewSiteHash() string { return randomHex(16) }

func NewAPIKey() string { return apiKeyPrefix + randomHex(24) }

func randomHex(n int) string {
	b := make([]byte, n)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
