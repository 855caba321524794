package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"plontis/internal/adapters/memory"
	"plontis/internal/domain"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	st := memory.NewStore()
	svc := New(st, zaptest.NewLogger(t))
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc, st
}

func TestRegisterGeneratesDistinctIdentities(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Register(ctx, RegisterRequest{})
	require.NoError(t, err)
	b, err := svc.Register(ctx, RegisterRequest{})
	require.NoError(t, err)

	assert.True(t, a.Created)
	assert.True(t, b.Created)
	assert.NotEqual(t, a.Identity.SiteHash, b.Identity.SiteHash)
	assert.NotEqual(t, a.APIKey, b.APIKey)
	assert.True(t, strings.HasPrefix(a.APIKey, apiKeyPrefix))
	assert.Equal(t, DigestKey(a.APIKey), a.Identity.APIKeyDigest)
	assert.NotContains(t, a.Identity.APIKeyDigest, a.APIKey)
	assert.Equal(t, domain.StatusActive, a.Identity.Status)
}

func TestRegisterIsIdempotentForSamePair(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	req := RegisterRequest{SiteHash: "site-hash-0001", APIKey: "key-0000000001", PluginVersion: "1.0.0"}

	first, err := svc.Register(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Created)

	req.PluginVersion = "1.1.0"
	again, err := svc.Register(ctx, req)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, first.Identity, again.Identity)
	assert.Equal(t, "1.0.0", again.Identity.PluginVersion)
}

func TestRegisterKeyOnlyRetryReturnsServerHash(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	req := RegisterRequest{APIKey: "plugin-generated-key-123"}

	first, err := svc.Register(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Created)

	again, err := svc.Register(ctx, req)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, first.Identity.SiteHash, again.Identity.SiteHash)
	assert.Equal(t, req.APIKey, again.APIKey)

	_, err = svc.Revoke(ctx, first.Identity.SiteHash)
	require.NoError(t, err)
	_, err = svc.Register(ctx, req)
	assert.ErrorIs(t, err, domain.ErrDuplicateIdentity)
}

func TestRegisterConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, RegisterRequest{SiteHash: "site-hash-0001", APIKey: "key-0000000001"})
	require.NoError(t, err)

	tests := []struct {
		name string
		req  RegisterRequest
	}{
		{"same hash different key", RegisterRequest{SiteHash: "site-hash-0001", APIKey: "key-0000000002"}},
		{"same key different hash", RegisterRequest{SiteHash: "site-hash-0002", APIKey: "key-0000000001"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.req)
			assert.ErrorIs(t, err, domain.ErrDuplicateIdentity)
		})
	}
}

func TestRegisterRevokedHashIsNotRebound(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	req := RegisterRequest{SiteHash: "site-hash-0001", APIKey: "key-0000000001"}
	_, err := svc.Register(ctx, req)
	require.NoError(t, err)
	_, err = svc.Revoke(ctx, req.SiteHash)
	require.NoError(t, err)

	_, err = svc.Register(ctx, req)
	assert.ErrorIs(t, err, domain.ErrDuplicateIdentity)
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	tests := []struct {
		name string
		req  RegisterRequest
	}{
		{"short site hash", RegisterRequest{SiteHash: "abc"}},
		{"site hash with spaces", RegisterRequest{SiteHash: "not a valid hash"}},
		{"short api key", RegisterRequest{APIKey: "short"}},
		{"bad url hash", RegisterRequest{SiteURLHash: "zz-not-hex"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), tt.req)
			assert.ErrorIs(t, err, domain.ErrInvalidRegistration)
		})
	}
}

func TestRegisterHashesSiteURL(t *testing.T) {
	svc, _ := newTestService(t)
	reg, err := svc.Register(context.Background(), RegisterRequest{SiteURL: "https://blog.example.co.uk/path"})
	require.NoError(t, err)

	want, err := SiteURLHash("example.co.uk")
	require.NoError(t, err)
	assert.Equal(t, want, reg.Identity.SiteURLHash)
}

func TestConcurrentRegistrationCreatesOnce(t *testing.T) {
	svc, _ := newTestService(t)
	req := RegisterRequest{SiteHash: "site-hash-race", APIKey: "key-race-000001"}

	const n = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg, err := svc.Register(context.Background(), req)
			if !assert.NoError(t, err) {
				return
			}
			if reg.Created {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestAuthenticate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a, err := svc.Register(ctx, RegisterRequest{})
	require.NoError(t, err)
	b, err := svc.Register(ctx, RegisterRequest{})
	require.NoError(t, err)

	id, err := svc.Authenticate(ctx, a.APIKey, a.Identity.SiteHash)
	require.NoError(t, err)
	assert.Equal(t, a.Identity.SiteHash, id.SiteHash)

	tests := []struct {
		name     string
		key      string
		siteHash string
	}{
		{"missing key", "", a.Identity.SiteHash},
		{"missing hash", a.APIKey, ""},
		{"unknown key", "plk_unknown_key_value", a.Identity.SiteHash},
		{"key for another site", b.APIKey, a.Identity.SiteHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Authenticate(ctx, tt.key, tt.siteHash)
			assert.ErrorIs(t, err, domain.ErrUnauthorized)
		})
	}

	_, err = svc.Revoke(ctx, a.Identity.SiteHash)
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, a.APIKey, a.Identity.SiteHash)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestAuthenticateStoreFailure(t *testing.T) {
	svc := New(failingRepo{err: errors.New("connection refused")}, zaptest.NewLogger(t))
	_, err := svc.Authenticate(context.Background(), "plk_some_key_value", "site-hash-0001")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestRevoke(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	reg, err := svc.Register(ctx, RegisterRequest{})
	require.NoError(t, err)

	id, err := svc.Revoke(ctx, reg.Identity.SiteHash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRevoked, id.Status)
	require.NotNil(t, id.RevokedAt)

	again, err := svc.Revoke(ctx, reg.Identity.SiteHash)
	require.NoError(t, err)
	assert.Equal(t, id.RevokedAt, again.RevokedAt)

	_, err = svc.Revoke(ctx, "unknown-site-hash")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type failingRepo struct{ err error }

func (f failingRepo) CreateOrFetch(context.Context, domain.SiteIdentity) (domain.SiteIdentity, bool, error) {
	return domain.SiteIdentity{}, false, f.err
}

func (f failingRepo) GetByKeyDigest(context.Context, string) (domain.SiteIdentity, error) {
	return domain.SiteIdentity{}, f.err
}

func (f failingRepo) GetBySiteHash(context.Context, string) (domain.SiteIdentity, error) {
	return domain.SiteIdentity{}, f.err
}

func (f failingRepo) Revoke(context.Context, string, time.Time) (domain.SiteIdentity, error) {
	return domain.SiteIdentity{}, f.err
}

func TestLookup(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	reg, err := svc.Register(ctx, RegisterRequest{})
	require.NoError(t, err)

	id, err := svc.Lookup(ctx, reg.Identity.SiteHash)
	require.NoError(t, err)
	assert.Equal(t, reg.Identity, id)

	_, err = svc.Lookup(ctx, "unknown-site-hash")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
