//go:build integration

package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"plontis/internal/domain"
	"plontis/internal/ports"
)

var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func setupDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("plontis_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := Connect(ctx, url, Options{MaxConns: 8, ScanPageSize: 7})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	applied, err := db.Migrate(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, applied)
	return db
}

func identity(hash string) domain.SiteIdentity {
	return domain.SiteIdentity{
		SiteHash:     hash,
		APIKeyDigest: "digest-" + hash,
		Status:       domain.StatusActive,
		RegisteredAt: base,
	}
}

func event(i int, site string) domain.DetectionEvent {
	return domain.DetectionEvent{
		ID:           fmt.Sprintf("0190c0de-0000-7000-8000-%012d", i),
		SiteHash:     site,
		DetectedAt:   base.Add(time.Duration(i%5) * time.Minute),
		ReceivedAt:   base.Add(time.Hour),
		BotCompany:   "Anthropic",
		ContentValue: decimal.RequireFromString("0.5"),
	}
}

func collect(t *testing.T, db *DB, f ports.ScanFilter) []domain.DetectionEvent {
	t.Helper()
	var out []domain.DetectionEvent
	for ev, err := range db.Scan(context.Background(), f) {
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestPostgresRepositories(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	t.Run("create or fetch is atomic", func(t *testing.T) {
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := db.CreateOrFetch(ctx, identity("site-race"))
				if !assert.NoError(t, err) {
					return
				}
				if ok {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, created)

		got, ok, err := db.CreateOrFetch(ctx, domain.SiteIdentity{
			SiteHash: "site-other", APIKeyDigest: "digest-site-race", Status: domain.StatusActive, RegisteredAt: base,
		})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, "site-race", got.SiteHash)
	})

	t.Run("lookups and revoke", func(t *testing.T) {
		_, _, err := db.CreateOrFetch(ctx, identity("site-revoke"))
		require.NoError(t, err)

		id, err := db.GetByKeyDigest(ctx, "digest-site-revoke")
		require.NoError(t, err)
		assert.Equal(t, "site-revoke", id.SiteHash)
		_, err = db.GetBySiteHash(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		at := base.Add(time.Hour)
		revoked, err := db.Revoke(ctx, "site-revoke", at)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRevoked, revoked.Status)
		require.NotNil(t, revoked.RevokedAt)
		assert.True(t, at.Equal(*revoked.RevokedAt))

		_, err = db.Revoke(ctx, "missing", at)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("append and keyset scan", func(t *testing.T) {
		_, _, err := db.CreateOrFetch(ctx, identity("site-events"))
		require.NoError(t, err)
		for i := 0; i < 30; i++ {
			require.NoError(t, db.Append(ctx, event(i, "site-events")))
		}
		require.Error(t, db.Append(ctx, event(0, "site-events")))

		f := ports.ScanFilter{SiteHash: "site-events", From: base, To: base.Add(time.Hour)}
		all := collect(t, db, f)
		require.Len(t, all, 30)
		for i := 1; i < len(all); i++ {
			assert.True(t, all[i-1].Cursor().Before(all[i].Cursor()))
		}
		assert.True(t, all[0].ContentValue.Equal(decimal.RequireFromString("0.5")))

		cur := all[11].Cursor()
		f.After = &cur
		assert.Equal(t, all[12:], collect(t, db, f))
	})

	t.Run("metadata is kept verbatim", func(t *testing.T) {
		_, _, err := db.CreateOrFetch(ctx, identity("site-meta"))
		require.NoError(t, err)
		ev := event(100, "site-meta")
		ev.RawMetadata = []byte(`{"z":1,"a":2,"a":3}`)
		require.NoError(t, db.Append(ctx, ev))

		got := collect(t, db, ports.ScanFilter{SiteHash: "site-meta", From: base, To: base.Add(time.Hour)})
		require.Len(t, got, 1)
		assert.Equal(t, `{"z":1,"a":2,"a":3}`, string(got[0].RawMetadata))
	})
}
