package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"plontis/internal/domain"
	"plontis/internal/ports"
)

func setupTestRedis(t *testing.T) (*SnapshotCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewSnapshotCache(context.Background(), Options{Addr: mr.Addr(), KeyPrefix: "test:"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func sampleSnapshot() ports.CachedSnapshot {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	snap := domain.EmptySnapshot(domain.Window{Label: "1d", Start: start, End: start.Add(24 * time.Hour)})
	snap.TotalDetections = 3
	snap.TotalValue = decimal.RequireFromString("7.5")
	snap.AverageContentValue = decimal.RequireFromString("2.5")
	snap.TopCompanies = []domain.CompanyStat{
		{Company: "OpenAI", Detections: 2, TotalValue: decimal.RequireFromString("5")},
		{Company: "Anthropic", Detections: 1, TotalValue: decimal.RequireFromString("2.5")},
	}
	return ports.CachedSnapshot{Snapshot: snap, ComputedAt: start.Add(25 * time.Hour)}
}

func TestPutGetRoundTrip(t *testing.T) {
	c, mr := setupTestRedis(t)
	ctx := context.Background()
	want := sampleSnapshot()

	require.NoError(t, c.Put(ctx, "snapshot:market:1d", want, time.Minute))
	assert.True(t, mr.Exists("test:snapshot:market:1d"))

	got, found, err := c.Get(ctx, "snapshot:market:1d")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want.ComputedAt, got.ComputedAt)
	assert.Equal(t, want.Snapshot.Window, got.Snapshot.Window)
	assert.Equal(t, want.Snapshot.TotalDetections, got.Snapshot.TotalDetections)
	assert.True(t, want.Snapshot.TotalValue.Equal(got.Snapshot.TotalValue))
	require.Len(t, got.Snapshot.TopCompanies, 2)
	assert.Equal(t, "OpenAI", got.Snapshot.TopCompanies[0].Company)
	assert.True(t, got.Snapshot.TopCompanies[1].TotalValue.Equal(decimal.RequireFromString("2.5")))
}

func TestGetMissAndExpiry(t *testing.T) {
	c, mr := setupTestRedis(t)
	ctx := context.Background()

	_, found, err := c.Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Put(ctx, "k", sampleSnapshot(), time.Minute))
	mr.FastForward(2 * time.Minute)
	_, found, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCorruptEntryIsAMiss(t *testing.T) {
	c, mr := setupTestRedis(t)
	require.NoError(t, mr.Set("test:k", "{not json"))

	_, found, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUnavailableRedis(t *testing.T) {
	c, mr := setupTestRedis(t)
	mr.SetError("LOADING redis is loading")

	_, _, err := c.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.Error(t, c.Put(context.Background(), "k", sampleSnapshot(), time.Minute))
}

func TestNewSnapshotCacheValidation(t *testing.T) {
	_, err := NewSnapshotCache(context.Background(), Options{Addr: "localhost:6379"}, nil)
	assert.Error(t, err)
	_, err = NewSnapshotCache(context.Background(), Options{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
