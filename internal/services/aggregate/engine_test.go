package aggregate

import (
	"errors"
	"iter"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plontis/internal/domain"
)

var (
	t0     = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	window = domain.Window{Label: "24h", Start: t0, End: t0.Add(24 * time.Hour)}
)

func ev(id, site, company, value string, at time.Duration) domain.DetectionEvent {
	return domain.DetectionEvent{
		ID:           id,
		SiteHash:     site,
		BotCompany:   company,
		ContentValue: decimal.RequireFromString(value),
		DetectedAt:   t0.Add(at),
	}
}

func seq(events ...domain.DetectionEvent) iter.Seq2[domain.DetectionEvent, error] {
	return func(yield func(domain.DetectionEvent, error) bool) {
		for _, e := range events {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func TestComputeEmpty(t *testing.T) {
	snap, err := Compute(seq(), window, ComputeOptions{TopN: 5})
	require.NoError(t, err)
	assert.Zero(t, snap.TotalDetections)
	assert.True(t, snap.TotalValue.IsZero())
	assert.True(t, snap.AverageContentValue.IsZero())
	assert.NotNil(t, snap.TopCompanies)
	assert.Empty(t, snap.TopCompanies)
	assert.Equal(t, domain.SnapshotLive, snap.Status)
}

func TestComputeTotalsAndRanking(t *testing.T) {
	snap, err := Compute(seq(
		ev("1", "s1", "A", "1", time.Hour),
		ev("2", "s1", "A", "1", 2*time.Hour),
		ev("3", "s2", "B", "5", 3*time.Hour),
	), window, ComputeOptions{TopN: 5})
	require.NoError(t, err)

	assert.Equal(t, int64(3), snap.TotalDetections)
	assert.Equal(t, "7", snap.TotalValue.String())
	assert.Equal(t, "2.33", snap.AverageContentValue.StringFixed(2))
	require.Len(t, snap.TopCompanies, 2)
	assert.Equal(t, "B", snap.TopCompanies[0].Company)
	assert.Equal(t, "A", snap.TopCompanies[1].Company)
	assert.Equal(t, int64(2), snap.TopCompanies[1].Detections)
}

func TestComputeTieBreaks(t *testing.T) {
	snap, err := Compute(seq(
		ev("1", "s", "Zeta", "2", time.Hour),
		ev("2", "s", "Alpha", "2", time.Hour),
		ev("3", "s", "Beta", "1", time.Hour),
		ev("4", "s", "Beta", "1", time.Hour),
	), window, ComputeOptions{})
	require.NoError(t, err)

	names := make([]string, 0, len(snap.TopCompanies))
	for _, c := range snap.TopCompanies {
		names = append(names, c.Company)
	}
	// equal value: more detections first, then alphabetical
	assert.Equal(t, []string{"Beta", "Alpha", "Zeta"}, names)
}

func TestComputeAverageExcludesZeroValues(t *testing.T) {
	snap, err := Compute(seq(
		ev("1", "s", "A", "0", time.Hour),
		ev("2", "s", "A", "3", time.Hour),
		ev("3", "s", "A", "0", time.Hour),
		ev("4", "s", "A", "6", time.Hour),
	), window, ComputeOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.TotalDetections)
	assert.Equal(t, "4.50", snap.AverageContentValue.StringFixed(2))

	zeros, err := Compute(seq(ev("1", "s", "A", "0", time.Hour)), window, ComputeOptions{})
	require.NoError(t, err)
	assert.True(t, zeros.AverageContentValue.IsZero())
}

func TestComputeIsOrderIndependent(t *testing.T) {
	var events []domain.DetectionEvent
	companies := []string{"OpenAI", "Anthropic", "Google", "Meta", "unknown"}
	for i := 0; i < 200; i++ {
		events = append(events, ev(
			string(rune('a'+i%26))+decimal.NewFromInt(int64(i)).String(),
			"s",
			companies[i%len(companies)],
			decimal.NewFromInt(int64(i%7)).Div(decimal.NewFromInt(3)).Round(4).String(),
			time.Duration(i)*time.Minute,
		))
	}
	want, err := Compute(seq(events...), window, ComputeOptions{TopN: 3})
	require.NoError(t, err)

	r := rand.New(rand.NewPCG(1, 2))
	for range 10 {
		shuffled := append([]domain.DetectionEvent(nil), events...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got, err := Compute(seq(shuffled...), window, ComputeOptions{TopN: 3})
		require.NoError(t, err)
		assert.Equal(t, summarize(want), summarize(got))
	}
}

// summarize renders a snapshot with fixed-scale numbers so equal values compare equal.
func summarize(s domain.AggregateSnapshot) []string {
	out := []string{
		decimal.NewFromInt(s.TotalDetections).String(),
		s.TotalValue.StringFixed(4),
		s.AverageContentValue.StringFixed(2),
	}
	for _, c := range s.TopCompanies {
		out = append(out, c.Company, decimal.NewFromInt(c.Detections).String(), c.TotalValue.StringFixed(4))
	}
	return out
}

func TestComputeCountsDuplicateIDsOnce(t *testing.T) {
	e := ev("dup", "s", "A", "2", time.Hour)
	snap, err := Compute(seq(e, e, e), window, ComputeOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.TotalDetections)
	assert.Equal(t, "2", snap.TotalValue.String())
}

func TestComputeRespectsWindowAndSite(t *testing.T) {
	snap, err := Compute(seq(
		ev("1", "mine", "A", "1", time.Hour),
		ev("2", "theirs", "A", "100", time.Hour),
		ev("3", "mine", "A", "1", -time.Minute),
		ev("4", "mine", "A", "1", 24*time.Hour),
	), window, ComputeOptions{SiteHash: "mine"})
	require.NoError(t, err)
	assert.Equal(t, "mine", snap.SiteHash)
	assert.Equal(t, int64(1), snap.TotalDetections)
	assert.Equal(t, "1", snap.TotalValue.String())
}

func TestComputeTopNTruncates(t *testing.T) {
	snap, err := Compute(seq(
		ev("1", "s", "A", "5", time.Hour),
		ev("2", "s", "B", "4", time.Hour),
		ev("3", "s", "C", "3", time.Hour),
	), window, ComputeOptions{TopN: 2})
	require.NoError(t, err)
	require.Len(t, snap.TopCompanies, 2)
	assert.Equal(t, int64(3), snap.TotalDetections)
}

func TestComputeStopsOnScanError(t *testing.T) {
	boom := errors.New("scan failed")
	events := func(yield func(domain.DetectionEvent, error) bool) {
		if !yield(ev("1", "s", "A", "1", time.Hour), nil) {
			return
		}
		yield(domain.DetectionEvent{}, boom)
	}
	_, err := Compute(events, window, ComputeOptions{})
	assert.ErrorIs(t, err, boom)
}
