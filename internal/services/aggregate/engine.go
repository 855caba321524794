// Package aggregate computes market and per-site rollups from the event store.
//
// Compute is a pure function of the scanned events and the window: the same
// events always produce the same snapshot, whatever order they arrive in.
package aggregate

import (
	"iter"
	"sort"

	"github.com/shopspring/decimal"

	"plontis/internal/domain"
)

// averagePlaces is the rounding applied to average_content_value.
const averagePlaces = 2

type ComputeOptions struct {
	// SiteHash restricts the rollup to one site; events from any other site are ignored.
	SiteHash string
	// TopN limits top_companies; zero keeps every company.
	TopN int
}

type companyTotals struct {
	detections int64
	value      decimal.Decimal
}

// Compute folds events inside w into a snapshot. Duplicate event ids are
// counted once. A scan error aborts the computation.
func Compute(events iter.Seq2[domain.DetectionEvent, error], w domain.Window, opts ComputeOptions) (domain.AggregateSnapshot, error) {
	var (
		total  int64
		valued int64
		sum    = decimal.Zero
		seen   = make(map[string]struct{})
		byName = make(map[string]*companyTotals)
	)
	for ev, err := range events {
		if err != nil {
			return domain.AggregateSnapshot{}, err
		}
		if opts.SiteHash != "" && ev.SiteHash != opts.SiteHash {
			continue
		}
		if !w.Contains(ev.DetectedAt) {
			continue
		}
		if _, dup := seen[ev.ID]; dup {
			continue
		}
		seen[ev.ID] = struct{}{}

		total++
		sum = sum.Add(ev.ContentValue)
		if ev.ContentValue.IsPositive() {
			valued++
		}
		c := byName[ev.BotCompany]
		if c == nil {
			c = &companyTotals{value: decimal.Zero}
			byName[ev.BotCompany] = c
		}
		c.detections++
		c.value = c.value.Add(ev.ContentValue)
	}

	snap := domain.EmptySnapshot(w)
	snap.SiteHash = opts.SiteHash
	snap.TotalDetections = total
	snap.TotalValue = sum
	if valued > 0 {
		snap.AverageContentValue = sum.DivRound(decimal.NewFromInt(valued), averagePlaces)
	}

	stats := make([]domain.CompanyStat, 0, len(byName))
	for name, c := range byName {
		stats = append(stats, domain.CompanyStat{Company: name, Detections: c.detections, TotalValue: c.value})
	}
	SortCompanies(stats)
	if opts.TopN > 0 && len(stats) > opts.TopN {
		stats = stats[:opts.TopN]
	}
	snap.TopCompanies = stats
	return snap, nil
}

// SortCompanies orders by total value desc, then detections desc, then name asc.
func SortCompanies(stats []domain.CompanyStat) {
	sort.Slice(stats, func(i, j int) bool {
		a, b := stats[i], stats[j]
		if c := a.TotalValue.Cmp(b.TotalValue); c != 0 {
			return c > 0
		}
		if a.Detections != b.Detections {
			return a.Detections > b.Detections
		}
		return a.Company < b.Company
	})
}
