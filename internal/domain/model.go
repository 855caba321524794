package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Core domain models used internally. HTTP payloads live in the http adapter;
// keep these decoupled from wire shapes.

type IdentityStatus string

const (
	StatusActive  IdentityStatus = "active"
	StatusRevoked IdentityStatus = "revoked"
)

// SiteIdentity binds a pseudonymous site hash to an API key credential.
// Only the SHA-256 digest of the key is ever persisted.
type SiteIdentity struct {
	SiteHash         string
	APIKeyDigest     string
	Status           IdentityStatus
	RegisteredAt     time.Time
	RevokedAt        *time.Time
	SiteURLHash      string
	WordPressVersion string
	PluginVersion    string
}

func (s SiteIdentity) Active() bool { return s.Status == StatusActive }

// UnknownCompany is the taxonomy bucket for bot identities we have not mapped.
const UnknownCompany = "unknown"

type DetectionEvent struct {
	ID           string
	SiteHash     string
	DetectedAt   time.Time
	ReceivedAt   time.Time
	BotCompany   string
	BotType      string
	ContentType  string
	ContentValue decimal.Decimal
	RawMetadata  json.RawMessage
}

// Cursor marks a position in the (detected_at, event_id) scan order.
type Cursor struct {
	DetectedAt time.Time
	EventID    string
}

// Before reports whether c sorts strictly before o.
func (c Cursor) Before(o Cursor) bool {
	if !c.DetectedAt.Equal(o.DetectedAt) {
		return c.DetectedAt.Before(o.DetectedAt)
	}
	return c.EventID < o.EventID
}

func (e DetectionEvent) Cursor() Cursor {
	return Cursor{DetectedAt: e.DetectedAt, EventID: e.ID}
}

// Window is a half-open time range [Start, End).
type Window struct {
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// TrailingWindow returns the window of length d ending at now.
func TrailingWindow(label string, d time.Duration, now time.Time) Window {
	end := now.UTC()
	return Window{Label: label, Start: end.Add(-d), End: end}
}

type SnapshotStatus string

const (
	SnapshotLive     SnapshotStatus = "live"
	SnapshotDegraded SnapshotStatus = "degraded"
)

type CompanyStat struct {
	Company    string          `json:"company"`
	Detections int64           `json:"detections"`
	TotalValue decimal.Decimal `json:"total_value"`
}

// AggregateSnapshot is derived from the event store and never edited by hand.
type AggregateSnapshot struct {
	Window              Window          `json:"window"`
	SiteHash            string          `json:"site_hash,omitempty"`
	TotalDetections     int64           `json:"total_detections"`
	TotalValue          decimal.Decimal `json:"total_value"`
	AverageContentValue decimal.Decimal `json:"average_content_value"`
	TopCompanies        []CompanyStat   `json:"top_companies"`

	Status       SnapshotStatus `json:"status"`
	Reason       string         `json:"reason,omitempty"`
	GeneratedAt  time.Time      `json:"generated_at"`
	MaxStaleness time.Duration  `json:"max_staleness"`
}

// EmptySnapshot is the well-defined result for a window with no events.
func EmptySnapshot(w Window) AggregateSnapshot {
	return AggregateSnapshot{
		Window:              w,
		TotalValue:          decimal.Zero,
		AverageContentValue: decimal.Zero,
		TopCompanies:        []CompanyStat{},
		Status:              SnapshotLive,
	}
}
