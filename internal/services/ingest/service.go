package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"plontis/internal/domain"
	"plontis/internal/metrics"
	"plontis/internal/ports"
)

// valueScale is the number of decimal places kept on content value estimates.
const valueScale = 4

// Parsed values outside these bounds are rejected before any arithmetic, since
// rescaling a decimal costs time proportional to its exponent.
const (
	maxValueChars    = 64
	minValueExponent = -64
	maxValueExponent = 12
)

// timestamp layouts accepted for detected_at, tried in order. The last one is
// what the WordPress plugin sends (MySQL DATETIME, UTC).
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// RawEvent is an untrusted detection report as received from a site.
type RawEvent struct {
	BotCompany   string
	BotType      string
	ContentType  string
	ContentValue string
	DetectedAt   string
	RawMetadata  json.RawMessage
}

type Options struct {
	MaxContentValue  decimal.Decimal
	MaxFutureSkew    time.Duration
	Retention        time.Duration
	MaxMetadataBytes int
	Timeout          time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxContentValue:  decimal.NewFromInt(10000),
		MaxFutureSkew:    5 * time.Minute,
		Retention:        90 * 24 * time.Hour,
		MaxMetadataBytes: 4096,
		Timeout:          5 * time.Second,
	}
}

// Normalizer maps reported bot names onto the known taxonomy.
type Normalizer interface {
	Normalize(reported string) string
}

// Service admits detection events. It keeps no state between calls.
type Service struct {
	auth    ports.Authenticator
	events  ports.EventRepository
	names   Normalizer
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(auth ports.Authenticator, events ports.EventRepository, names Normalizer, opts Options, log *zap.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{auth: auth, events: events, names: names, opts: opts, log: log, metrics: m, now: time.Now}
}

// Admit authenticates, validates and durably stores one event, returning its id.
func (s *Service) Admit(ctx context.Context, raw RawEvent, apiKey, siteHash string) (string, error) {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	if _, err := s.auth.Authenticate(ctx, apiKey, siteHash); err != nil {
		s.reject(err, siteHash)
		return "", err
	}
	ev, err := s.validate(raw, siteHash)
	if err != nil {
		s.reject(err, siteHash)
		return "", err
	}
	if err := s.events.Append(ctx, ev); err != nil {
		err = domain.StoreFailure(fmt.Errorf("append event: %w", err))
		s.log.Warn("event append failed", zap.String("site_hash", siteHash), zap.Error(err))
		s.reject(err, siteHash)
		return "", err
	}
	s.metrics.EventAdmitted()
	s.log.Debug("event admitted",
		zap.String("event_id", ev.ID),
		zap.String("site_hash", siteHash),
		zap.String("bot_company", ev.BotCompany))
	return ev.ID, nil
}

func (s *Service) validate(raw RawEvent, siteHash string) (domain.DetectionEvent, error) {
	if strings.TrimSpace(raw.BotCompany) == "" {
		return domain.DetectionEvent{}, domain.InvalidEvent(domain.ReasonMissingField, "bot_company is required")
	}
	if strings.TrimSpace(raw.DetectedAt) == "" {
		return domain.DetectionEvent{}, domain.InvalidEvent(domain.ReasonMissingField, "detected_at is required")
	}
	if strings.TrimSpace(raw.ContentValue) == "" {
		return domain.DetectionEvent{}, domain.InvalidEvent(domain.ReasonMissingField, "content_value_estimate is required")
	}

	rawValue := strings.TrimSpace(raw.ContentValue)
	if len(rawValue) > maxValueChars {
		return domain.DetectionEvent{}, domain.InvalidEvent(domain.ReasonInvalidValue, "content_value_estimate is too long")
	}
	value, err := decimal.NewFromString(rawValue)
	if err != nil {
		return domain.DetectionEvent{}, domain.InvalidEvent(domain.ReasonInvalidValue, "content_value_estimate is not a number")
	}
	if exp := value.Exponent(); exp < minValueExponent || exp > maxValueExponent {
		return domain.DetectionEvent{}, domain.InvalidEvent(domain.ReasonInvalidValue, "content_value_estimate is out of range")
	}
	if value.IsNegative() {
		return domain.DetectionEvent{}, domain.InvalidEvent(domain.ReasonInvalidValue, "content_value_estimate must be non-negative")
	}
	if value.GreaterThan(s.opts.MaxContentValue) {
		return domain.DetectionEvent{}, domain.InvalidEvent(domain.ReasonInvalidValue, "content_value_estimate exceeds %s", s.opts.MaxContentValue)
	}

	now := s.now().UTC()
	detectedAt, err := parseTimestamp(raw.DetectedAt)
	if err != nil {
		return domain.DetectionEvent{}, domain.InvalidEvent(domain.ReasonInvalidTimestamp, "detected_at: %v", err)
	}
	detectedAt, err = s.clamp(detectedAt, now)
	if err != nil {
		return domain.DetectionEvent{}, err
	}

	meta, err := s.metadata(raw.RawMetadata)
	if err != nil {
		return domain.DetectionEvent{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return domain.DetectionEvent{}, fmt.Errorf("generate event id: %w", err)
	}
	return domain.DetectionEvent{
		ID:           id.String(),
		SiteHash:     siteHash,
		DetectedAt:   detectedAt,
		ReceivedAt:   now.Truncate(time.Millisecond),
		BotCompany:   s.names.Normalize(raw.BotCompany),
		BotType:      truncate(strings.TrimSpace(raw.BotType), 64),
		ContentType:  truncate(strings.TrimSpace(raw.ContentType), 64),
		ContentValue: value.Round(valueScale),
		RawMetadata:  meta,
	}, nil
}

// clamp bounds client time to [now-retention, now]. Timestamps ahead of the
// server by no more than MaxFutureSkew are pulled back to now.
func (s *Service) clamp(t, now time.Time) (time.Time, error) {
	t = t.UTC()
	if t.After(now.Add(s.opts.MaxFutureSkew)) {
		return time.Time{}, domain.InvalidEvent(domain.ReasonInvalidTimestamp, "detected_at is in the future")
	}
	if t.After(now) {
		t = now
	}
	if s.opts.Retention > 0 && t.Before(now.Add(-s.opts.Retention)) {
		return time.Time{}, domain.InvalidEvent(domain.ReasonInvalidTimestamp, "detected_at is older than the %s retention window", s.opts.Retention)
	}
	return t.Truncate(time.Millisecond), nil
}

func (s *Service) metadata(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if s.opts.MaxMetadataBytes > 0 && len(raw) > s.opts.MaxMetadataBytes {
		return nil, domain.InvalidEvent(domain.ReasonMetadataTooLarge, "raw_metadata exceeds %d bytes", s.opts.MaxMetadataBytes)
	}
	if !json.Valid(raw) {
		return nil, domain.InvalidEvent(domain.ReasonInvalidMetadata, "raw_metadata is not valid JSON")
	}
	if hasEscapedNUL(raw) {
		return nil, domain.InvalidEvent(domain.ReasonInvalidMetadata, "raw_metadata must not contain \\u0000")
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return nil, domain.InvalidEvent(domain.ReasonInvalidMetadata, "raw_metadata is not valid JSON")
	}
	return compact.Bytes(), nil
}

// hasEscapedNUL reports whether valid JSON contains a \u0000 escape.
// Postgres text and jsonb cannot hold NUL. Escape pairs are skipped whole.
func hasEscapedNUL(raw []byte) bool {
	for i := 0; i+6 <= len(raw); i++ {
		if raw[i] != '\\' {
			continue
		}
		if string(raw[i:i+6]) == `\u0000` {
			return true
		}
		i++
	}
	return false
}

func (s *Service) reject(err error, siteHash string) {
	reason := string(domain.CodeOf(err))
	var de *domain.Error
	if errors.As(err, &de) && de.Reason != "" {
		reason = de.Reason
	}
	if reason == "" {
		reason = "internal"
	}
	s.metrics.EventRejected(strings.ToLower(reason))
	s.log.Info("event rejected", zap.String("site_hash", siteHash), zap.String("reason", reason))
}

func parseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

func truncate(v string, n int) string {
	if len(v) <= n {
		return v
	}
	return strings.ToValidUTF8(v[:n], "")
}
