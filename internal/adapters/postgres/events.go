package postgres

import (
	"context"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"plontis/internal/domain"
	"plontis/internal/ports"
)

var _ ports.EventRepository = (*DB)(nil)

// Append is a single autocommitted INSERT; it returns once Postgres has
// committed the row.
func (db *DB) Append(ctx context.Context, ev domain.DetectionEvent) error {
	var meta any
	if len(ev.RawMetadata) > 0 {
		meta = string(ev.RawMetadata)
	}
	_, err := db.Pool.Exec(ctx, `
        INSERT INTO detection_events
            (event_id, site_hash, detected_at, received_at, bot_company, bot_type, content_type, content_value, raw_metadata)
        VALUES ($1::text::uuid, $2, $3, $4, $5, $6, $7, $8::text::numeric, $9::text::json)
    `, ev.ID, ev.SiteHash, ev.DetectedAt, ev.ReceivedAt, ev.BotCompany, ev.BotType, ev.ContentType,
		ev.ContentValue.String(), meta)
	return err
}

// Scan pages through matching events with keyset pagination on
// (detected_at, event_id), so rows inserted mid-scan can never be yielded twice.
func (db *DB) Scan(ctx context.Context, f ports.ScanFilter) iter.Seq2[domain.DetectionEvent, error] {
	return func(yield func(domain.DetectionEvent, error) bool) {
		after := f.After
		for {
			page, err := db.scanPage(ctx, f, after)
			if err != nil {
				yield(domain.DetectionEvent{}, err)
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
			}
			if len(page) < db.pageSize {
				return
			}
			last := page[len(page)-1].Cursor()
			after = &last
		}
	}
}

func (db *DB) scanPage(ctx context.Context, f ports.ScanFilter, after *domain.Cursor) ([]domain.DetectionEvent, error) {
	var (
		afterAt *time.Time
		afterID string
	)
	if after != nil {
		afterAt, afterID = &after.DetectedAt, after.EventID
	}
	rows, err := db.Pool.Query(ctx, `
        SELECT event_id::text, site_hash, detected_at, received_at, bot_company, bot_type, content_type,
               content_value::text, COALESCE(raw_metadata::text, '')
        FROM detection_events
        WHERE detected_at >= $1 AND detected_at < $2
          AND ($3::text = '' OR site_hash = $3)
          AND ($4::timestamptz IS NULL OR (detected_at, event_id) > ($4::timestamptz, NULLIF($5::text, '')::uuid))
        ORDER BY detected_at, event_id
        LIMIT $6
    `, f.From, f.To, f.SiteHash, afterAt, afterID, db.pageSize)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.DetectionEvent, error) {
		var (
			ev    domain.DetectionEvent
			value string
			meta  string
		)
		if err := row.Scan(&ev.ID, &ev.SiteHash, &ev.DetectedAt, &ev.ReceivedAt, &ev.BotCompany,
			&ev.BotType, &ev.ContentType, &value, &meta); err != nil {
			return ev, err
		}
		dec, err := decimal.NewFromString(value)
		if err != nil {
			return ev, err
		}
		ev.ContentValue = dec
		ev.DetectedAt = ev.DetectedAt.UTC()
		ev.ReceivedAt = ev.ReceivedAt.UTC()
		if meta != "" {
			ev.RawMetadata = []byte(meta)
		}
		return ev, nil
	})
}
