// Package sqlite implements the identity and event repositories on a single
// SQLite file for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"plontis/internal/domain"
	"plontis/internal/ports"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultPageSize = 500

// Store implements ports.IdentityRepository and ports.EventRepository.
// Writes use synchronous=FULL so an acknowledged append survives power loss.
type Store struct {
	db       *sql.DB
	pageSize int
}

var (
	_ ports.IdentityRepository = (*Store)(nil)
	_ ports.EventRepository    = (*Store)(nil)
)

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Open opens the database at path and applies the embedded migrations.
func Open(ctx context.Context, path string, pageSize int) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	s := &Store{db: db, pageSize: pageSize}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, sub)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

const identityColumns = `site_hash, api_key_digest, status, registered_at, revoked_at, site_url_hash, wordpress_version, plugin_version`

func (s *Store) CreateOrFetch(ctx context.Context, id domain.SiteIdentity) (existing domain.SiteIdentity, created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return existing, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	existing, err = scanIdentity(tx.QueryRowContext(ctx, `
        INSERT INTO site_identities (`+identityColumns+`)
        VALUES (?, ?, ?, ?, NULL, ?, ?, ?)
        ON CONFLICT DO NOTHING
        RETURNING `+identityColumns,
		id.SiteHash, id.APIKeyDigest, string(id.Status), toMillis(id.RegisteredAt),
		id.SiteURLHash, id.WordPressVersion, id.PluginVersion))
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return existing, false, err
	}
	existing, err = scanIdentity(tx.QueryRowContext(ctx, `
        SELECT `+identityColumns+` FROM site_identities
        WHERE site_hash = ?1 OR api_key_digest = ?2
        ORDER BY (site_hash = ?1) DESC
        LIMIT 1
    `, id.SiteHash, id.APIKeyDigest))
	return existing, false, err
}

func (s *Store) GetByKeyDigest(ctx context.Context, digest string) (domain.SiteIdentity, error) {
	id, err := scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM site_identities WHERE api_key_digest = ?`, digest))
	if errors.Is(err, sql.ErrNoRows) {
		return id, domain.ErrNotFound
	}
	return id, err
}

func (s *Store) GetBySiteHash(ctx context.Context, siteHash string) (domain.SiteIdentity, error) {
	id, err := scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM site_identities WHERE site_hash = ?`, siteHash))
	if errors.Is(err, sql.ErrNoRows) {
		return id, domain.ErrNotFound
	}
	return id, err
}

func (s *Store) Revoke(ctx context.Context, siteHash string, at time.Time) (domain.SiteIdentity, error) {
	id, err := scanIdentity(s.db.QueryRowContext(ctx, `
        UPDATE site_identities
        SET status = 'revoked', revoked_at = COALESCE(revoked_at, ?2)
        WHERE site_hash = ?1
        RETURNING `+identityColumns, siteHash, toMillis(at)))
	if errors.Is(err, sql.ErrNoRows) {
		return id, domain.ErrNotFound
	}
	return id, err
}

func scanIdentity(row *sql.Row) (domain.SiteIdentity, error) {
	var (
		id         domain.SiteIdentity
		status     string
		registered int64
		revoked    sql.NullInt64
	)
	if err := row.Scan(&id.SiteHash, &id.APIKeyDigest, &status, &registered, &revoked,
		&id.SiteURLHash, &id.WordPressVersion, &id.PluginVersion); err != nil {
		return domain.SiteIdentity{}, err
	}
	id.Status = domain.IdentityStatus(status)
	id.RegisteredAt = fromMillis(registered)
	if revoked.Valid {
		t := fromMillis(revoked.Int64)
		id.RevokedAt = &t
	}
	return id, nil
}

func (s *Store) Append(ctx context.Context, ev domain.DetectionEvent) error {
	var meta sql.NullString
	if len(ev.RawMetadata) > 0 {
		meta = sql.NullString{String: string(ev.RawMetadata), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO detection_events
            (event_id, site_hash, detected_at, received_at, bot_company, bot_type, content_type, content_value, raw_metadata)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, ev.ID, ev.SiteHash, toMillis(ev.DetectedAt), toMillis(ev.ReceivedAt), ev.BotCompany, ev.BotType,
		ev.ContentType, ev.ContentValue.String(), meta)
	return err
}

func (s *Store) Scan(ctx context.Context, f ports.ScanFilter) iter.Seq2[domain.DetectionEvent, error] {
	return func(yield func(domain.DetectionEvent, error) bool) {
		after := f.After
		for {
			page, err := s.scanPage(ctx, f, after)
			if err != nil {
				yield(domain.DetectionEvent{}, err)
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			last := page[len(page)-1].Cursor()
			after = &last
		}
	}
}

func (s *Store) scanPage(ctx context.Context, f ports.ScanFilter, after *domain.Cursor) ([]domain.DetectionEvent, error) {
	var (
		afterAt sql.NullInt64
		afterID string
	)
	if after != nil {
		afterAt = sql.NullInt64{Int64: toMillis(after.DetectedAt), Valid: true}
		afterID = after.EventID
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT event_id, site_hash, detected_at, received_at, bot_company, bot_type, content_type,
               content_value, COALESCE(raw_metadata, '')
        FROM detection_events
        WHERE detected_at >= ?1 AND detected_at < ?2
          AND (?3 = '' OR site_hash = ?3)
          AND (?4 IS NULL OR detected_at > ?4 OR (detected_at = ?4 AND event_id > ?5))
        ORDER BY detected_at, event_id
        LIMIT ?6
    `, toMillis(f.From), toMillis(f.To), f.SiteHash, afterAt, afterID, s.pageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DetectionEvent
	for rows.Next() {
		var (
			ev                 domain.DetectionEvent
			detected, received int64
			value, meta        string
		)
		if err := rows.Scan(&ev.ID, &ev.SiteHash, &detected, &received, &ev.BotCompany,
			&ev.BotType, &ev.ContentType, &value, &meta); err != nil {
			return nil, err
		}
		dec, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("event %s: content_value: %w", ev.ID, err)
		}
		ev.ContentValue = dec
		ev.DetectedAt = fromMillis(detected)
		ev.ReceivedAt = fromMillis(received)
		if meta != "" {
			ev.RawMetadata = []byte(meta)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
