package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"plontis/internal/domain"
	"plontis/internal/ports"
)

var _ ports.IdentityRepository = (*DB)(nil)

const identityColumns = `site_hash, api_key_digest, status, registered_at, revoked_at, site_url_hash, wordpress_version, plugin_version`

// CreateOrFetch inserts the identity unless either unique key is taken. The
// insert and the fallback read run in one transaction so a concurrent loser
// always observes the winner's row.
func (db *DB) CreateOrFetch(ctx context.Context, id domain.SiteIdentity) (existing domain.SiteIdentity, created bool, err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return existing, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	existing, err = scanIdentity(tx.QueryRow(ctx, `
        INSERT INTO site_identities (`+identityColumns+`)
        VALUES ($1, $2, $3, $4, NULL, $5, $6, $7)
        ON CONFLICT DO NOTHING
        RETURNING `+identityColumns,
		id.SiteHash, id.APIKeyDigest, string(id.Status), id.RegisteredAt,
		id.SiteURLHash, id.WordPressVersion, id.PluginVersion))
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return existing, false, err
	}

	existing, err = scanIdentity(tx.QueryRow(ctx, `
        SELECT `+identityColumns+` FROM site_identities
        WHERE site_hash = $1 OR api_key_digest = $2
        ORDER BY (site_hash = $1) DESC
        LIMIT 1
    `, id.SiteHash, id.APIKeyDigest))
	return existing, false, err
}

func (db *DB) GetByKeyDigest(ctx context.Context, digest string) (domain.SiteIdentity, error) {
	id, err := scanIdentity(db.Pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM site_identities WHERE api_key_digest = $1`, digest))
	if errors.Is(err, pgx.ErrNoRows) {
		return id, domain.ErrNotFound
	}
	return id, err
}

func (db *DB) GetBySiteHash(ctx context.Context, siteHash string) (domain.SiteIdentity, error) {
	id, err := scanIdentity(db.Pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM site_identities WHERE site_hash = $1`, siteHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return id, domain.ErrNotFound
	}
	return id, err
}

func (db *DB) Revoke(ctx context.Context, siteHash string, at time.Time) (domain.SiteIdentity, error) {
	id, err := scanIdentity(db.Pool.QueryRow(ctx, `
        UPDATE site_identities
        SET status = 'revoked', revoked_at = COALESCE(revoked_at, $2)
        WHERE site_hash = $1
        RETURNING `+identityColumns, siteHash, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return id, domain.ErrNotFound
	}
	return id, err
}

func scanIdentity(row pgx.Row) (domain.SiteIdentity, error) {
	var (
		id     domain.SiteIdentity
		status string
	)
	err := row.Scan(&id.SiteHash, &id.APIKeyDigest, &status, &id.RegisteredAt, &id.RevokedAt,
		&id.SiteURLHash, &id.WordPressVersion, &id.PluginVersion)
	if err != nil {
		return domain.SiteIdentity{}, err
	}
	id.Status = domain.IdentityStatus(status)
	id.RegisteredAt = id.RegisteredAt.UTC()
	if id.RevokedAt != nil {
		t := id.RevokedAt.UTC()
		id.RevokedAt = &t
	}
	return id, nil
}
