package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"licensegate/internal/models"
)

const licenseColumns = "id, `key`, plan_slug, status, max_sites, unlimited_sites, " +
	"byo_key_required, ai_included, monthly_token_limit, monthly_tokens_used, " +
	"expires_at, created_at, updated_at"

// Column allowlists for the tolerant lookup strategies. Only names listed here
// may be interpolated into SQL; everything else goes through placeholders.
var (
	plaintextKeyColumns = map[string]bool{
		"key":            true,
		"license_key":    true,
		"connection_key": true,
		"api_key":        true,
	}
	digestKeyColumns = map[string]bool{
		"key_sha256": true,
		"key_hash":   true,
		"key_sha1":   true,
	}
)

func scanLicense(row *sql.Row) (*models.License, error) {
	var (
		lic        models.License
		maxSites   sql.NullInt64
		tokenLimit sql.NullInt64
		tokensUsed sql.NullInt64
		expiresAt  sql.NullTime
	)
	err := row.Scan(
		&lic.ID, &lic.Key, &lic.PlanSlug, &lic.Status,
		&maxSites, &lic.UnlimitedSites, &lic.ByoKeyRequired, &lic.AIIncluded,
		&tokenLimit, &tokensUsed, &expiresAt, &lic.CreatedAt, &lic.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if maxSites.Valid {
		lic.MaxSites = &maxSites.Int64
	}
	if tokenLimit.Valid {
		lic.MonthlyTokenLimit = &tokenLimit.Int64
	}
	if tokensUsed.Valid {
		lic.MonthlyTokensUsed = &tokensUsed.Int64
	}
	if expiresAt.Valid {
		lic.ExpiresAt = &expiresAt.Time
	}
	return &lic, nil
}

// FindByKeyColumn looks a license up by an exact match on one of the known
// plaintext key columns. A column the database never had counts as a miss,
// not an error.
func (s *Store) FindByKeyColumn(ctx context.Context, column, value string) (*models.License, error) {
	if !plaintextKeyColumns[column] {
		return nil, errors.Errorf("column %q is not a known key column", column)
	}
	cctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM licenses WHERE `%s` = ? LIMIT 1", licenseColumns, column)
	lic, err := scanLicense(s.db.QueryRowContext(cctx, query, value))
	switch {
	case err == nil:
		return lic, nil
	case errors.Is(err, sql.ErrNoRows), isUnknownColumn(err):
		return nil, ErrNotFound
	default:
		return nil, errors.Wrapf(err, "find license by %s", column)
	}
}

// FindByDigestColumn looks a license up by a hex digest of the key stored in
// one of the known digest columns.
func (s *Store) FindByDigestColumn(ctx context.Context, column, digest string) (*models.License, error) {
	if !digestKeyColumns[column] {
		return nil, errors.Errorf("column %q is not a known digest column", column)
	}
	cctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM licenses WHERE `%s` = ? LIMIT 1", licenseColumns, column)
	lic, err := scanLicense(s.db.QueryRowContext(cctx, query, digest))
	switch {
	case err == nil:
		return lic, nil
	case errors.Is(err, sql.ErrNoRows), isUnknownColumn(err):
		return nil, ErrNotFound
	default:
		return nil, errors.Wrapf(err, "find license by %s", column)
	}
}

// GetByID fetches a license by primary key.
func (s *Store) GetByID(ctx context.Context, id int64) (*models.License, error) {
	cctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM licenses WHERE id = ? LIMIT 1", licenseColumns)
	lic, err := scanLicense(s.db.QueryRowContext(cctx, query, id))
	switch {
	case err == nil:
		return lic, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	default:
		return nil, errors.Wrap(err, "get license")
	}
}

// KeyExists reports whether a license with this exact key is already stored.
func (s *Store) KeyExists(ctx context.Context, key string) (bool, error) {
	cctx, cancel := s.opCtx(ctx)
	defer cancel()

	var one int
	err := s.db.QueryRowContext(cctx, "SELECT 1 FROM licenses WHERE `key` = ? LIMIT 1", key).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, errors.Wrap(err, "key exists")
	}
}

// CreateLicense inserts a new license and fills in its ID and sha256 digest
// column for future digest lookups.
func (s *Store) CreateLicense(ctx context.Context, lic *models.License, keySHA256 string) error {
	cctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(cctx,
		"INSERT INTO licenses (`key`, key_sha256, plan_slug, status, max_sites, unlimited_sites, "+
			"byo_key_required, ai_included, monthly_token_limit, monthly_tokens_used, expires_at, created_at, updated_at) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		lic.Key, keySHA256, lic.PlanSlug, lic.Status,
		lic.MaxSites, lic.UnlimitedSites, lic.ByoKeyRequired, lic.AIIncluded,
		lic.MonthlyTokenLimit, lic.MonthlyTokensUsed, lic.ExpiresAt, now, now,
	)
	if err != nil {
		return errors.Wrap(err, "insert license")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "license insert id")
	}
	lic.ID = id
	lic.CreatedAt = now
	lic.UpdatedAt = now
	return nil
}

// SetStatus updates the lifecycle status of a license.
func (s *Store) SetStatus(ctx context.Context, id int64, status models.LicenseStatus) error {
	cctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(cctx, "UPDATE licenses SET status = ? WHERE id = ?", status, id)
	return errors.Wrap(err, "set license status")
}
