package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"licensegate/internal/models"
)

const activationColumns = "id, license_id, site_url, site_fingerprint, activated_at, last_verified_at"

// maxListWindow bounds how many rows a per-license listing will ever pull.
const maxListWindow = 200

func scanActivation(scan func(dest ...any) error) (*models.Activation, error) {
	var (
		act          models.Activation
		lastVerified sql.NullTime
	)
	err := scan(&act.ID, &act.LicenseID, &act.SiteURL, &act.SiteFingerprint,
		&act.ActivatedAt, &lastVerified)
	if err != nil {
		return nil, err
	}
	if lastVerified.Valid {
		act.LastVerifiedAt = &lastVerified.Time
	}
	return &act, nil
}

// FindExact returns the activation whose stored site_url equals any of the
// given canonical variants, scoped to one license.
func (s *Store) FindExact(ctx context.Context, licenseID int64, siteURLs []string) (*models.Activation, error) {
	if len(siteURLs) == 0 {
		return nil, ErrNotFound
	}
	cctx, cancel := s.opCtx(ctx)
	defer cancel()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(siteURLs)), ",")
	args := make([]any, 0, len(siteURLs)+1)
	args = append(args, licenseID)
	for _, u := range siteURLs {
		args = append(args, u)
	}

	row := s.db.QueryRowContext(cctx,
		"SELECT "+activationColumns+" FROM activations WHERE license_id = ? AND site_url IN ("+placeholders+") LIMIT 1",
		args...)
	act, err := scanActivation(row.Scan)
	switch {
	case err == nil:
		return act, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	default:
		return nil, errors.Wrap(err, "find activation")
	}
}

// FindBySite returns the most recently verified activation matching any of the
// given site variants across all licenses. Metering uses this to attribute
// usage when only the site is known.
func (s *Store) FindBySite(ctx context.Context, siteURLs []string) (*models.Activation, error) {
	if len(siteURLs) == 0 {
		return nil, ErrNotFound
	}
	cctx, cancel := s.opCtx(ctx)
	defer cancel()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(siteURLs)), ",")
	args := make([]any, 0, len(siteURLs))
	for _, u := range siteURLs {
		args = append(args, u)
	}

	row := s.db.QueryRowContext(cctx,
		"SELECT "+activationColumns+" FROM activations WHERE site_url IN ("+placeholders+") "+
			"ORDER BY COALESCE(last_verified_at, activated_at) DESC LIMIT 1",
		args...)
	act, err := scanActivation(row.Scan)
	switch {
	case err == nil:
		return act, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	default:
		return nil, errors.Wrap(err, "find activation by site")
	}
}

// ListActivations returns up to maxListWindow activations for a license,
// newest first.
func (s *Store) ListActivations(ctx context.Context, licenseID int64) ([]models.Activation, error) {
	cctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(cctx,
		"SELECT "+activationColumns+" FROM activations WHERE license_id = ? ORDER BY activated_at DESC LIMIT ?",
		licenseID, maxListWindow)
	if err != nil {
		return nil, errors.Wrap(err, "list activations")
	}
	defer rows.Close()

	var out []models.Activation
	for rows.Next() {
		act, err := scanActivation(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "scan activation")
		}
		out = append(out, *act)
	}
	return out, errors.Wrap(rows.Err(), "list activations")
}

// CountActivations counts the seats a license currently consumes.
func (s *Store) CountActivations(ctx context.Context, licenseID int64) (int64, error) {
	cctx, cancel := s.opCtx(ctx)
	defer cancel()

	var n int64
	err := s.db.QueryRowContext(cctx,
		"SELECT COUNT(*) FROM activations WHERE license_id = ?", licenseID).Scan(&n)
	return n, errors.Wrap(err, "count activations")
}

// CreateActivation inserts a new activation while holding the seat-limit
// check and the insert in one transaction, so two concurrent activations
// cannot both land in the last free seat. unlimited skips the count entirely;
// maxSites <= 0 with unlimited false means no seats at all.
func (s *Store) CreateActivation(ctx context.Context, act *models.Activation, maxSites int64, unlimited bool) error {
	cctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(cctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin activation tx")
	}
	defer tx.Rollback()

	if !unlimited {
		var used int64
		err = tx.QueryRowContext(cctx,
			"SELECT COUNT(*) FROM activations WHERE license_id = ? FOR UPDATE",
			act.LicenseID).Scan(&used)
		if err != nil {
			return errors.Wrap(err, "count seats")
		}
		if used >= maxSites {
			return ErrSeatLimit
		}
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(cctx,
		"INSERT INTO activations (license_id, site_url, site_fingerprint, activated_at) VALUES (?, ?, ?, ?)",
		act.LicenseID, act.SiteURL, act.SiteFingerprint, now)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateActivation
		}
		return errors.Wrap(err, "insert activation")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "activation insert id")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit activation")
	}

	act.ID = id
	act.ActivatedAt = now
	return nil
}

// Touch records a successful verification against an activation.
func (s *Store) Touch(ctx context.Context, activationID int64, at time.Time) error {
	cctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(cctx,
		"UPDATE activations SET last_verified_at = ? WHERE id = ?", at.UTC(), activationID)
	return errors.Wrap(err, "touch activation")
}

// DeleteActivation frees a seat. Returns ErrNotFound when nothing was deleted.
func (s *Store) DeleteActivation(ctx context.Context, activationID int64) error {
	cctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(cctx, "DELETE FROM activations WHERE id = ?", activationID)
	if err != nil {
		return errors.Wrap(err, "delete activation")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "delete activation rows")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
