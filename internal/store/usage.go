package store

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"licensegate/internal/models"
)

// counterCandidates are the usage counter column names seen across deployed
// schema generations, in preference order.
var counterCandidates = []string{
	"monthly_tokens_used",
	"tokens_used_this_period",
	"tokens_used_current_period",
	"tokens_used_month",
}

var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// ErrNoCounterColumn means no usage counter column could be located, so token
// accumulation is impossible on this database.
var ErrNoCounterColumn = errors.New("no usage counter column on licenses")

// counterCache memoizes the discovered column name for the process lifetime.
type counterCache struct {
	mu     sync.RWMutex
	column string
	done   bool
}

// InsertEvent appends one usage event.
func (s *Store) InsertEvent(ctx context.Context, ev *models.UsageEvent) error {
	cctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(cctx,
		"INSERT INTO usage_events (license_id, activation_id, site_url, view, provider, model, "+
			"prompt_tokens, completion_tokens, total_tokens, ok, error_code, created_at) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		ev.LicenseID, ev.ActivationID, ev.SiteURL, ev.View, ev.Provider, ev.Model,
		ev.PromptTokens, ev.CompletionTokens, ev.TotalTokens, ev.OK, ev.ErrorCode, ev.CreatedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "insert usage event")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "usage event insert id")
	}
	ev.ID = id
	return nil
}

// CounterColumn returns the licenses column that accumulates monthly token
// usage. Ranked candidates are checked against information_schema first, then
// any bigint column whose name mentions both "token" and "used" is accepted.
// The result is cached; a definitive miss is cached too.
func (s *Store) CounterColumn(ctx context.Context) (string, error) {
	s.counters.mu.RLock()
	if s.counters.done {
		col := s.counters.column
		s.counters.mu.RUnlock()
		if col == "" {
			return "", ErrNoCounterColumn
		}
		return col, nil
	}
	s.counters.mu.RUnlock()

	col, err := s.discoverCounterColumn(ctx)
	if err != nil {
		return "", err
	}

	s.counters.mu.Lock()
	s.counters.column = col
	s.counters.done = true
	s.counters.mu.Unlock()

	if col == "" {
		return "", ErrNoCounterColumn
	}
	return col, nil
}

func (s *Store) discoverCounterColumn(ctx context.Context) (string, error) {
	cctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(cctx,
		"SELECT column_name FROM information_schema.columns "+
			"WHERE table_schema = DATABASE() AND table_name = 'licenses' "+
			"AND data_type IN ('bigint', 'int')")
	if err != nil {
		return "", errors.Wrap(err, "inspect licenses columns")
	}
	defer rows.Close()

	present := make(map[string]bool)
	var fallback string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", errors.Wrap(err, "scan column name")
		}
		present[name] = true
		if fallback == "" && strings.Contains(name, "token") && strings.Contains(name, "used") {
			fallback = name
		}
	}
	if err := rows.Err(); err != nil {
		return "", errors.Wrap(err, "inspect licenses columns")
	}

	for _, cand := range counterCandidates {
		if present[cand] {
			return cand, nil
		}
	}
	return fallback, nil
}

// AddTokens atomically accumulates n tokens onto a license's usage counter.
// The update runs as a single statement so concurrent reports never lose each
// other's increments. Returns the number of rows updated; 0 means the license
// row vanished.
func (s *Store) AddTokens(ctx context.Context, licenseID int64, column string, n int64) (int64, error) {
	if !identPattern.MatchString(column) {
		return 0, errors.Errorf("refusing counter column %q", column)
	}
	cctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(cctx,
		"UPDATE licenses SET `"+column+"` = COALESCE(`"+column+"`, 0) + ? WHERE id = ?",
		n, licenseID)
	if err != nil {
		return 0, errors.Wrap(err, "add tokens")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "add tokens rows")
	}
	return affected, nil
}

// TokensUsed reads the current counter value for a license. A NULL counter
// reads as zero.
func (s *Store) TokensUsed(ctx context.Context, licenseID int64, column string) (int64, error) {
	if !identPattern.MatchString(column) {
		return 0, errors.Errorf("refusing counter column %q", column)
	}
	cctx, cancel := s.opCtx(ctx)
	defer cancel()

	var used sql.NullInt64
	err := s.db.QueryRowContext(cctx,
		"SELECT `"+column+"` FROM licenses WHERE id = ?", licenseID).Scan(&used)
	switch {
	case err == nil:
		return used.Int64, nil
	case errors.Is(err, sql.ErrNoRows):
		return 0, ErrNotFound
	default:
		return 0, errors.Wrap(err, "read token counter")
	}
}
