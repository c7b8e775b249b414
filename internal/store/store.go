// Package store persists licenses, activations and usage events in MySQL.
//
// Queries are written against the canonical schema below, but lookups stay
// tolerant of older shapes: the resolver probes historical column names and
// this package treats "unknown column" the same as a miss, so a partially
// migrated database never breaks key resolution.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"licensegate/internal/config"
)

// Sentinel errors returned by the repositories.
var (
	// ErrNotFound is a plain lookup miss.
	ErrNotFound = errors.New("record not found")
	// ErrSeatLimit means the license has no free activation seat.
	ErrSeatLimit = errors.New("site activation limit reached")
	// ErrDuplicateActivation means the (license, site) pair already exists.
	ErrDuplicateActivation = errors.New("activation already exists")
)

// Store wraps the SQL handle with a per-query timeout.
type Store struct {
	db       *sql.DB
	timeout  time.Duration
	counters counterCache
}

// New creates a Store. queryTimeout bounds every statement issued through it.
func New(db *sql.DB, queryTimeout time.Duration) *Store {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &Store{db: db, timeout: queryTimeout}
}

// Open connects to MySQL using the given settings and verifies the connection.
func Open(cfg *config.DatabaseConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping mysql")
	}
	return db, nil
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// isUnknownColumn reports whether err is MySQL error 1054. Probing historical
// column names hits this on databases that never had them.
func isUnknownColumn(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1054
}

// isDuplicateKey reports whether err is MySQL error 1062.
func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS licenses (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		` + "`key`" + ` VARCHAR(128) NOT NULL,
		key_sha256 CHAR(64) NULL,
		plan_slug VARCHAR(32) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'active',
		max_sites BIGINT NULL,
		unlimited_sites TINYINT(1) NOT NULL DEFAULT 0,
		byo_key_required TINYINT(1) NOT NULL DEFAULT 0,
		ai_included TINYINT(1) NOT NULL DEFAULT 1,
		monthly_token_limit BIGINT NULL,
		monthly_tokens_used BIGINT NULL,
		expires_at DATETIME NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		PRIMARY KEY (id),
		UNIQUE KEY uniq_license_key (` + "`key`" + `),
		KEY idx_status_plan (status, plan_slug)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS activations (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		license_id BIGINT UNSIGNED NOT NULL,
		site_url VARCHAR(255) NOT NULL,
		site_fingerprint VARCHAR(128) NOT NULL DEFAULT '',
		activated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_verified_at DATETIME NULL,
		PRIMARY KEY (id),
		UNIQUE KEY uniq_license_site (license_id, site_url),
		KEY idx_site_url (site_url),
		CONSTRAINT fk_activation_license FOREIGN KEY (license_id)
			REFERENCES licenses (id) ON DELETE CASCADE
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS usage_events (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		license_id BIGINT UNSIGNED NOT NULL,
		activation_id BIGINT UNSIGNED NULL,
		site_url VARCHAR(255) NOT NULL DEFAULT '',
		view VARCHAR(64) NOT NULL DEFAULT '',
		provider VARCHAR(64) NOT NULL DEFAULT 'openai',
		model VARCHAR(128) NOT NULL DEFAULT '',
		prompt_tokens BIGINT NOT NULL DEFAULT 0,
		completion_tokens BIGINT NOT NULL DEFAULT 0,
		total_tokens BIGINT NOT NULL DEFAULT 0,
		ok TINYINT(1) NOT NULL DEFAULT 1,
		error_code VARCHAR(64) NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (id),
		KEY idx_license_created (license_id, created_at),
		KEY idx_site_created (site_url, created_at),
		CONSTRAINT fk_usage_license FOREIGN KEY (license_id)
			REFERENCES licenses (id) ON DELETE CASCADE,
		CONSTRAINT fk_usage_activation FOREIGN KEY (activation_id)
			REFERENCES activations (id) ON DELETE SET NULL
	) ENGINE=InnoDB`,
}

// EnsureSchema creates the canonical tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		cctx, cancel := s.opCtx(ctx)
		_, err := s.db.ExecContext(cctx, stmt)
		cancel()
		if err != nil {
			return errors.Wrap(err, "ensure schema")
		}
	}
	return nil
}
