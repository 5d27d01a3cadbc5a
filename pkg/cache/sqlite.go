package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite persists entries in a local database file so manifests survive
// restarts. Expired rows are treated as absent and deleted lazily.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (or creates) the cache database at dbPath.
func NewSQLite(dbPath string) (*SQLite, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite cache requires a path")
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLite{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// WithClock replaces the time source. It is meant for tests.
func (s *SQLite) WithClock(now func() time.Time) *SQLite {
	s.now = now
	return s
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// expired reports whether a stored expires_at (unix millis, 0 = never) has passed.
func (s *SQLite) expired(expiresAt int64) bool {
	return expiresAt != 0 && s.now().UnixMilli() >= expiresAt
}

// Get returns the value for key if present and unexpired.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value     []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}

	if s.expired(expiresAt) {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE key = ? AND expires_at = ?`, key, expiresAt,
		); err != nil {
			return nil, false, fmt.Errorf("evict %s: %w", key, err)
		}
		return nil, false, nil
	}
	return value, true, nil
}

// Set upserts value under key.
func (s *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UnixMilli()
	}
	if value == nil {
		value = []byte{}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key that starts with prefix. LIKE is avoided
// because it folds ASCII case.
func (s *SQLite) DeletePrefix(ctx context.Context, prefix string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE substr(key, 1, length(?)) = ?`, prefix, prefix,
	); err != nil {
		return fmt.Errorf("delete prefix %s: %w", prefix, err)
	}
	return nil
}

// IsExpired reports whether key is absent or past its expiry.
func (s *SQLite) IsExpired(ctx context.Context, key string) (bool, error) {
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("check %s: %w", key, err)
	}
	return s.expired(expiresAt), nil
}

// Purge deletes every expired row and returns how many were removed.
func (s *SQLite) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at != 0 AND expires_at <= ?`, s.now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}
