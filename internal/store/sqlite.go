package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/cozegate/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements KV on a SQLite file. Expiry is lazy: reads filter
// on expires_at and PurgeExpired deletes dead rows.
//
// Every conditional write is a single statement, so it stays atomic when
// several processes share the database file.
type SQLiteStore struct {
	db     *sql.DB
	prefix string
	retry  shared.RetryPolicy
	now    func() time.Time
}

// NewSQLite creates a new SQLite-backed store.
func NewSQLite(dbPath, prefix string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent readers; busy_timeout lets writers queue.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		prefix: prefix,
		retry:  shared.DefaultRetryPolicy,
		now:    time.Now,
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at) WHERE expires_at > 0;

	CREATE TABLE IF NOT EXISTS kv_index (
		name TEXT NOT NULL,
		member TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (name, member)
	);
	CREATE INDEX IF NOT EXISTS idx_kv_index_expires ON kv_index(expires_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) key(k string) string {
	return s.prefix + k
}

// expiresAt converts a ttl to a unix-millisecond deadline; 0 means never.
func (s *SQLiteStore) expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixMilli()
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	var rows int64
	err := shared.RetryOnConflict(ctx, s.retry, op, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		rows, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, unavailable(op, err)
	}
	return rows, nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Get returns the live value for key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	query := `SELECT value FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`

	var value []byte
	err := shared.RetryOnConflict(ctx, s.retry, "get", func() error {
		return s.db.QueryRowContext(ctx, query, s.key(key), s.now().UnixMilli()).Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", err)
	}
	return value, true, nil
}

// Set writes value under key.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	query := `
	INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		expires_at = excluded.expires_at`

	_, err := s.exec(ctx, "set", query, s.key(key), nonNil(value), s.expiresAt(ttl))
	return err
}

// CompareAndSet atomically replaces key's value when it equals expected.
func (s *SQLiteStore) CompareAndSet(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	k := s.key(key)
	now := s.now().UnixMilli()

	switch {
	case expected == nil && value == nil:
		// Delete-if-absent: true exactly when nothing is there.
		_, ok, err := s.Get(ctx, key)
		return !ok, err

	case expected == nil:
		// Insert, or take over a row that has already expired.
		query := `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at
		WHERE kv.expires_at != 0 AND kv.expires_at <= ?`
		rows, err := s.exec(ctx, "cas_insert", query, k, nonNil(value), s.expiresAt(ttl), now)
		return rows == 1, err

	case value == nil:
		query := `DELETE FROM kv WHERE key = ? AND value = ? AND (expires_at = 0 OR expires_at > ?)`
		rows, err := s.exec(ctx, "cas_delete", query, k, expected, now)
		return rows == 1, err

	default:
		query := `
		UPDATE kv SET value = ?, expires_at = ?
		WHERE key = ? AND value = ? AND (expires_at = 0 OR expires_at > ?)`
		rows, err := s.exec(ctx, "cas_update", query, value, s.expiresAt(ttl), k, expected, now)
		return rows == 1, err
	}
}

// Delete removes key and reports whether a live key was removed.
func (s *SQLiteStore) Delete(ctx context.Context, key string) (bool, error) {
	query := `DELETE FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`
	rows, err := s.exec(ctx, "delete", query, s.key(key), s.now().UnixMilli())
	return rows > 0, err
}

// IndexAdd adds member to the named index until expiresAt.
func (s *SQLiteStore) IndexAdd(ctx context.Context, index, member string, expiresAt time.Time) error {
	query := `
	INSERT INTO kv_index (name, member, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(name, member) DO UPDATE SET expires_at = excluded.expires_at`
	_, err := s.exec(ctx, "index_add", query, s.key(index), member, expiresAt.UnixMilli())
	return err
}

// IndexRemove removes member from the named index.
func (s *SQLiteStore) IndexRemove(ctx context.Context, index, member string) error {
	_, err := s.exec(ctx, "index_remove", `DELETE FROM kv_index WHERE name = ? AND member = ?`, s.key(index), member)
	return err
}

// IndexMembers returns the unexpired members of the named index.
func (s *SQLiteStore) IndexMembers(ctx context.Context, index string) ([]string, error) {
	query := `SELECT member FROM kv_index WHERE name = ? AND expires_at > ? ORDER BY expires_at`

	var members []string
	err := shared.RetryOnConflict(ctx, s.retry, "index_members", func() error {
		members = members[:0]
		rows, err := s.db.QueryContext(ctx, query, s.key(index), s.now().UnixMilli())
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := rows.Close(); closeErr != nil {
				slog.Warn("failed to close index rows", "error", closeErr)
			}
		}()
		for rows.Next() {
			var m string
			if err := rows.Scan(&m); err != nil {
				return err
			}
			members = append(members, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, unavailable("index_members", err)
	}
	return members, nil
}

// PurgeExpired deletes expired keys and index members.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.now().UnixMilli()
	keys, err := s.exec(ctx, "purge_kv", `DELETE FROM kv WHERE expires_at != 0 AND expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	members, err := s.exec(ctx, "purge_index", `DELETE FROM kv_index WHERE expires_at <= ?`, now)
	if err != nil {
		return keys, err
	}
	return keys + members, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// nonNil keeps empty values stored as zero-length blobs rather than NULL.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
