// Package sqlite provides a SQLite-backed chronicle storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/halewood/chronicle/internal/entropy"
	apperrors "github.com/halewood/chronicle/internal/platform/errors"
	"github.com/halewood/chronicle/internal/platform/storage/sqlitemigrate"
	"github.com/halewood/chronicle/internal/session"
	"github.com/halewood/chronicle/internal/storage"
	"github.com/halewood/chronicle/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists chronicle state in SQLite. The entropy ledger file stays
// authoritative; the entropy table is a mirror filled on demand.
type Store struct {
	sqlDB  *sql.DB
	ledger *entropy.Ledger
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite chronicle store and applies embedded migrations.
func Open(path string, ledger *entropy.Ledger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	// _txlock=immediate takes the write lock at BEGIN, so concurrent writers
	// queue on busy_timeout instead of failing mid-transaction with
	// SQLITE_BUSY. The _pragma form is the one this driver honors.
	dsn := cleanPath + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, ledger: ledger}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Backend exposes every capability backed by this store.
func (s *Store) Backend() storage.Backend {
	return storage.Backend{
		Sessions:   s,
		State:      s,
		Turns:      s,
		Entropy:    s,
		Characters: s,
		TextLogs:   s,
		Docs:       s,
		Snapshots:  s,
		Worlds:     s,
	}
}

// sessionExists requires the session row to exist.
func (s *Store) sessionExists(ctx context.Context, slug string) error {
	if err := storage.ValidateSlug(slug); err != nil {
		return err
	}
	var found int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE slug = ?`, slug).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("unknown session %q", slug))
		}
		return fmt.Errorf("check session: %w", err)
	}
	return nil
}

// ListSessions reports every session row with its lock status.
func (s *Store) ListSessions(ctx context.Context) ([]storage.SessionInfo, error) {
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT s.slug, s.updated_at, st.state_json,
		        EXISTS (SELECT 1 FROM session_locks l WHERE l.slug = s.slug)
		 FROM sessions s
		 LEFT JOIN session_state st ON st.slug = s.slug
		 ORDER BY s.slug ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []storage.SessionInfo
	for rows.Next() {
		var (
			info      storage.SessionInfo
			updatedAt int64
			stateJSON sql.NullString
			locked    int
		)
		if err := rows.Scan(&info.Slug, &updatedAt, &stateJSON, &locked); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		info.UpdatedAt = fromMillis(updatedAt)
		info.Locked = locked != 0
		info.World = "default"
		if stateJSON.Valid {
			if st, err := session.Decode([]byte(stateJSON.String)); err == nil && st.World != "" {
				info.World = st.World
			}
		}
		sessions = append(sessions, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// CreateSession inserts the session row and its initial state.
func (s *Store) CreateSession(ctx context.Context, slug string, initial session.State) error {
	if err := storage.ValidateSlug(slug); err != nil {
		return err
	}
	if err := initial.Validate(); err != nil {
		return err
	}
	data, err := encodeJSON(initial)
	if err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create session: %w", err)
	}
	defer tx.Rollback()

	now := toMillis(time.Now())
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO sessions (slug, created_at, updated_at) VALUES (?, ?, ?)`,
		slug, now, now,
	); err != nil {
		if isUniqueViolation(err) {
			return apperrors.New(apperrors.CodeSessionExists, fmt.Sprintf("session %q already exists", slug))
		}
		return fmt.Errorf("insert session: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO session_state (slug, state_json, turn, log_index) VALUES (?, ?, ?, ?)`,
		slug, data, initial.Turn, initial.LogIndex,
	); err != nil {
		return fmt.Errorf("insert session state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create session: %w", err)
	}
	return nil
}

// Lock returns the current lock, or nil when unlocked.
func (s *Store) Lock(ctx context.Context, slug string) (*storage.LockInfo, error) {
	if err := s.sessionExists(ctx, slug); err != nil {
		return nil, err
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT owner, ttl, claimed_at FROM session_locks WHERE slug = ?`,
		slug,
	)
	var (
		lock      storage.LockInfo
		claimedAt int64
	)
	if err := row.Scan(&lock.Owner, &lock.TTL, &claimedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get lock: %w", err)
	}
	lock.ClaimedAt = fromMillis(claimedAt)
	return &lock, nil
}

// ClaimLock inserts the lock row; any existing lock is a conflict.
func (s *Store) ClaimLock(ctx context.Context, slug, owner string, ttl int) (*storage.LockInfo, error) {
	if err := s.sessionExists(ctx, slug); err != nil {
		return nil, err
	}
	lock := &storage.LockInfo{Owner: owner, TTL: ttl, ClaimedAt: time.Now().UTC()}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO session_locks (slug, owner, ttl, claimed_at) VALUES (?, ?, ?, ?)`,
		slug, lock.Owner, lock.TTL, toMillis(lock.ClaimedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.Lock(ctx, slug)
			holder := ""
			if lookupErr == nil && existing != nil {
				holder = existing.Owner
			}
			return nil, apperrors.WithMetadata(
				apperrors.CodeLockConflict,
				fmt.Sprintf("session %q is locked by %q", slug, holder),
				map[string]string{"owner": holder},
			)
		}
		return nil, fmt.Errorf("claim lock: %w", err)
	}
	return lock, nil
}

// ReleaseLock removes the lock row; releasing an unlocked session is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, slug string) error {
	if err := s.sessionExists(ctx, slug); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM session_locks WHERE slug = ?`, slug); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint") || strings.Contains(value, "constraint failed")
}
