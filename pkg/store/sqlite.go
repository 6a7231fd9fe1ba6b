// Package store provides SQLite persistence for the auth tables:
// device identities, enrollment credentials, refresh tokens, replay
// records, and the audit log. It implements the persistence ports of
// pkg/enrollment, pkg/refresh, and pkg/replay.
//
// The conditional mutations (credential consumption, token rotation,
// replay recording) are single UPDATE or INSERT statements guarded by
// WHERE clauses, with RowsAffected deciding the winner. SQLite
// serializes writers, so these are atomic without explicit
// transactions.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// DefaultPath returns the default database path following XDG spec.
func DefaultPath() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "fleetauth", "fleetauth.db")
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// WAL mode lets the CLI read and write credentials while the server
	// is serving traffic against the same file.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Without a busy timeout, concurrent writes immediately return
	// SQLITE_BUSY instead of waiting for the writer to finish.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate creates the schema if it doesn't exist.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		fingerprint_hash TEXT UNIQUE NOT NULL,
		thumbprint TEXT NOT NULL,
		enrolled_at INTEGER DEFAULT (strftime('%s', 'now')),
		last_seen INTEGER DEFAULT (strftime('%s', 'now'))
	);
	CREATE INDEX IF NOT EXISTS idx_devices_fingerprint ON devices(fingerprint_hash);

	CREATE TABLE IF NOT EXISTS enrollment_credentials (
		id TEXT PRIMARY KEY,
		label TEXT DEFAULT '',
		token_hash TEXT UNIQUE NOT NULL,
		remaining_uses INTEGER NOT NULL DEFAULT -1,
		disabled INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER,
		created_at INTEGER DEFAULT (strftime('%s', 'now')),
		last_used_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_credentials_hash ON enrollment_credentials(token_hash);

	CREATE TABLE IF NOT EXISTS refresh_tokens (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL REFERENCES devices(id),
		token_hash TEXT UNIQUE NOT NULL,
		thumbprint TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		issued_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		grace_until INTEGER,
		last_used_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_refresh_tokens_hash ON refresh_tokens(token_hash);
	CREATE INDEX IF NOT EXISTS idx_refresh_tokens_device ON refresh_tokens(device_id, status);

	CREATE TABLE IF NOT EXISTS replay_records (
		jti TEXT PRIMARY KEY,
		seen_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_replay_seen_at ON replay_records(seen_at);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		severity INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		actor_id TEXT DEFAULT '',
		ip TEXT DEFAULT '',
		request_id TEXT DEFAULT '',
		details TEXT DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// nullableUnix converts an optional time to a nullable Unix timestamp.
func nullableUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

// unixPtr converts a nullable Unix timestamp back to an optional time.
func unixPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0)
	return &t
}
