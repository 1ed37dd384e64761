package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrStaleVersion = errors.New("event version changed concurrently")
	ErrDatabaseInit = errors.New("database initialization failed")
)

// DB represents the database connection.
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema.
func New(dbPath string) (*DB, error) {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	// Limit the pool; SQLite serializes writers anyway and this keeps
	// file descriptor usage bounded.
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA secure_delete=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %w", ErrDatabaseInit, err)
		}
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	// Set file permissions (0600 for security)
	if err := os.Chmod(dbPath, 0600); err != nil {
		// File might not exist yet in WAL mode
		_ = err
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// migrate creates the database schema.
func (db *DB) migrate() error {
	migrations := []string{
		// Accounts table; settings is a JSON tagged union keyed by type
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			type TEXT NOT NULL,
			settings TEXT NOT NULL,
			scan_folders TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Sync mappings: one folder maps to exactly one calendar
		`CREATE TABLE IF NOT EXISTS sync_mappings (
			id TEXT PRIMARY KEY,
			imap_account_id TEXT NOT NULL,
			imap_folder TEXT NOT NULL,
			caldav_account_id TEXT NOT NULL,
			calendar_url TEXT NOT NULL,
			calendar_name TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(imap_account_id, imap_folder),
			FOREIGN KEY (imap_account_id) REFERENCES accounts(id) ON DELETE CASCADE,
			FOREIGN KEY (caldav_account_id) REFERENCES accounts(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_mappings_imap ON sync_mappings(imap_account_id, imap_folder)`,

		// Tracked events with embedded sync state
		`CREATE TABLE IF NOT EXISTS tracked_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uid TEXT NOT NULL,
			message_id TEXT,
			account_id TEXT NOT NULL,
			folder TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			organizer TEXT NOT NULL DEFAULT '',
			start_at DATETIME,
			end_at DATETIME,
			attendees TEXT,
			status TEXT NOT NULL DEFAULT 'new',
			response_status TEXT NOT NULL DEFAULT 'none',
			payload TEXT,
			history TEXT,
			mail_error TEXT,
			tracking_disabled INTEGER NOT NULL DEFAULT 0,
			local_version INTEGER NOT NULL DEFAULT 1,
			synced_version INTEGER NOT NULL DEFAULT 0,
			has_conflict INTEGER NOT NULL DEFAULT 0,
			conflict_reason TEXT,
			conflict_details TEXT,
			caldav_etag TEXT,
			local_last_modified DATETIME,
			remote_last_modified DATETIME,
			last_modified_source TEXT,
			last_synced DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(uid, account_id, folder),
			FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_tracked_events_account_folder ON tracked_events(account_id, folder)`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_events_status ON tracked_events(status)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE migrations
			if !isDuplicateColumnError(err) {
				return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
			}
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error is due to a duplicate column in ALTER TABLE.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists")
}

// Ping checks the database connection.
func (db *DB) Ping() error {
	return db.conn.Ping()
}
