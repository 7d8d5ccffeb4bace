// Package db persists the relay's upstream error log in SQLite.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created under the base directory.
const FileName = "chatrelay.db"

// migrations[i] moves the schema from version i to i+1. Append only.
var migrations = [...]string{
	// 1: error log
	`
	CREATE TABLE error_log (
	  id           TEXT PRIMARY KEY,
	  created_at   INTEGER NOT NULL,
	  kind         TEXT NOT NULL,
	  message      TEXT NOT NULL,
	  status       INTEGER NOT NULL DEFAULT 0,
	  context_json TEXT,
	  environment  TEXT NOT NULL
	);
	CREATE INDEX idx_error_log_created ON error_log(created_at DESC);
	CREATE INDEX idx_error_log_kind_created ON error_log(kind, created_at DESC);
	`,
}

// SchemaVersion is the user_version of a fully migrated database.
const SchemaVersion = len(migrations)

// Init opens baseDir/chatrelay.db, creating the directory and file as
// needed, and brings the schema up to SchemaVersion.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.chatrelay.
func Init(baseDir string) (*sql.DB, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	path := filepath.Join(baseDir, FileName)
	// Pragmas in the DSN apply to every pooled connection.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open error log: %w", err)
	}

	if err := requireWAL(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	// Best-effort; some filesystems ignore modes.
	_ = os.Chmod(path, 0600)
	return db, nil
}

// Version returns the schema version recorded in the database.
func Version(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// migrate applies each pending migration in its own transaction, recording
// the new version in the same transaction.
func migrate(db *sql.DB) error {
	current, err := Version(db)
	if err != nil {
		return err
	}
	if current > SchemaVersion {
		return fmt.Errorf("schema version %d is newer than this binary supports (%d)", current, SchemaVersion)
	}

	for v := current; v < SchemaVersion; v++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: record version: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
	}
	return nil
}

// requireWAL fails unless the DSN pragma switched the journal to WAL.
func requireWAL(db *sql.DB) error {
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if mode != "wal" {
		return fmt.Errorf("journal mode is %q, want wal", mode)
	}
	return nil
}
