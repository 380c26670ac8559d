// Package store persists launcher state in SQLite: installed-version
// records, per-tag shortcut state, and the runtime record (active tag plus
// server PID). The rows are the records that startup reconciliation
// validates against the live host; they are never trusted blindly.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS versions (
	tag          TEXT PRIMARY KEY,
	path         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'ready',
	installed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS shortcuts (
	tag     TEXT PRIMARY KEY,
	menu    INTEGER NOT NULL DEFAULT 0,
	desktop INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS runtime (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	active_tag TEXT NOT NULL DEFAULT '',
	pid        INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

INSERT OR IGNORE INTO runtime (id) VALUES (1);
`

// DB wraps a sql.DB with launcher-state operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
