package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// VersionRow is a row in the versions table.
type VersionRow struct {
	Tag         string
	Path        string
	Status      string
	InstalledAt time.Time
}

// ShortcutRow is a row in the shortcuts table.
type ShortcutRow struct {
	Tag     string
	Menu    bool
	Desktop bool
}

// Runtime is the singleton runtime record: which tag is active and the PID
// of the server process that was last observed running it.
type Runtime struct {
	ActiveTag string
	PID       int
	UpdatedAt time.Time
}

// UpsertVersion inserts or replaces a version record.
func (db *DB) UpsertVersion(v VersionRow) error {
	_, err := db.conn.Exec(`
		INSERT INTO versions (tag, path, status, installed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tag) DO UPDATE SET
			path         = excluded.path,
			status       = excluded.status,
			installed_at = excluded.installed_at
	`, v.Tag, v.Path, v.Status, v.InstalledAt.UTC())
	if err != nil {
		return fmt.Errorf("store: upsert version: %w", err)
	}
	return nil
}

// GetVersion returns the record for tag, or (nil, nil) when absent.
func (db *DB) GetVersion(tag string) (*VersionRow, error) {
	var v VersionRow
	err := db.conn.QueryRow(`
		SELECT tag, path, status, installed_at FROM versions WHERE tag = ?
	`, tag).Scan(&v.Tag, &v.Path, &v.Status, &v.InstalledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get version: %w", err)
	}
	return &v, nil
}

// ListVersions returns every version record, newest install first.
func (db *DB) ListVersions() ([]VersionRow, error) {
	rows, err := db.conn.Query(`
		SELECT tag, path, status, installed_at FROM versions
		ORDER BY installed_at DESC, tag DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list versions: %w", err)
	}
	defer rows.Close()

	var out []VersionRow
	for rows.Next() {
		var v VersionRow
		if err := rows.Scan(&v.Tag, &v.Path, &v.Status, &v.InstalledAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteVersion removes a version record and its shortcut row.
func (db *DB) DeleteVersion(tag string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	_, _ = tx.Exec(`DELETE FROM shortcuts WHERE tag = ?`, tag)
	_, _ = tx.Exec(`DELETE FROM versions WHERE tag = ?`, tag)

	return tx.Commit()
}

// UpsertShortcut records the last observed shortcut state for a tag.
func (db *DB) UpsertShortcut(s ShortcutRow) error {
	_, err := db.conn.Exec(`
		INSERT INTO shortcuts (tag, menu, desktop)
		VALUES (?, ?, ?)
		ON CONFLICT(tag) DO UPDATE SET
			menu    = excluded.menu,
			desktop = excluded.desktop
	`, s.Tag, s.Menu, s.Desktop)
	if err != nil {
		return fmt.Errorf("store: upsert shortcut: %w", err)
	}
	return nil
}

// DeleteShortcut drops the shortcut record for tag.
func (db *DB) DeleteShortcut(tag string) error {
	if _, err := db.conn.Exec(`DELETE FROM shortcuts WHERE tag = ?`, tag); err != nil {
		return fmt.Errorf("store: delete shortcut: %w", err)
	}
	return nil
}

// GetShortcut returns the shortcut record for tag, or (nil, nil) when absent.
func (db *DB) GetShortcut(tag string) (*ShortcutRow, error) {
	var s ShortcutRow
	err := db.conn.QueryRow(`
		SELECT tag, menu, desktop FROM shortcuts WHERE tag = ?
	`, tag).Scan(&s.Tag, &s.Menu, &s.Desktop)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get shortcut: %w", err)
	}
	return &s, nil
}

// GetRuntime reads the singleton runtime record.
func (db *DB) GetRuntime() (Runtime, error) {
	var r Runtime
	err := db.conn.QueryRow(`
		SELECT active_tag, pid, updated_at FROM runtime WHERE id = 1
	`).Scan(&r.ActiveTag, &r.PID, &r.UpdatedAt)
	if err != nil {
		return Runtime{}, fmt.Errorf("store: get runtime: %w", err)
	}
	return r, nil
}

// SetRuntime updates the singleton runtime record. An empty tag with pid 0
// records "nothing running".
func (db *DB) SetRuntime(activeTag string, pid int) error {
	_, err := db.conn.Exec(`
		UPDATE runtime SET active_tag = ?, pid = ?, updated_at = ? WHERE id = 1
	`, activeTag, pid, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: set runtime: %w", err)
	}
	return nil
}
