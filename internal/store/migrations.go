package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// schemaVersion is bumped whenever migrations gains a step.
const schemaVersion = 1

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS places (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		name      TEXT NOT NULL,
		name_key  TEXT NOT NULL,
		name_hi   TEXT NOT NULL DEFAULT '',
		kind      TEXT NOT NULL,
		block     TEXT NOT NULL DEFAULT '',
		district  TEXT NOT NULL DEFAULT '',
		division  TEXT NOT NULL DEFAULT '',
		state     TEXT NOT NULL DEFAULT 'Chhattisgarh',
		lat       REAL NOT NULL DEFAULT 0,
		lon       REAL NOT NULL DEFAULT 0,
		UNIQUE (name_key, kind, district)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_places_name_key ON places(name_key)`,
	`CREATE TABLE IF NOT EXISTS aliases (
		place_id  INTEGER NOT NULL REFERENCES places(id) ON DELETE CASCADE,
		alias     TEXT NOT NULL,
		alias_key TEXT NOT NULL,
		PRIMARY KEY (place_id, alias_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_aliases_key ON aliases(alias_key)`,
	`CREATE TABLE IF NOT EXISTS embeddings (
		place_id   INTEGER NOT NULL REFERENCES places(id) ON DELETE CASCADE,
		text       TEXT NOT NULL,
		vector     BLOB NOT NULL,
		dimensions INTEGER NOT NULL,
		PRIMARY KEY (place_id, text)
	)`,
}

// migrate creates all tables if they don't exist and records the schema
// version. It refuses databases written by a newer schema.
func (s *SQLiteStore) migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration: %w", err)
	}
	defer tx.Rollback()

	for _, ddl := range migrations {
		if _, err := tx.Exec(ddl); err != nil {
			return fmt.Errorf("applying %.40q: %w", ddl, err)
		}
	}

	var current string
	err = tx.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("reading schema version: %w", err)
	default:
		v, convErr := strconv.Atoi(current)
		if convErr != nil {
			return fmt.Errorf("corrupt schema_version %q", current)
		}
		if v > schemaVersion {
			return fmt.Errorf("gazetteer schema version %d is newer than supported %d", v, schemaVersion)
		}
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)`,
		strconv.Itoa(schemaVersion)); err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) schemaVersion() (int, error) {
	var v string
	if err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&v); err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}
