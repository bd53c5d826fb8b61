// Package store is the SQLite gazetteer behind local geo-validation and
// hierarchy resolution.
//
// One database file holds:
//   - places with their administrative parents (division, district, block)
//   - alternate spellings and Hindi forms as aliases
//   - one embedding vector per place name or alias
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.tweetfacts/gazetteer.db"

// Place kinds, from widest to narrowest.
const (
	KindState    = "state"
	KindDivision = "division"
	KindDistrict = "district"
	KindBlock    = "block"
	KindCity     = "city"
	KindVillage  = "village"
)

// Place is one gazetteer entry.
type Place struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	NameHi   string  `json:"name_hi,omitempty"`
	Kind     string  `json:"kind"`
	Block    string  `json:"block,omitempty"`
	District string  `json:"district,omitempty"`
	Division string  `json:"division,omitempty"`
	State    string  `json:"state"`
	Lat      float64 `json:"lat,omitempty"`
	Lon      float64 `json:"lon,omitempty"`
}

// NameMatch is a place found by exact lookup.
type NameMatch struct {
	Place   *Place
	ByAlias bool
}

// Embedding is a stored vector for one place. Text is the name or alias it
// was computed from.
type Embedding struct {
	PlaceID int64
	Text    string
	Vector  []float32
}

// Stats summarizes the gazetteer.
type Stats struct {
	Places      int64            `json:"places"`
	Aliases     int64            `json:"aliases"`
	Embeddings  int64            `json:"embeddings"`
	ByKind      map[string]int64 `json:"by_kind"`
	DBSizeBytes int64            `json:"db_size_bytes"`
}

// Config holds configuration for NewStore.
type Config struct {
	DBPath string
}

// Store is the gazetteer interface.
type Store interface {
	AddPlace(ctx context.Context, p *Place) (int64, error)
	AddAlias(ctx context.Context, placeID int64, alias string) error
	GetPlace(ctx context.Context, id int64) (*Place, error)
	GetPlacesByIDs(ctx context.Context, ids []int64) (map[int64]*Place, error)
	FindByName(ctx context.Context, name string) ([]NameMatch, error)

	AddEmbedding(ctx context.Context, placeID int64, text string, vector []float32) error
	ListEmbeddings(ctx context.Context) ([]Embedding, error)

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (creating if needed) the gazetteer at cfg.DBPath.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg Config) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = ExpandPath(DefaultDBPath)
	}
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.DBPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: cfg.DBPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
