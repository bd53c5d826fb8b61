package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// ErrNotFound is returned when a place id does not exist.
var ErrNotFound = errors.New("place not found")

// NameKey is the lookup key for names and aliases: lowercase, trimmed of
// punctuation, inner whitespace collapsed.
func NameKey(name string) string {
	name = strings.TrimFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

const placeColumns = `id, name, name_hi, kind, block, district, division, state, lat, lon`

func scanPlace(row interface{ Scan(...any) error }) (*Place, error) {
	p := &Place{}
	err := row.Scan(&p.ID, &p.Name, &p.NameHi, &p.Kind, &p.Block, &p.District, &p.Division, &p.State, &p.Lat, &p.Lon)
	return p, err
}

// AddPlace inserts a place, or returns the id of the existing place with the
// same name, kind and district. The Hindi name is also recorded as an alias.
func (s *SQLiteStore) AddPlace(ctx context.Context, p *Place) (int64, error) {
	if strings.TrimSpace(p.Name) == "" {
		return 0, fmt.Errorf("place name is required")
	}
	if p.Kind == "" {
		return 0, fmt.Errorf("place kind is required for %q", p.Name)
	}
	if p.State == "" {
		p.State = "Chhattisgarh"
	}
	key := NameKey(p.Name)

	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM places WHERE name_key = ? AND kind = ? AND district = ?`,
		key, p.Kind, p.District,
	).Scan(&id)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO places (name, name_key, name_hi, kind, block, district, division, state, lat, lon)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Name, key, p.NameHi, p.Kind, p.Block, p.District, p.Division, p.State, p.Lat, p.Lon,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting place %q: %w", p.Name, err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("reading place id: %w", err)
		}
	default:
		return 0, fmt.Errorf("looking up place %q: %w", p.Name, err)
	}

	p.ID = id
	if p.NameHi != "" {
		if err := s.AddAlias(ctx, id, p.NameHi); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// AddAlias records an alternate name for a place. Duplicates are ignored.
func (s *SQLiteStore) AddAlias(ctx context.Context, placeID int64, alias string) error {
	key := NameKey(alias)
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO aliases (place_id, alias, alias_key) VALUES (?, ?, ?)`,
		placeID, strings.TrimSpace(alias), key,
	)
	if err != nil {
		return fmt.Errorf("adding alias %q for place %d: %w", alias, placeID, err)
	}
	return nil
}

// GetPlace returns one place or ErrNotFound.
func (s *SQLiteStore) GetPlace(ctx context.Context, id int64) (*Place, error) {
	p, err := scanPlace(s.db.QueryRowContext(ctx,
		`SELECT `+placeColumns+` FROM places WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("place %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting place %d: %w", id, err)
	}
	return p, nil
}

// GetPlacesByIDs loads several places in one query. Unknown ids are absent
// from the map.
func (s *SQLiteStore) GetPlacesByIDs(ctx context.Context, ids []int64) (map[int64]*Place, error) {
	if len(ids) == 0 {
		return map[int64]*Place{}, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT `+placeColumns+` FROM places WHERE id IN (%s)`, strings.Join(placeholders, ",")),
		args...)
	if err != nil {
		return nil, fmt.Errorf("getting places by IDs: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]*Place, len(ids))
	for rows.Next() {
		p, err := scanPlace(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning place row: %w", err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// FindByName returns places whose name or alias equals name under NameKey.
// Direct name matches come first, then narrower kinds before wider ones.
func (s *SQLiteStore) FindByName(ctx context.Context, name string) ([]NameMatch, error) {
	key := NameKey(name)
	if key == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+placeColumns+`, 0 AS by_alias FROM places WHERE name_key = ?
		 UNION
		 SELECT p.id, p.name, p.name_hi, p.kind, p.block, p.district, p.division, p.state, p.lat, p.lon, 1
		 FROM aliases a JOIN places p ON p.id = a.place_id
		 WHERE a.alias_key = ? AND p.name_key != ?
		 ORDER BY by_alias, id`,
		key, key, key)
	if err != nil {
		return nil, fmt.Errorf("finding place %q: %w", name, err)
	}
	defer rows.Close()

	var out []NameMatch
	seen := map[int64]bool{}
	for rows.Next() {
		p := &Place{}
		var byAlias int
		if err := rows.Scan(&p.ID, &p.Name, &p.NameHi, &p.Kind, &p.Block, &p.District, &p.Division,
			&p.State, &p.Lat, &p.Lon, &byAlias); err != nil {
			return nil, fmt.Errorf("scanning place row: %w", err)
		}
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		out = append(out, NameMatch{Place: p, ByAlias: byAlias == 1})
	}
	return out, rows.Err()
}

// Stats counts places, aliases and embeddings.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByKind: map[string]int64{}}
	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM places`, &st.Places},
		{`SELECT COUNT(*) FROM aliases`, &st.Aliases},
		{`SELECT COUNT(*) FROM embeddings`, &st.Embeddings},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("counting: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM places GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("counting by kind: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scanning kind count: %w", err)
		}
		st.ByKind[kind] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if s.dbPath != ":memory:" {
		if info, err := os.Stat(s.dbPath); err == nil {
			st.DBSizeBytes = info.Size()
		}
	}
	return st, nil
}
