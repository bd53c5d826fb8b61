package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// AddEmbedding stores the vector computed from text for a place. Replaces
// any existing vector for the same (place, text).
func (s *SQLiteStore) AddEmbedding(ctx context.Context, placeID int64, text string, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("empty embedding for place %d", placeID)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embeddings (place_id, text, vector, dimensions) VALUES (?, ?, ?, ?)
		 ON CONFLICT(place_id, text) DO UPDATE SET vector = excluded.vector, dimensions = excluded.dimensions`,
		placeID, text, float32ToBytes(vector), len(vector),
	)
	if err != nil {
		return fmt.Errorf("storing embedding for place %d: %w", placeID, err)
	}
	return nil
}

// ListEmbeddings returns every stored vector, for building the ANN index.
func (s *SQLiteStore) ListEmbeddings(ctx context.Context) ([]Embedding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT place_id, text, vector FROM embeddings ORDER BY place_id, text`)
	if err != nil {
		return nil, fmt.Errorf("listing embeddings: %w", err)
	}
	defer rows.Close()

	var out []Embedding
	for rows.Next() {
		var e Embedding
		var blob []byte
		if err := rows.Scan(&e.PlaceID, &e.Text, &blob); err != nil {
			return nil, fmt.Errorf("scanning embedding row: %w", err)
		}
		e.Vector = bytesToFloat32(blob)
		out = append(out, e)
	}
	return out, rows.Err()
}

// float32ToBytes converts a float32 slice to a byte slice (little-endian).
func float32ToBytes(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// bytesToFloat32 converts a byte slice back to float32 slice (little-endian).
func bytesToFloat32(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
