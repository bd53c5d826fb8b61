package store

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// BatchEmbedder is the subset of embed.Embedder the importer needs.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ImportResult reports what an import wrote.
type ImportResult struct {
	Places     int
	Aliases    int
	Embeddings int
	Skipped    int
}

// importColumns are the recognised CSV header names. Only name and kind are
// required; aliases are separated by "|".
var importColumns = []string{"name", "name_hi", "kind", "block", "district", "division", "state", "lat", "lon", "aliases"}

// ImportCSV loads places from CSV with a header row. When emb is non-nil
// every name, Hindi name and alias is embedded and stored. Rows without a
// name or kind are skipped.
func ImportCSV(ctx context.Context, s Store, r io.Reader, emb BatchEmbedder) (*ImportResult, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, eris.Wrap(err, "gazetteer import: reading header")
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"name", "kind"} {
		if _, ok := col[required]; !ok {
			return nil, eris.Errorf("gazetteer import: missing %q column (known columns: %s)",
				required, strings.Join(importColumns, ", "))
		}
	}

	res := &ImportResult{}
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return res, eris.Wrapf(err, "gazetteer import: line %d", line)
		}
		field := func(name string) string {
			if i, ok := col[name]; ok && i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}

		p := &Place{
			Name:     field("name"),
			NameHi:   field("name_hi"),
			Kind:     strings.ToLower(field("kind")),
			Block:    field("block"),
			District: field("district"),
			Division: field("division"),
			State:    field("state"),
		}
		if p.Name == "" || p.Kind == "" {
			res.Skipped++
			continue
		}
		if v := field("lat"); v != "" {
			if p.Lat, err = strconv.ParseFloat(v, 64); err != nil {
				return res, eris.Wrapf(err, "gazetteer import: line %d: lat", line)
			}
		}
		if v := field("lon"); v != "" {
			if p.Lon, err = strconv.ParseFloat(v, 64); err != nil {
				return res, eris.Wrapf(err, "gazetteer import: line %d: lon", line)
			}
		}

		id, err := s.AddPlace(ctx, p)
		if err != nil {
			return res, eris.Wrapf(err, "gazetteer import: line %d", line)
		}
		res.Places++

		texts := []string{p.Name}
		if p.NameHi != "" {
			texts = append(texts, p.NameHi)
			res.Aliases++
		}
		for _, a := range strings.Split(field("aliases"), "|") {
			if a = strings.TrimSpace(a); a == "" {
				continue
			}
			if err := s.AddAlias(ctx, id, a); err != nil {
				return res, eris.Wrapf(err, "gazetteer import: line %d", line)
			}
			texts = append(texts, a)
			res.Aliases++
		}

		if emb == nil {
			continue
		}
		vecs, err := emb.EmbedBatch(ctx, texts)
		if err != nil {
			return res, eris.Wrapf(err, "gazetteer import: embedding %q", p.Name)
		}
		for i, v := range vecs {
			if len(v) == 0 {
				continue
			}
			if err := s.AddEmbedding(ctx, id, texts[i], v); err != nil {
				return res, eris.Wrapf(err, "gazetteer import: line %d", line)
			}
			res.Embeddings++
		}
	}
	return res, nil
}
