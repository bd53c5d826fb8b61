package ann

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// snapshotVersion guards the on-disk format.
const snapshotVersion = 2

type snapshot struct {
	Version        int
	Dims           int
	Entry, Top     int
	M, M0          int
	EfConstruction int
	EfSearch       int
	IDs            []int64
	Vectors        [][]float32
	Links          [][][]int
}

// Save writes the index to path atomically (temp file + rename).
func (idx *Index) Save(path string) error {
	idx.mu.RLock()
	snap := snapshot{
		Version:        snapshotVersion,
		Dims:           idx.dims,
		Entry:          idx.entry,
		Top:            idx.top,
		M:              idx.m,
		M0:             idx.m0,
		EfConstruction: idx.efConstruction,
		EfSearch:       idx.efSearch,
		IDs:            make([]int64, len(idx.nodes)),
		Vectors:        make([][]float32, len(idx.nodes)),
		Links:          make([][][]int, len(idx.nodes)),
	}
	for i, n := range idx.nodes {
		snap.IDs[i], snap.Vectors[i], snap.Links[i] = n.id, n.vec, n.links
	}
	idx.mu.RUnlock()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".hnsw-*")
	if err != nil {
		return fmt.Errorf("creating index file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := gob.NewEncoder(tmp).Encode(&snap); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing index file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Load restores an index written by Save.
func Load(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening index file: %w", err)
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decoding index %s: %w", path, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported index version %d in %s", snap.Version, path)
	}
	if len(snap.IDs) != len(snap.Vectors) || len(snap.IDs) != len(snap.Links) {
		return nil, fmt.Errorf("corrupt index %s: %d ids, %d vectors, %d link sets",
			path, len(snap.IDs), len(snap.Vectors), len(snap.Links))
	}

	idx := NewWithParams(snap.Dims, snap.M, snap.EfConstruction, snap.EfSearch)
	idx.m0 = snap.M0
	idx.entry, idx.top = snap.Entry, snap.Top
	idx.nodes = make([]node, len(snap.IDs))
	for i, id := range snap.IDs {
		idx.nodes[i] = node{id: id, vec: snap.Vectors[i], links: snap.Links[i]}
		idx.byID[id] = i
	}
	return idx, nil
}
