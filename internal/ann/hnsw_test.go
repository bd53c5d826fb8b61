package ann

import (
	"math/rand"
	"path/filepath"
	"sort"
	"testing"
)

func randomVector(dims int, rng *rand.Rand) []float32 {
	v := make([]float32, dims)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func bruteForce(query []float32, vecs map[int64][]float32, k int) []int64 {
	type hit struct {
		id   int64
		dist float32
	}
	hits := make([]hit, 0, len(vecs))
	for id, v := range vecs {
		hits = append(hits, hit{id, cosineDistance(query, v)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	if len(hits) > k {
		hits = hits[:k]
	}
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids
}

func buildIndex(t *testing.T, n, dims int) (*Index, map[int64][]float32) {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	idx := New(dims)
	vecs := make(map[int64][]float32, n)
	for i := 1; i <= n; i++ {
		v := randomVector(dims, rng)
		vecs[int64(i)] = v
		if err := idx.Insert(int64(i), v); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	return idx, vecs
}

func TestSearch_Empty(t *testing.T) {
	idx := New(8)
	if got := idx.Search(make([]float32, 8), 5); got != nil {
		t.Fatalf("expected nil results, got %v", got)
	}
}

func TestInsert_DimensionMismatch(t *testing.T) {
	idx := New(4)
	if err := idx.Insert(1, []float32{1, 2}); err == nil {
		t.Fatal("expected dimension error")
	}
}

func TestInsert_DuplicateIsNoop(t *testing.T) {
	idx := New(2)
	_ = idx.Insert(1, []float32{1, 0})
	_ = idx.Insert(1, []float32{0, 1})
	if idx.Len() != 1 {
		t.Fatalf("Len = %d, want 1", idx.Len())
	}
}

func TestSearch_ExactVectorRanksFirst(t *testing.T) {
	idx, vecs := buildIndex(t, 300, 32)
	for _, id := range []int64{1, 150, 300} {
		got := idx.Search(vecs[id], 1)
		if len(got) != 1 || got[0].ID != id {
			t.Fatalf("query with vector %d returned %v", id, got)
		}
		if got[0].Similarity < 0.999 {
			t.Fatalf("self-similarity %v, want ~1", got[0].Similarity)
		}
	}
}

func TestSearch_RecallAgainstBruteForce(t *testing.T) {
	idx, vecs := buildIndex(t, 1000, 24)
	rng := rand.New(rand.NewSource(99))
	const k = 10
	hits, total := 0, 0
	for q := 0; q < 30; q++ {
		query := randomVector(24, rng)
		want := bruteForce(query, vecs, k)
		got := idx.Search(query, k)
		wantSet := map[int64]bool{}
		for _, id := range want {
			wantSet[id] = true
		}
		for _, r := range got {
			if wantSet[r.ID] {
				hits++
			}
		}
		total += k
	}
	if recall := float64(hits) / float64(total); recall < 0.9 {
		t.Fatalf("recall@%d = %.2f, want >= 0.90", k, recall)
	}
}

func TestSearch_SortedBySimilarity(t *testing.T) {
	idx, _ := buildIndex(t, 200, 16)
	got := idx.Search(randomVector(16, rand.New(rand.NewSource(5))), 20)
	for i := 1; i < len(got); i++ {
		if got[i].Similarity > got[i-1].Similarity {
			t.Fatalf("results not sorted at %d: %v > %v", i, got[i].Similarity, got[i-1].Similarity)
		}
	}
}

func TestSaveLoad_RoundTripSearch(t *testing.T) {
	idx, vecs := buildIndex(t, 150, 12)
	path := filepath.Join(t.TempDir(), "places.hnsw")
	if err := idx.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Len() != idx.Len() || loaded.Dims() != 12 {
		t.Fatalf("loaded index has %d nodes / %d dims", loaded.Len(), loaded.Dims())
	}
	query := vecs[42]
	a, b := idx.Search(query, 5), loaded.Search(query, 5)
	if len(a) != len(b) {
		t.Fatalf("result count differs: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatalf("result %d differs: %d vs %d", i, a[i].ID, b[i].ID)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.hnsw")); err == nil {
		t.Fatal("expected error")
	}
}
