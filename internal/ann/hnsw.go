// Package ann provides an in-memory HNSW (Hierarchical Navigable Small
// World) index for the local gazetteer. Place-name embeddings are inserted
// once at startup; queries return the nearest places by cosine similarity.
//
// Algorithm: Malkov & Yashunin (2018), https://arxiv.org/abs/1603.09320.
package ann

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
)

// Default tuning parameters. A gazetteer of a few thousand places is small,
// so build quality is favoured over build speed.
const (
	DefaultM              = 16
	DefaultEfConstruction = 200
	DefaultEfSearch       = 64
)

// Result is one search hit.
type Result struct {
	ID         int64
	Similarity float32 // cosine similarity, higher is closer
}

// Index is safe for concurrent use: searches share a read lock, inserts take
// the write lock.
type Index struct {
	mu    sync.RWMutex
	dims  int
	nodes []node
	byID  map[int64]int
	entry int
	top   int

	m              int
	m0             int
	efConstruction int
	efSearch       int
	levelMult      float64
	rng            *rand.Rand
}

type node struct {
	id    int64
	vec   []float32
	links [][]int // links[layer]
}

// New creates an index for vectors of the given dimensionality.
func New(dims int) *Index {
	return NewWithParams(dims, DefaultM, DefaultEfConstruction, DefaultEfSearch)
}

// NewWithParams creates an index with custom graph parameters.
func NewWithParams(dims, m, efConstruction, efSearch int) *Index {
	if m < 2 {
		m = 2
	}
	return &Index{
		dims:           dims,
		byID:           make(map[int64]int),
		entry:          -1,
		top:            -1,
		m:              m,
		m0:             2 * m,
		efConstruction: efConstruction,
		efSearch:       efSearch,
		levelMult:      1 / math.Log(float64(m)),
		rng:            rand.New(rand.NewSource(7)),
	}
}

// Dims returns the vector dimensionality.
func (idx *Index) Dims() int { return idx.dims }

// Len returns the number of indexed vectors.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

// Has reports whether id is indexed.
func (idx *Index) Has(id int64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.byID[id]
	return ok
}

// Insert adds a vector. Re-inserting a known id is a no-op.
func (idx *Index) Insert(id int64, vec []float32) error {
	if len(vec) != idx.dims {
		return fmt.Errorf("ann: vector for %d has %d dims, index has %d", id, len(vec), idx.dims)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.byID[id]; ok {
		return nil
	}
	level := int(math.Floor(-math.Log(math.Max(idx.rng.Float64(), 1e-12)) * idx.levelMult))
	n := len(idx.nodes)
	idx.nodes = append(idx.nodes, node{id: id, vec: vec, links: make([][]int, level+1)})
	idx.byID[id] = n

	if idx.entry < 0 {
		idx.entry, idx.top = n, level
		return nil
	}

	ep := idx.entry
	for l := idx.top; l > level; l-- {
		ep = idx.descend(vec, ep, l)
	}
	for l := min(level, idx.top); l >= 0; l-- {
		found := idx.searchLayer(vec, ep, idx.efConstruction, l)
		limit := idx.maxLinks(l)
		neighbours := closest(found, limit)
		idx.nodes[n].links[l] = neighbours
		for _, nb := range neighbours {
			links := append(idx.nodes[nb].links[l], n)
			if len(links) > limit {
				links = idx.prune(nb, links, limit)
			}
			idx.nodes[nb].links[l] = links
		}
		ep = found[0].node
	}
	if level > idx.top {
		idx.entry, idx.top = n, level
	}
	return nil
}

// Search returns up to k nearest vectors, most similar first.
func (idx *Index) Search(query []float32, k int) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.entry < 0 || k <= 0 || len(query) != idx.dims {
		return nil
	}
	ep := idx.entry
	for l := idx.top; l > 0; l-- {
		ep = idx.descend(query, ep, l)
	}
	found := idx.searchLayer(query, ep, max(idx.efSearch, k), 0)
	if len(found) > k {
		found = found[:k]
	}
	out := make([]Result, len(found))
	for i, c := range found {
		out[i] = Result{ID: idx.nodes[c.node].id, Similarity: 1 - c.dist}
	}
	return out
}

func (idx *Index) maxLinks(layer int) int {
	if layer == 0 {
		return idx.m0
	}
	return idx.m
}

// descend walks greedily toward query on one layer.
func (idx *Index) descend(query []float32, ep, layer int) int {
	best := cosineDistance(query, idx.nodes[ep].vec)
	for moved := true; moved; {
		moved = false
		for _, nb := range idx.linksAt(ep, layer) {
			if d := cosineDistance(query, idx.nodes[nb].vec); d < best {
				ep, best, moved = nb, d, true
			}
		}
	}
	return ep
}

func (idx *Index) linksAt(n, layer int) []int {
	if layer < len(idx.nodes[n].links) {
		return idx.nodes[n].links[layer]
	}
	return nil
}

// searchLayer is the beam search of the paper. It returns up to ef nodes
// sorted by ascending distance.
func (idx *Index) searchLayer(query []float32, ep, ef, layer int) []scored {
	start := scored{node: ep, dist: cosineDistance(query, idx.nodes[ep].vec)}
	visited := map[int]struct{}{ep: {}}
	frontier := &minHeap{start}
	best := &maxHeap{start}

	for frontier.Len() > 0 {
		c := heap.Pop(frontier).(scored)
		if best.Len() >= ef && c.dist > (*best)[0].dist {
			break
		}
		for _, nb := range idx.linksAt(c.node, layer) {
			if _, seen := visited[nb]; seen {
				continue
			}
			visited[nb] = struct{}{}
			d := cosineDistance(query, idx.nodes[nb].vec)
			if best.Len() < ef || d < (*best)[0].dist {
				heap.Push(frontier, scored{nb, d})
				heap.Push(best, scored{nb, d})
				if best.Len() > ef {
					heap.Pop(best)
				}
			}
		}
	}

	out := make([]scored, best.Len())
	copy(out, *best)
	sort.Slice(out, func(i, j int) bool { return out[i].dist < out[j].dist })
	return out
}

// prune keeps the limit links of n closest to it.
func (idx *Index) prune(n int, links []int, limit int) []int {
	cands := make([]scored, len(links))
	for i, l := range links {
		cands[i] = scored{l, cosineDistance(idx.nodes[n].vec, idx.nodes[l].vec)}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	return closest(cands, limit)
}

func closest(sortedCands []scored, limit int) []int {
	if len(sortedCands) > limit {
		sortedCands = sortedCands[:limit]
	}
	out := make([]int, len(sortedCands))
	for i, c := range sortedCands {
		out[i] = c.node
	}
	return out
}

type scored struct {
	node int
	dist float32
}

type minHeap []scored

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(scored)) }
func (h *minHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

type maxHeap []scored

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(scored)) }
func (h *maxHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// cosineDistance is 1 - cosine similarity, in [0, 2]. Zero vectors are
// maximally distant.
func cosineDistance(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return float32(1 - dot/(math.Sqrt(na)*math.Sqrt(nb)))
}
