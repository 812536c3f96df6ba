package vector

import (
	"math"
	"math/rand"

	"github.com/coder/hnsw"
)

// HNSW is an approximate backend over a hierarchical navigable small-world
// graph. Every Add gets a fresh graph key, so a replaced or deleted chunk
// leaves its old node behind as a routing point; results skip it and the
// owning Index rebuilds the graph once such nodes outnumber live ones.
type HNSW struct {
	graph          *hnsw.Graph[uint64]
	efConstruction int
	efSearch       int

	next  uint64
	keyOf map[string]uint64 // chunk id -> live graph key
	idOf  map[uint64]string // graph key -> chunk id, live and stale
}

// NewHNSW creates an empty graph with m links per node. efConstruction is
// the beam width while inserting, efSearch while querying.
func NewHNSW(m, efConstruction, efSearch int) *HNSW {
	if m < 2 {
		m = 2
	}
	g := hnsw.NewGraph[uint64]()
	g.M = m
	g.Ml = 1 / math.Log(float64(m))
	g.EfSearch = efSearch
	g.Distance = hnsw.CosineDistance
	g.Rng = rand.New(rand.NewSource(1))

	return &HNSW{
		graph:          g,
		efConstruction: max(efConstruction, efSearch),
		efSearch:       efSearch,
		keyOf:          make(map[string]uint64),
		idOf:           make(map[uint64]string),
	}
}

// Len returns the number of live nodes.
func (h *HNSW) Len() int {
	return len(h.keyOf)
}

// Tombstones returns the number of stale nodes still in the graph.
func (h *HNSW) Tombstones() int {
	return len(h.idOf) - len(h.keyOf)
}

// Delete retires the node of id.
func (h *HNSW) Delete(id string) {
	delete(h.keyOf, id)
}

// Add inserts vec under id, retiring any previous node of id.
func (h *HNSW) Add(id string, vec []float32) {
	h.next++
	key := h.next
	h.keyOf[id] = key
	h.idOf[key] = id

	// Writers hold the Index lock exclusively, so the beam can be widened
	// for the insert without racing a query.
	h.graph.EfSearch = h.efConstruction
	h.graph.Add(hnsw.MakeNode(key, vec))
	h.graph.EfSearch = h.efSearch
}

// Search returns the k nearest live nodes to query.
func (h *HNSW) Search(query []float32, k int) []Result {
	if len(h.keyOf) == 0 {
		return nil
	}
	if k <= 0 || k > len(h.keyOf) {
		k = len(h.keyOf)
	}

	// Stale nodes take result slots; ask for enough to cover them.
	want := min(k+h.Tombstones(), len(h.idOf))
	var results []Result
	for _, n := range h.graph.Search(query, want) {
		id, ok := h.idOf[n.Key]
		if !ok || h.keyOf[id] != n.Key {
			continue
		}
		results = append(results, Result{ID: id, Score: dot(query, n.Value)})
	}
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results
}
