// Package vector holds chunk embeddings and answers nearest-neighbour queries
// by cosine similarity. The index is optional: a workspace built without
// embeddings has no vector index at all.
package vector

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/yoanbernabeu/codegrep/internal/fileutil"
)

// Backend names.
const (
	BackendAuto       = "auto"
	BackendHNSW       = "hnsw"
	BackendBruteForce = "bruteforce"
)

// ErrDimensionMismatch is returned when a vector does not match the index dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Result is one neighbour. Higher Score means more similar.
type Result struct {
	ID    string
	Score float64
}

// Backend is a nearest-neighbour structure over unit-length vectors.
type Backend interface {
	Add(id string, vec []float32)
	Delete(id string)
	Search(query []float32, k int) []Result
	Len() int
}

// Config selects and tunes the backend.
type Config struct {
	Backend        string
	M              int
	EfConstruction int
	EfSearch       int
	ExactThreshold int
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendAuto,
		M:              16,
		EfConstruction: 200,
		EfSearch:       64,
		ExactThreshold: 2000,
	}
}

// Index maps chunk ids to embeddings and remembers which document owns each
// chunk so that a whole document can be removed at once.
type Index struct {
	mu      sync.RWMutex
	cfg     Config
	dim     int
	backend Backend
	kind    string

	vectors map[string][]float32       // chunk id -> unit vector
	owner   map[string]string          // chunk id -> document path
	byDoc   map[string]map[string]bool // document path -> chunk ids
}

// New creates an empty index.
func New(cfg Config) *Index {
	def := DefaultConfig()
	if cfg.Backend == "" {
		cfg.Backend = def.Backend
	}
	if cfg.M <= 0 {
		cfg.M = def.M
	}
	if cfg.EfConstruction <= 0 {
		cfg.EfConstruction = def.EfConstruction
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = def.EfSearch
	}
	if cfg.ExactThreshold <= 0 {
		cfg.ExactThreshold = def.ExactThreshold
	}

	idx := &Index{
		cfg:     cfg,
		vectors: make(map[string][]float32),
		owner:   make(map[string]string),
		byDoc:   make(map[string]map[string]bool),
	}
	idx.kind = idx.wantKind(0)
	idx.backend = idx.newBackend(idx.kind)
	return idx
}

func (idx *Index) wantKind(n int) string {
	switch idx.cfg.Backend {
	case BackendHNSW, BackendBruteForce:
		return idx.cfg.Backend
	}
	if n > idx.cfg.ExactThreshold {
		return BackendHNSW
	}
	return BackendBruteForce
}

func (idx *Index) newBackend(kind string) Backend {
	if kind == BackendHNSW {
		return NewHNSW(idx.cfg.M, idx.cfg.EfConstruction, idx.cfg.EfSearch)
	}
	return NewBruteForce()
}

// Upsert stores vec as the embedding of chunk id, owned by document path.
// A previous embedding of the same chunk is replaced.
func (idx *Index) Upsert(path, id string, vec []float32) error {
	unit, err := normalize(vec)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.dim == 0 {
		idx.dim = len(unit)
	}
	if len(unit) != idx.dim {
		return fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(unit), idx.dim)
	}

	if prev, ok := idx.owner[id]; ok {
		idx.backend.Delete(id)
		delete(idx.byDoc[prev], id)
	}
	idx.vectors[id] = unit
	idx.owner[id] = path
	if idx.byDoc[path] == nil {
		idx.byDoc[path] = make(map[string]bool)
	}
	idx.byDoc[path][id] = true
	idx.backend.Add(id, unit)

	if kind := idx.wantKind(len(idx.vectors)); kind != idx.kind {
		idx.rebuildLocked(kind)
		return nil
	}
	idx.compactLocked()
	return nil
}

// Remove drops every embedding owned by document path and returns how many
// were removed.
func (idx *Index) Remove(path string) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	ids := idx.byDoc[path]
	for id := range ids {
		idx.backend.Delete(id)
		delete(idx.vectors, id)
		delete(idx.owner, id)
	}
	delete(idx.byDoc, path)

	idx.compactLocked()
	return len(ids)
}

// compactLocked rebuilds a graph backend once deleted nodes outnumber live ones.
func (idx *Index) compactLocked() {
	if h, ok := idx.backend.(*HNSW); ok && h.Tombstones() > h.Len() {
		idx.rebuildLocked(idx.kind)
	}
}

// Has reports whether chunk id has an embedding.
func (idx *Index) Has(id string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.vectors[id]
	return ok
}

// Query returns up to k chunk ids nearest to vec.
func (idx *Index) Query(vec []float32, k int) ([]Result, error) {
	unit, err := normalize(vec)
	if err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.vectors) == 0 {
		return nil, nil
	}
	if len(unit) != idx.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(unit), idx.dim)
	}
	return idx.backend.Search(unit, k), nil
}

// Len returns the number of stored embeddings.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}

// Dimensions returns the vector dimension, or zero for an empty index.
func (idx *Index) Dimensions() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dim
}

// Kind returns the active backend name.
func (idx *Index) Kind() string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.kind
}

func (idx *Index) rebuildLocked(kind string) {
	ids := make([]string, 0, len(idx.vectors))
	for id := range idx.vectors {
		ids = append(ids, id)
	}
	// Stable insertion order keeps HNSW graphs reproducible.
	sort.Strings(ids)

	b := idx.newBackend(kind)
	for _, id := range ids {
		b.Add(id, idx.vectors[id])
	}
	idx.backend = b
	idx.kind = kind
}

// snapshot is the on-disk form of an Index. The graph itself is rebuilt
// on load from the stored vectors.
type snapshot struct {
	Dim     int
	Vectors map[string][]float32
	Owner   map[string]string
}

// Save writes the index to path atomically.
func (idx *Index) Save(path string) error {
	idx.mu.RLock()
	snap := snapshot{Dim: idx.dim, Vectors: idx.vectors, Owner: idx.owner}
	err := fileutil.WriteFileAtomically(path, func(w io.Writer) error {
		return gob.NewEncoder(w).Encode(&snap)
	})
	idx.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to save vector index: %w", err)
	}
	return nil
}

// Load reads an index written by Save.
func Load(path string, cfg Config) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode vector index: %w", err)
	}

	idx := New(cfg)
	idx.dim = snap.Dim
	for id, vec := range snap.Vectors {
		if len(vec) != snap.Dim {
			return nil, fmt.Errorf("%w: chunk %s", ErrDimensionMismatch, id)
		}
		path, ok := snap.Owner[id]
		if !ok {
			return nil, fmt.Errorf("vector for chunk %s has no owner", id)
		}
		idx.vectors[id] = vec
		idx.owner[id] = path
		if idx.byDoc[path] == nil {
			idx.byDoc[path] = make(map[string]bool)
		}
		idx.byDoc[path][id] = true
	}
	idx.rebuildLocked(idx.wantKind(len(idx.vectors)))
	return idx, nil
}

func normalize(vec []float32) ([]float32, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, errors.New("vector has zero or invalid magnitude")
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) * inv)
	}
	return out, nil
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
