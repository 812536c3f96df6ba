// Package index implements the inverted index: term postings per chunk,
// BM25 ranking computed per chunk, and phrase matching by position adjacency.
//
// Writers stage a document's postings without holding any lock and then
// commit them, which swaps the document's previous posting set for the new
// one under the write lock. Readers hold the read lock for the whole query,
// so they observe either the old or the new version of a document.
package index

import (
	"errors"
	"fmt"
	"sync"

	"github.com/yoanbernabeu/codegrep/store"
	"github.com/yoanbernabeu/codegrep/tokenizer"
)

const (
	DefaultK1 = 1.2
	DefaultB  = 0.75
)

// ErrInconsistent is returned by Verify when postings and documents disagree.
var ErrInconsistent = errors.New("index postings inconsistent with document store")

// BM25 holds the ranking constants.
type BM25 struct {
	K1 float64
	B  float64
}

// Index is the inverted index over the chunks of a document store.
type Index struct {
	mu   sync.RWMutex
	docs *store.DocumentStore
	bm25 BM25

	postings    map[string]map[string][]int // term -> chunk id -> token positions
	chunkLen    map[string]int              // chunk id -> token count
	chunkDoc    map[string]string           // chunk id -> document path
	docTerms    map[string][]string         // document path -> distinct terms
	totalTokens int64
}

// Staged holds the postings of one document version, built outside the lock.
type Staged struct {
	doc      store.Document
	chunks   []store.Chunk
	postings map[string]map[string][]int
	chunkLen map[string]int
	terms    []string
}

// Snapshot is the serialisable form of the postings.
type Snapshot struct {
	Postings map[string]map[string][]int
	ChunkLen map[string]int
	ChunkDoc map[string]string
	DocTerms map[string][]string
}

// Stats describes the size of the index.
type Stats struct {
	Terms    int `json:"terms"`
	Chunks   int `json:"chunks"`
	Postings int `json:"postings"`
}

// New creates an empty index backed by docs.
func New(docs *store.DocumentStore, bm25 BM25) *Index {
	if bm25.K1 <= 0 {
		bm25.K1 = DefaultK1
	}
	if bm25.B < 0 || bm25.B > 1 {
		bm25.B = DefaultB
	}
	return &Index{
		docs:     docs,
		bm25:     bm25,
		postings: make(map[string]map[string][]int),
		chunkLen: make(map[string]int),
		chunkDoc: make(map[string]string),
		docTerms: make(map[string][]string),
	}
}

// Documents returns the backing document store.
func (idx *Index) Documents() *store.DocumentStore {
	return idx.docs
}

// Stage tokenizes the chunks of doc into a posting set ready for Commit.
func Stage(doc store.Document, chunks []store.Chunk) *Staged {
	st := &Staged{
		doc:      doc,
		chunks:   chunks,
		postings: make(map[string]map[string][]int),
		chunkLen: make(map[string]int, len(chunks)),
	}

	for _, c := range chunks {
		stream := tokenizer.New(c.Content)
		pos := 0
		for {
			tok, ok := stream.Next()
			if !ok {
				break
			}
			byChunk, ok := st.postings[tok.Term]
			if !ok {
				byChunk = make(map[string][]int)
				st.postings[tok.Term] = byChunk
			}
			byChunk[c.ID] = append(byChunk[c.ID], pos)
			pos++
		}
		st.chunkLen[c.ID] = pos
	}

	st.terms = make([]string, 0, len(st.postings))
	for term := range st.postings {
		st.terms = append(st.terms, term)
	}
	return st
}

// Commit atomically replaces every posting of the staged document's previous
// version with the staged ones and stores the document.
func (idx *Index) Commit(st *Staged) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.removeLocked(st.doc.Path)

	for term, byChunk := range st.postings {
		dst, ok := idx.postings[term]
		if !ok {
			dst = make(map[string][]int, len(byChunk))
			idx.postings[term] = dst
		}
		for chunkID, positions := range byChunk {
			dst[chunkID] = positions
		}
	}
	for chunkID, n := range st.chunkLen {
		idx.chunkLen[chunkID] = n
		idx.chunkDoc[chunkID] = st.doc.Path
		idx.totalTokens += int64(n)
	}
	idx.docTerms[st.doc.Path] = st.terms

	idx.docs.Replace(st.doc, st.chunks)
}

// Remove deletes all postings and the document record for path.
// It reports whether the document existed.
func (idx *Index) Remove(path string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.removeLocked(path)
	_, existed := idx.docs.Delete(path)
	return existed
}

func (idx *Index) removeLocked(path string) {
	doc, ok := idx.docs.Get(path)
	if !ok {
		return
	}

	terms := idx.docTerms[path]
	for _, chunkID := range doc.ChunkIDs {
		for _, term := range terms {
			byChunk, ok := idx.postings[term]
			if !ok {
				continue
			}
			delete(byChunk, chunkID)
			if len(byChunk) == 0 {
				delete(idx.postings, term)
			}
		}
		idx.totalTokens -= int64(idx.chunkLen[chunkID])
		delete(idx.chunkLen, chunkID)
		delete(idx.chunkDoc, chunkID)
	}
	delete(idx.docTerms, path)
}

// Stats returns the vocabulary, chunk and posting counts.
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	s := Stats{Terms: len(idx.postings), Chunks: len(idx.chunkLen)}
	for _, byChunk := range idx.postings {
		s.Postings += len(byChunk)
	}
	return s
}

// Snapshot copies the postings for encoding. Callers that need the postings
// and the document store to agree must snapshot both under View.
func (idx *Index) Snapshot() Snapshot {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.snapshotLocked()
}

func (idx *Index) snapshotLocked() Snapshot {
	snap := Snapshot{
		Postings: make(map[string]map[string][]int, len(idx.postings)),
		ChunkLen: make(map[string]int, len(idx.chunkLen)),
		ChunkDoc: make(map[string]string, len(idx.chunkDoc)),
		DocTerms: make(map[string][]string, len(idx.docTerms)),
	}
	for term, byChunk := range idx.postings {
		cp := make(map[string][]int, len(byChunk))
		for id, pos := range byChunk {
			cp[id] = pos
		}
		snap.Postings[term] = cp
	}
	for id, n := range idx.chunkLen {
		snap.ChunkLen[id] = n
	}
	for id, p := range idx.chunkDoc {
		snap.ChunkDoc[id] = p
	}
	for p, terms := range idx.docTerms {
		snap.DocTerms[p] = terms
	}
	return snap
}

// SnapshotAll captures the postings and the document store under one read
// lock so that both describe the same set of commits.
func (idx *Index) SnapshotAll() (Snapshot, store.Snapshot) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.snapshotLocked(), idx.docs.Snapshot()
}

// Restore loads a decoded snapshot pair and checks that they agree.
func (idx *Index) Restore(snap Snapshot, docs store.Snapshot) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.docs.Restore(docs)
	idx.postings = snap.Postings
	idx.chunkLen = snap.ChunkLen
	idx.chunkDoc = snap.ChunkDoc
	idx.docTerms = snap.DocTerms

	if idx.postings == nil {
		idx.postings = make(map[string]map[string][]int)
	}
	if idx.chunkLen == nil {
		idx.chunkLen = make(map[string]int)
	}
	if idx.chunkDoc == nil {
		idx.chunkDoc = make(map[string]string)
	}
	if idx.docTerms == nil {
		idx.docTerms = make(map[string][]string)
	}

	idx.totalTokens = 0
	for _, n := range idx.chunkLen {
		idx.totalTokens += int64(n)
	}

	return idx.verifyLocked()
}

// Verify checks that every posting points at a chunk known to the document store.
func (idx *Index) Verify() error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.verifyLocked()
}

func (idx *Index) verifyLocked() error {
	for chunkID, path := range idx.chunkDoc {
		c, ok := idx.docs.Chunk(chunkID)
		if !ok || c.FilePath != path {
			return fmt.Errorf("%w: chunk %s of %s missing", ErrInconsistent, chunkID, path)
		}
	}
	for term, byChunk := range idx.postings {
		for chunkID := range byChunk {
			if _, ok := idx.chunkLen[chunkID]; !ok {
				return fmt.Errorf("%w: term %q references unknown chunk %s", ErrInconsistent, term, chunkID)
			}
		}
	}
	return nil
}
