package store

import (
	"sort"
	"sync"
)

// DocumentStore keeps document metadata and chunk contents in memory.
// Persistence is handled by the owning workspace through Snapshot/Restore.
type DocumentStore struct {
	chunks    map[string]Chunk    // id -> chunk
	documents map[string]Document // path -> document
	mu        sync.RWMutex
}

// Snapshot is the serialisable form of a DocumentStore.
type Snapshot struct {
	Chunks    map[string]Chunk
	Documents map[string]Document
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		chunks:    make(map[string]Chunk),
		documents: make(map[string]Document),
	}
}

// Replace swaps the stored version of doc and its chunks for the given one.
// It returns the ids of chunks that belonged to the previous version and are
// no longer referenced.
func (s *DocumentStore) Replace(doc Document, chunks []Chunk) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]bool, len(chunks))
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		keep[c.ID] = true
		ids[i] = c.ID
	}

	var stale []string
	if old, ok := s.documents[doc.Path]; ok {
		for _, id := range old.ChunkIDs {
			if !keep[id] {
				delete(s.chunks, id)
				stale = append(stale, id)
			}
		}
	}

	for _, c := range chunks {
		s.chunks[c.ID] = c
	}
	doc.ChunkIDs = ids
	s.documents[doc.Path] = doc

	return stale
}

// Delete removes a document and its chunks. It returns the removed document.
func (s *DocumentStore) Delete(path string) (Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[path]
	if !ok {
		return Document{}, false
	}
	for _, id := range doc.ChunkIDs {
		delete(s.chunks, id)
	}
	delete(s.documents, path)
	return doc, true
}

func (s *DocumentStore) Get(path string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[path]
	return doc, ok
}

func (s *DocumentStore) Chunk(id string) (Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chunks[id]
	return c, ok
}

func (s *DocumentStore) ChunksFor(path string) []Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[path]
	if !ok {
		return nil
	}

	chunks := make([]Chunk, 0, len(doc.ChunkIDs))
	for _, id := range doc.ChunkIDs {
		if c, ok := s.chunks[id]; ok {
			chunks = append(chunks, c)
		}
	}
	return chunks
}

func (s *DocumentStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, 0, len(s.documents))
	for p := range s.documents {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (s *DocumentStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		TotalDocuments: len(s.documents),
		TotalChunks:    len(s.chunks),
		Extensions:     make(map[string]int),
	}
	for _, doc := range s.documents {
		if doc.IndexedAt.After(stats.LastUpdated) {
			stats.LastUpdated = doc.IndexedAt
		}
		ext := doc.Ext()
		if ext == "" {
			ext = "(none)"
		}
		stats.Extensions[ext]++
	}
	return stats
}

// Snapshot returns a deep enough copy of the store for encoding.
func (s *DocumentStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Chunks:    make(map[string]Chunk, len(s.chunks)),
		Documents: make(map[string]Document, len(s.documents)),
	}
	for id, c := range s.chunks {
		snap.Chunks[id] = c
	}
	for p, d := range s.documents {
		d.ChunkIDs = append([]string(nil), d.ChunkIDs...)
		snap.Documents[p] = d
	}
	return snap
}

// Restore replaces the store contents with a decoded snapshot.
func (s *DocumentStore) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chunks = snap.Chunks
	s.documents = snap.Documents

	if s.chunks == nil {
		s.chunks = make(map[string]Chunk)
	}
	if s.documents == nil {
		s.documents = make(map[string]Document)
	}
}
