package store

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
	"time"
)

// Chunk is a contiguous line range of a document. Chunks of one document
// cover the whole file with no gaps and no overlaps.
type Chunk struct {
	ID        string `json:"id"`
	FilePath  string `json:"file_path"`
	Ordinal   int    `json:"ordinal"`    // position of the chunk inside its document
	StartLine int    `json:"start_line"` // 1-based, inclusive
	EndLine   int    `json:"end_line"`   // 1-based, inclusive
	Content   string `json:"content"`
	Hash      string `json:"hash"` // SHA256 of the chunk content
}

// Document is one indexed file.
type Document struct {
	Path      string    `json:"path"` // relative to the workspace root, slash separated
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mod_time"`
	Hash      string    `json:"hash"`
	ChunkIDs  []string  `json:"chunk_ids"`
	IndexedAt time.Time `json:"indexed_at"`
}

// Ext returns the lower-cased extension of the document without the dot.
func (d Document) Ext() string {
	return NormalizeExt(path.Ext(d.Path))
}

// Stats summarises the store contents.
type Stats struct {
	TotalDocuments int            `json:"total_documents"`
	TotalChunks    int            `json:"total_chunks"`
	LastUpdated    time.Time      `json:"last_updated"`
	Extensions     map[string]int `json:"extensions"`
}

// Reader is the read side of the document store used by the query path.
type Reader interface {
	// Get returns the document stored under path
	Get(path string) (Document, bool)

	// Chunk returns a chunk by id
	Chunk(id string) (Chunk, bool)

	// ChunksFor returns the chunks of a document in line order
	ChunksFor(path string) []Chunk

	// List returns all document paths in lexical order
	List() []string

	// Stats returns document and chunk counts
	Stats() Stats
}

// HashContent returns the hex SHA256 of data.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NormalizeExt lower-cases an extension and strips a leading dot.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
