package indexer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/yoanbernabeu/codegrep/store"
)

const (
	DefaultChunkLines    = 50
	DefaultChunkMaxBytes = 16 << 10
)

// Chunker splits file content into contiguous line ranges. Every line of a
// file belongs to exactly one chunk.
type Chunker struct {
	lines    int
	maxBytes int
}

// NewChunker creates a chunker producing chunks of at most lines lines. A
// chunk is cut early once it reaches maxBytes, but always holds at least one
// line.
func NewChunker(lines, maxBytes int) *Chunker {
	if lines <= 0 {
		lines = DefaultChunkLines
	}
	if maxBytes <= 0 {
		maxBytes = DefaultChunkMaxBytes
	}
	return &Chunker{lines: lines, maxBytes: maxBytes}
}

// Chunk splits content of the file at path. Only empty content yields no
// chunks.
func (c *Chunker) Chunk(path, content string) []store.Chunk {
	if content == "" {
		return nil
	}

	lines := strings.SplitAfter(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	var chunks []store.Chunk
	start := 0
	for start < len(lines) {
		end := start
		size := 0
		for end < len(lines) && end-start < c.lines {
			if end > start && size+len(lines[end]) > c.maxBytes {
				break
			}
			size += len(lines[end])
			end++
		}

		text := strings.Join(lines[start:end], "")
		hash := store.HashContent([]byte(text))
		chunks = append(chunks, store.Chunk{
			ID:        chunkID(path, start+1, end, hash),
			FilePath:  path,
			Ordinal:   len(chunks),
			StartLine: start + 1,
			EndLine:   end,
			Content:   text,
			Hash:      hash,
		})
		start = end
	}
	return chunks
}

func chunkID(path string, start, end int, hash string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d-%d:%s", path, start, end, hash)))
	return hex.EncodeToString(sum[:])[:16]
}
