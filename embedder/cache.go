package embedder

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"

	"github.com/yoanbernabeu/codegrep/internal/fileutil"
)

const defaultCacheEntries = 10000

// CachedEmbedder memoises the vectors of an inner embedder in an LRU keyed by
// model and text. The cache can be persisted so that rebuilds of unchanged
// content do not re-embed it.
type CachedEmbedder struct {
	inner Embedder
	model string
	cache *lru.Cache
	path  string

	hits   atomic.Int64
	misses atomic.Int64
}

type cacheEntry struct {
	Key    uint64
	Vector []float32
}

// NewCachedEmbedder wraps inner. When path is not empty, entries saved there
// by a previous Save are loaded; a missing or unreadable file starts empty.
func NewCachedEmbedder(inner Embedder, model string, entries int, path string) (*CachedEmbedder, error) {
	if entries <= 0 {
		entries = defaultCacheEntries
	}
	cache, err := lru.New(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}

	c := &CachedEmbedder{inner: inner, model: model, cache: cache, path: path}
	if path != "" {
		c.load()
	}
	return c, nil
}

func (c *CachedEmbedder) key(text string) uint64 {
	return xxhash.Sum64String(c.model + "\x00" + text)
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		if v, ok := c.cache.Get(c.key(text)); ok {
			out[i] = v.([]float32)
			c.hits.Add(1)
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}
	c.misses.Add(int64(len(missing)))

	vecs, err := c.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		out[missingIdx[j]] = vec
		c.cache.Add(c.key(missing[j]), vec)
	}
	return out, nil
}

func (c *CachedEmbedder) Dimensions() int {
	return c.inner.Dimensions()
}

func (c *CachedEmbedder) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

// Close persists the cache and closes the inner embedder.
func (c *CachedEmbedder) Close() error {
	saveErr := c.Save()
	if err := c.inner.Close(); err != nil {
		return err
	}
	return saveErr
}

// Stats returns the hit and miss counts since creation.
func (c *CachedEmbedder) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of cached vectors.
func (c *CachedEmbedder) Len() int {
	return c.cache.Len()
}

// Save writes the cache to its file, oldest entries first so that a reload
// keeps the recency order.
func (c *CachedEmbedder) Save() error {
	if c.path == "" {
		return nil
	}

	keys := c.cache.Keys()
	entries := make([]cacheEntry, 0, len(keys))
	for _, k := range keys {
		if v, ok := c.cache.Peek(k); ok {
			entries = append(entries, cacheEntry{Key: k.(uint64), Vector: v.([]float32)})
		}
	}

	err := fileutil.WriteFileAtomically(c.path, func(w io.Writer) error {
		return gob.NewEncoder(w).Encode(entries)
	})
	if err != nil {
		return fmt.Errorf("failed to save embedding cache: %w", err)
	}
	return nil
}

func (c *CachedEmbedder) load() {
	f, err := os.Open(c.path)
	if err != nil {
		return
	}
	defer f.Close()

	var entries []cacheEntry
	if err := gob.NewDecoder(f).Decode(&entries); err != nil {
		return
	}
	for _, e := range entries {
		c.cache.Add(e.Key, e.Vector)
	}
}
