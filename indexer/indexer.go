// Package indexer walks a workspace, chunks admitted files and commits them
// to the inverted index, optionally embedding every chunk.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yoanbernabeu/codegrep/embedder"
	"github.com/yoanbernabeu/codegrep/index"
	"github.com/yoanbernabeu/codegrep/metrics"
	"github.com/yoanbernabeu/codegrep/store"
	"github.com/yoanbernabeu/codegrep/vector"
)

// Config wires an Indexer. Vectors and Embedder are both nil for a lexical
// only workspace.
type Config struct {
	Walker   *Walker
	Chunker  *Chunker
	Index    *index.Index
	Vectors  *vector.Index
	Embedder embedder.Embedder
	Metrics  *metrics.Metrics

	Workers  int
	MinChars int // chunks shorter than this are not embedded
	MaxChars int // embedded text is truncated to this many runes
}

type Indexer struct {
	walker   *Walker
	chunker  *Chunker
	index    *index.Index
	vectors  *vector.Index
	embedder embedder.Embedder
	metrics  *metrics.Metrics

	workers  int
	minChars int
	maxChars int

	embedOff atomic.Bool
	embedMu  sync.Mutex
	embedErr error
}

// Report summarises a full index run.
type Report struct {
	DocumentsIndexed   int           `json:"documents_indexed"`
	DocumentsUnchanged int           `json:"documents_unchanged"`
	DocumentsRemoved   int           `json:"documents_removed"`
	ChunksIndexed      int           `json:"chunks_indexed"`
	Embedded           int           `json:"embedded"`
	Skipped            int           `json:"skipped"`
	Warnings           []Warning     `json:"warnings"`
	EmbeddingError     string        `json:"embedding_error,omitempty"`
	Duration           time.Duration `json:"duration"`
}

// ProgressInfo contains progress information for indexing
type ProgressInfo struct {
	Current     int    // Files processed so far
	CurrentFile string // Path of the file just processed
}

// ProgressCallback is called for each file during indexing
type ProgressCallback func(info ProgressInfo)

func NewIndexer(cfg Config) *Indexer {
	workers := cfg.Workers
	if workers <= 0 {
		workers = min(4, runtime.NumCPU())
	}
	chunker := cfg.Chunker
	if chunker == nil {
		chunker = NewChunker(DefaultChunkLines, DefaultChunkMaxBytes)
	}
	return &Indexer{
		walker:   cfg.Walker,
		chunker:  chunker,
		index:    cfg.Index,
		vectors:  cfg.Vectors,
		embedder: cfg.Embedder,
		metrics:  cfg.Metrics,
		workers:  workers,
		minChars: cfg.MinChars,
		maxChars: cfg.MaxChars,
	}
}

// Walker returns the walker used for admission checks.
func (ix *Indexer) Walker() *Walker {
	return ix.walker
}

// IndexAll walks the workspace with a pool of workers, commits new and
// changed documents and removes documents whose files are gone or can no
// longer be indexed. Each document is committed on its own, so a cancelled
// run leaves every document either at its previous or its new version; the
// removal of vanished documents only happens after a complete walk.
func (ix *Indexer) IndexAll(ctx context.Context, onProgress ProgressCallback) (*Report, error) {
	start := time.Now()
	report := &Report{}

	existingMap := make(map[string]bool)
	for _, path := range ix.index.Documents().List() {
		existingMap[path] = true
	}

	var (
		mu        sync.Mutex
		processed int
	)
	addWarning := func(w *Warning) {
		log.Printf("Warning: skipping %v", w)
		ix.metrics.Warning(string(w.Kind))
		mu.Lock()
		report.Warnings = append(report.Warnings, *w)
		report.Skipped++
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	candidates := make(chan Candidate, ix.workers*2)

	g.Go(func() error {
		defer close(candidates)
		return ix.walker.Walk(gctx, func(c Candidate) error {
			select {
			case candidates <- c:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}, addWarning)
	})

	for i := 0; i < ix.workers; i++ {
		g.Go(func() error {
			for c := range candidates {
				if err := gctx.Err(); err != nil {
					return err
				}

				f, err := ix.walker.load(c)
				if err != nil {
					var w *Warning
					if errors.As(err, &w) {
						addWarning(w)
					} else {
						log.Printf("Failed to read %s: %v", c.Path, err)
					}
					continue
				}

				changed := ix.NeedsReindex(f)
				var chunks, embedded int
				if changed {
					chunks, embedded, err = ix.indexFile(gctx, f)
				} else {
					embedded, err = ix.embedMissing(gctx, f.Path)
				}
				if err != nil {
					log.Printf("Warning: %v", err)
				}

				mu.Lock()
				existingMap[f.Path] = false
				if changed {
					report.DocumentsIndexed++
					report.ChunksIndexed += chunks
				} else {
					report.DocumentsUnchanged++
				}
				report.Embedded += embedded
				processed++
				current := processed
				mu.Unlock()

				if onProgress != nil {
					onProgress(ProgressInfo{Current: current, CurrentFile: f.Path})
				}
			}
			return nil
		})
	}

	err := g.Wait()
	if embErr := ix.EmbeddingError(); embErr != nil {
		report.EmbeddingError = embErr.Error()
	}
	if err != nil {
		report.Duration = time.Since(start)
		return report, fmt.Errorf("failed to index workspace: %w", err)
	}

	// Remove deleted files
	for path, stale := range existingMap {
		if !stale {
			continue
		}
		if ix.RemoveFile(path) {
			report.DocumentsRemoved++
		}
	}

	report.Duration = time.Since(start)
	ix.metrics.IndexRun(report.Duration)
	return report, nil
}

// Admit runs the single-file admission checks on a workspace-relative path.
func (ix *Indexer) Admit(rel string) (File, error) {
	return ix.walker.Admit(rel)
}

// NeedsReindex reports whether f differs from the committed document.
func (ix *Indexer) NeedsReindex(f File) bool {
	doc, ok := ix.index.Documents().Get(f.Path)
	return !ok || doc.Hash != f.Hash
}

// IndexFile chunks f and commits it, replacing any previous version. The
// lexical commit always happens; a non-nil error means the chunks could not
// be embedded.
func (ix *Indexer) IndexFile(ctx context.Context, f File) (int, error) {
	chunks, _, err := ix.indexFile(ctx, f)
	return chunks, err
}

func (ix *Indexer) indexFile(ctx context.Context, f File) (int, int, error) {
	chunks := ix.chunker.Chunk(f.Path, string(f.Content))

	doc := f.Document()
	doc.IndexedAt = time.Now()
	ix.index.Commit(index.Stage(doc, chunks))
	ix.metrics.FileIndexed(len(chunks))

	if !ix.embeddingsEnabled() {
		return len(chunks), 0, nil
	}
	ix.vectors.Remove(f.Path)
	embedded, err := ix.embed(ctx, f.Path, chunks)
	return len(chunks), embedded, err
}

// embedMissing embeds the chunks of an unchanged document that have no
// vector yet, as after enabling embeddings on a lexical workspace.
func (ix *Indexer) embedMissing(ctx context.Context, path string) (int, error) {
	if !ix.embeddingsEnabled() {
		return 0, nil
	}
	var missing []store.Chunk
	for _, c := range ix.index.Documents().ChunksFor(path) {
		if !ix.vectors.Has(c.ID) {
			missing = append(missing, c)
		}
	}
	return ix.embed(ctx, path, missing)
}

func (ix *Indexer) embed(ctx context.Context, path string, chunks []store.Chunk) (int, error) {
	var texts, ids []string
	for _, c := range chunks {
		text, ok := embedder.Prepare(c.Content, ix.minChars, ix.maxChars)
		if !ok {
			continue
		}
		texts = append(texts, text)
		ids = append(ids, c.ID)
	}
	if len(texts) == 0 {
		return 0, nil
	}

	vecs, err := ix.embedder.EmbedBatch(ctx, texts)
	if err == nil && len(vecs) != len(texts) {
		err = fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vecs), len(texts))
	}
	if err != nil {
		ix.metrics.EmbeddingError()
		err = fmt.Errorf("failed to embed %s: %w", path, err)
		ix.recordEmbeddingError(err)
		return 0, err
	}

	for i, vec := range vecs {
		if err := ix.vectors.Upsert(path, ids[i], vec); err != nil {
			return i, fmt.Errorf("failed to store embedding for %s: %w", path, err)
		}
	}
	ix.metrics.Embedded(len(vecs))
	return len(vecs), nil
}

// RemoveFile drops a document and its embeddings. It reports whether the
// document was indexed.
func (ix *Indexer) RemoveFile(path string) bool {
	if ix.vectors != nil {
		ix.vectors.Remove(path)
	}
	if !ix.index.Remove(path) {
		return false
	}
	ix.metrics.FileRemoved()
	return true
}

func (ix *Indexer) embeddingsEnabled() bool {
	return ix.embedder != nil && ix.vectors != nil && !ix.embedOff.Load()
}

// recordEmbeddingError keeps the first embedding failure. An unavailable
// model switches embedding off for the rest of this indexer's life.
func (ix *Indexer) recordEmbeddingError(err error) {
	if errors.Is(err, embedder.ErrEmbeddingUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		if ix.embedOff.CompareAndSwap(false, true) {
			log.Printf("Warning: embeddings disabled, continuing lexical only: %v", err)
		}
	}
	ix.embedMu.Lock()
	if ix.embedErr == nil {
		ix.embedErr = err
	}
	ix.embedMu.Unlock()
}

// EmbeddingError returns the first embedding failure seen, if any.
func (ix *Indexer) EmbeddingError() error {
	ix.embedMu.Lock()
	defer ix.embedMu.Unlock()
	return ix.embedErr
}
