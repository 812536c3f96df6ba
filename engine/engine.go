// Package engine is the entry point used by the command line and the MCP
// server. It resolves workspace paths, opens their indexes through the
// workspace manager and runs indexing, watching and search on them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/yoanbernabeu/codegrep/config"
	"github.com/yoanbernabeu/codegrep/embedder"
	"github.com/yoanbernabeu/codegrep/index"
	"github.com/yoanbernabeu/codegrep/indexer"
	"github.com/yoanbernabeu/codegrep/internal/fileutil"
	"github.com/yoanbernabeu/codegrep/metrics"
	"github.com/yoanbernabeu/codegrep/search"
	"github.com/yoanbernabeu/codegrep/tokenizer"
	"github.com/yoanbernabeu/codegrep/vector"
	"github.com/yoanbernabeu/codegrep/workspace"
)

// IndexOptions controls Engine.Index.
type IndexOptions struct {
	// IncludeEmbeddings builds the vector index next to the lexical one.
	// Without it any existing vectors are dropped.
	IncludeEmbeddings bool

	// ForceRebuild discards the stored index first. It is required after a
	// schema or tokenizer version change.
	ForceRebuild bool

	OnProgress indexer.ProgressCallback
}

// IndexReport is the outcome of Engine.Index.
type IndexReport struct {
	WorkspaceID        string            `json:"workspace_id"`
	WorkspacePath      string            `json:"workspace_path"`
	DocumentsIndexed   int               `json:"documents_indexed"`
	DocumentsUnchanged int               `json:"documents_unchanged"`
	DocumentsRemoved   int               `json:"documents_removed"`
	ChunksIndexed      int               `json:"chunks_indexed"`
	Embedded           int               `json:"embedded"`
	Skipped            int               `json:"skipped"`
	Warnings           []indexer.Warning `json:"warnings"`
	EmbeddingError     string            `json:"embedding_error,omitempty"`
	Rebuilt            bool              `json:"rebuilt"`
	DurationMs         int64             `json:"duration_ms"`
}

// SearchOptions narrows and sizes a search.
type SearchOptions struct {
	Limit      int
	Extensions []string
	PathPrefix string
	TextOnly   bool
}

// Status describes the index of one workspace.
type Status struct {
	WorkspaceID       string             `json:"workspace_id"`
	WorkspacePath     string             `json:"workspace_path"`
	IndexPath         string             `json:"index_path"`
	Indexed           bool               `json:"indexed"`
	Stale             bool               `json:"stale,omitempty"`
	DocumentCount     int                `json:"document_count"`
	ChunkCount        int                `json:"chunk_count"`
	SizeOnDisk        int64              `json:"size_on_disk"`
	TokenizerVersion  int                `json:"tokenizer_version"`
	SchemaVersion     int                `json:"schema_version"`
	LastUpdated       time.Time          `json:"last_updated"`
	EmbeddingsPresent bool               `json:"embeddings_present"`
	EmbeddingModel    string             `json:"embedding_model,omitempty"`
	Extensions        map[string]int     `json:"extensions,omitempty"`
	Metrics           map[string]float64 `json:"metrics,omitempty"`
}

// Engine serves every workspace under one data root. It is safe for
// concurrent use.
type Engine struct {
	cfg     *config.Config
	dataDir string
	manager *workspace.Manager
	metrics *metrics.Metrics

	fixedEmbedder embedder.Embedder
	fixedModel    string

	mu        sync.Mutex
	embedders map[string]embedder.Embedder
	snapshots map[string]*snapshot
	watches   map[string]*WatchHandle
}

// snapshot is a read-only workspace kept open between searches until its
// index is saved again.
type snapshot struct {
	ws      *workspace.Workspace
	updated time.Time
}

type Option func(*Engine)

// WithConfig uses cfg for every workspace instead of loading the user and
// project configuration files.
func WithConfig(cfg *config.Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithDataDir overrides the data root.
func WithDataDir(dir string) Option {
	return func(e *Engine) {
		e.dataDir = dir
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithEmbedder uses emb for every workspace. model names the vectors it
// produces.
func WithEmbedder(emb embedder.Embedder, model string) Option {
	return func(e *Engine) {
		e.fixedEmbedder = emb
		e.fixedModel = model
	}
}

// New opens the engine on its data root.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		embedders: make(map[string]embedder.Embedder),
		snapshots: make(map[string]*snapshot),
		watches:   make(map[string]*WatchHandle),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}

	base := e.cfg
	if base == nil {
		cfg, err := config.Load("")
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		base = cfg
	}
	if e.dataDir == "" {
		e.dataDir = base.DataDir
	}
	if e.dataDir == "" {
		dir, err := config.DefaultDataDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine data directory: %w", err)
		}
		e.dataDir = dir
	}

	manager, err := workspace.NewManager(e.dataDir,
		workspace.WithBM25(bm25Of(base)),
		workspace.WithVectorConfig(vectorConfigOf(base)),
	)
	if err != nil {
		return nil, err
	}
	e.manager = manager
	return e, nil
}

// Close stops running watches and releases every open index.
func (e *Engine) Close() error {
	e.mu.Lock()
	watches := make([]*WatchHandle, 0, len(e.watches))
	for _, h := range e.watches {
		watches = append(watches, h)
	}
	e.mu.Unlock()
	for _, h := range watches {
		h.Close()
	}

	e.mu.Lock()
	for id, s := range e.snapshots {
		s.ws.Close()
		delete(e.snapshots, id)
	}
	for model, emb := range e.embedders {
		if err := emb.Close(); err != nil {
			log.Printf("Failed to close embedder %s: %v", model, err)
		}
		delete(e.embedders, model)
	}
	e.mu.Unlock()

	return e.manager.Close()
}

func (e *Engine) Manager() *workspace.Manager {
	return e.manager
}

func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// DataDir returns the data root.
func (e *Engine) DataDir() string {
	return e.dataDir
}

// resolve canonicalizes a workspace path and loads its configuration.
func (e *Engine) resolve(path string) (string, *config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil, inputError("workspace path", "empty", nil)
	}
	canonical, err := workspace.Canonicalize(path)
	if err != nil {
		return "", nil, inputError("workspace path", path, err)
	}
	if e.cfg != nil {
		return canonical, e.cfg, nil
	}
	cfg, err := config.Load(canonical)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load config: %w", err)
	}
	return canonical, cfg, nil
}

// openWritable takes the writer lock on a workspace. A corrupted index is
// always rebuilt; the boolean reports whether the index starts empty.
func (e *Engine) openWritable(ctx context.Context, canonical string, cfg *config.Config, rebuild bool) (*workspace.Workspace, bool, error) {
	opts := workspace.OpenOptions{
		Write:   true,
		Rebuild: rebuild,
		BM25:    bm25Of(cfg),
		Vectors: vectorConfigOf(cfg),
	}
	ws, err := e.manager.Open(ctx, canonical, opts)
	if err != nil && !rebuild && errors.Is(err, workspace.ErrIndexCorruption) {
		log.Printf("Warning: rebuilding index of %s: %v", canonical, err)
		opts.Rebuild = true
		ws, err = e.manager.Open(ctx, canonical, opts)
		rebuild = true
	}
	if err != nil {
		return nil, false, err
	}
	return ws, rebuild, nil
}

func (e *Engine) newIndexer(ws *workspace.Workspace, cfg *config.Config, vecs *vector.Index, emb embedder.Embedder) (*indexer.Indexer, error) {
	matcher, err := indexer.NewIgnoreMatcher(ws.Path(), indexer.IgnoreOptions{
		Patterns:         cfg.Indexer.Ignore,
		RespectGitignore: cfg.Indexer.Gitignore(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load ignore rules: %w", err)
	}
	walker := indexer.NewWalker(ws.Path(), matcher, indexer.WalkOptions{
		MaxFileSize:       cfg.Indexer.MaxFileSize,
		FollowSymlinks:    cfg.Indexer.Follow(),
		IncludeHidden:     cfg.Indexer.IncludeHidden,
		IncludeExtensions: cfg.Indexer.IncludeExtensions,
	})
	return indexer.NewIndexer(indexer.Config{
		Walker:   walker,
		Chunker:  indexer.NewChunker(cfg.Indexer.ChunkLines, cfg.Indexer.ChunkMaxBytes),
		Index:    ws.Index(),
		Vectors:  vecs,
		Embedder: emb,
		Metrics:  e.metrics,
		Workers:  cfg.Indexer.Workers,
		MinChars: cfg.Embedder.MinChars,
		MaxChars: cfg.Embedder.MaxChars,
	}), nil
}

// embedderFor returns the shared embedder of cfg's model and the model name.
func (e *Engine) embedderFor(cfg *config.Config) (embedder.Embedder, string, error) {
	if e.fixedEmbedder != nil {
		return e.fixedEmbedder, e.fixedModel, nil
	}
	model := embedder.ModelName(cfg.Embedder)

	e.mu.Lock()
	defer e.mu.Unlock()
	if emb, ok := e.embedders[model]; ok {
		return emb, model, nil
	}
	emb, err := embedder.NewFromConfig(cfg.Embedder, e.manager.ModelsDir())
	if err != nil {
		return nil, "", err
	}
	e.embedders[model] = emb
	return emb, model, nil
}

// readyEmbedder returns an embedder that answered within the init timeout.
func (e *Engine) readyEmbedder(ctx context.Context, cfg *config.Config) (embedder.Embedder, string, error) {
	emb, model, err := e.embedderFor(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", embedder.ErrEmbeddingUnavailable, err)
	}
	if err := embedder.Init(ctx, emb, cfg.Embedder.InitTimeout); err != nil {
		return nil, "", err
	}
	return emb, model, nil
}

func saveEmbeddingCache(emb embedder.Embedder) {
	if c, ok := emb.(*embedder.CachedEmbedder); ok {
		if err := c.Save(); err != nil {
			log.Printf("Warning: %v", err)
		}
	}
}

// Index brings the index of the workspace at path in line with its files.
// Unchanged documents are kept, so a second run only touches what changed.
// A corrupted index is rebuilt from scratch; a version mismatch needs
// ForceRebuild. Cancelling ctx keeps the documents committed so far.
func (e *Engine) Index(ctx context.Context, path string, opts IndexOptions) (*IndexReport, error) {
	start := time.Now()
	canonical, cfg, err := e.resolve(path)
	if err != nil {
		return nil, err
	}

	ws, rebuilt, err := e.openWritable(ctx, canonical, cfg, opts.ForceRebuild)
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	report := &IndexReport{
		WorkspaceID:   ws.ID(),
		WorkspacePath: ws.Path(),
		Rebuilt:       rebuilt,
	}

	var emb embedder.Embedder
	vecs := ws.Vectors()
	if opts.IncludeEmbeddings {
		var model string
		emb, model, err = e.readyEmbedder(ctx, cfg)
		if err != nil {
			log.Printf("Warning: indexing %s without embeddings: %v", canonical, err)
			report.EmbeddingError = err.Error()
			emb = nil
		} else {
			vecs = ws.EnableVectors(model, emb.Dimensions())
		}
	} else if vecs != nil {
		ws.DisableVectors()
		vecs = nil
	}

	ix, err := e.newIndexer(ws, cfg, vecs, emb)
	if err != nil {
		return nil, err
	}
	res, runErr := ix.IndexAll(ctx, opts.OnProgress)
	if res != nil {
		report.DocumentsIndexed = res.DocumentsIndexed
		report.DocumentsUnchanged = res.DocumentsUnchanged
		report.DocumentsRemoved = res.DocumentsRemoved
		report.ChunksIndexed = res.ChunksIndexed
		report.Embedded = res.Embedded
		report.Skipped = res.Skipped
		report.Warnings = res.Warnings
		if report.EmbeddingError == "" {
			report.EmbeddingError = res.EmbeddingError
		}
	}

	// Documents committed before a cancellation are complete and kept.
	if err := ws.Save(); err != nil {
		return report, fmt.Errorf("failed to save index: %w", err)
	}
	if emb != nil {
		saveEmbeddingCache(emb)
	}
	e.dropSnapshot(ws.ID())

	report.DurationMs = time.Since(start).Milliseconds()
	if runErr != nil {
		return report, runErr
	}
	return report, nil
}

// Search runs query against the index of the workspace at path. Hybrid
// ranking is used when the index holds embeddings and the embedder answers;
// otherwise, or with TextOnly, only lexical matches are returned.
func (e *Engine) Search(ctx context.Context, path, query string, opts SearchOptions) ([]search.Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, inputError("query", "empty", search.ErrEmptyQuery)
	}
	canonical, cfg, err := e.resolve(path)
	if err != nil {
		return nil, err
	}

	ws, err := e.readable(ctx, canonical, cfg)
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return nil, inputError("workspace path", "not indexed", err)
		}
		return nil, err
	}

	searchOpts := []search.Option{
		search.WithMetrics(e.metrics),
		search.WithConfig(searchConfigOf(cfg)),
	}
	if vecs := ws.Vectors(); vecs != nil && vecs.Len() > 0 && !opts.TextOnly {
		emb, model, err := e.embedderFor(cfg)
		switch {
		case err != nil:
			log.Printf("Warning: semantic search unavailable: %v", err)
		case model != ws.Meta().EmbeddingModel:
			log.Printf("Warning: index embeddings were made by %s, configured model is %s", ws.Meta().EmbeddingModel, model)
		default:
			searchOpts = append(searchOpts, search.WithVectors(vecs, emb))
		}
	}

	return search.New(ws.Index(), searchOpts...).Search(ctx, search.Request{
		Query:      query,
		Limit:      opts.Limit,
		Extensions: opts.Extensions,
		PathPrefix: opts.PathPrefix,
		TextOnly:   opts.TextOnly,
	})
}

// readable returns the index a query should read: the live index of a watch
// run by this engine, or the last saved snapshot.
func (e *Engine) readable(ctx context.Context, canonical string, cfg *config.Config) (*workspace.Workspace, error) {
	id := workspace.ID(canonical)

	e.mu.Lock()
	if h, ok := e.watches[id]; ok {
		e.mu.Unlock()
		return h.ws, nil
	}
	e.mu.Unlock()

	meta, found, err := e.manager.Lookup(canonical)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", workspace.ErrNotFound, canonical)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.snapshots[id]; ok {
		if s.updated.Equal(meta.UpdatedAt) {
			return s.ws, nil
		}
		s.ws.Close()
		delete(e.snapshots, id)
	}

	ws, err := e.manager.Open(ctx, canonical, workspace.OpenOptions{
		BM25:    bm25Of(cfg),
		Vectors: vectorConfigOf(cfg),
	})
	if err != nil {
		return nil, err
	}
	e.snapshots[id] = &snapshot{ws: ws, updated: ws.Meta().UpdatedAt}
	return ws, nil
}

func (e *Engine) dropSnapshot(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.snapshots[id]; ok {
		s.ws.Close()
		delete(e.snapshots, id)
	}
}

// Status reports on the index of the workspace at path without changing
// it. detailed adds per-extension document counts and the metrics of this
// process.
func (e *Engine) Status(ctx context.Context, path string, detailed bool) (*Status, error) {
	canonical, cfg, err := e.resolve(path)
	if err != nil {
		return nil, err
	}
	id := workspace.ID(canonical)
	st := &Status{
		WorkspaceID:      id,
		WorkspacePath:    canonical,
		IndexPath:        e.manager.Dir(id),
		TokenizerVersion: tokenizer.Version,
		SchemaVersion:    workspace.SchemaVersion,
	}

	meta, found, err := e.manager.Lookup(canonical)
	if err != nil {
		return nil, err
	}
	if !found {
		return st, nil
	}

	st.Indexed = true
	st.Stale = meta.Stale()
	st.DocumentCount = meta.Documents
	st.ChunkCount = meta.Chunks
	st.TokenizerVersion = meta.TokenizerVersion
	st.SchemaVersion = meta.SchemaVersion
	st.LastUpdated = meta.UpdatedAt
	st.EmbeddingsPresent = meta.Embeddings
	st.EmbeddingModel = meta.EmbeddingModel
	if size, err := fileutil.DirSize(st.IndexPath); err == nil {
		st.SizeOnDisk = size
	} else {
		log.Printf("Warning: failed to measure %s: %v", st.IndexPath, err)
	}

	if !detailed {
		return st, nil
	}
	if !st.Stale {
		ws, err := e.readable(ctx, canonical, cfg)
		if err != nil {
			return nil, err
		}
		stats := ws.Index().Documents().Stats()
		st.Extensions = stats.Extensions
		// A running watch may be ahead of the saved metadata.
		st.DocumentCount = stats.TotalDocuments
		st.ChunkCount = stats.TotalChunks
	}
	snap, err := e.metrics.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to collect metrics: %w", err)
	}
	st.Metrics = snap
	return st, nil
}

// IndexesList returns every workspace index under the data root.
func (e *Engine) IndexesList(ctx context.Context) ([]workspace.Entry, error) {
	return e.manager.List(ctx)
}

// IndexesRemove deletes the index of a workspace given by id or path.
func (e *Engine) IndexesRemove(ctx context.Context, idOrPath string) (workspace.Entry, error) {
	if strings.TrimSpace(idOrPath) == "" {
		return workspace.Entry{}, inputError("workspace", "empty id or path", nil)
	}
	e.releaseSnapshots()
	return e.manager.Remove(ctx, idOrPath)
}

// IndexesCleanOrphans deletes the indexes of workspaces that no longer
// exist and reports the reclaimed bytes.
func (e *Engine) IndexesCleanOrphans(ctx context.Context) (workspace.CleanReport, error) {
	e.releaseSnapshots()
	return e.manager.CleanOrphans(ctx)
}

func (e *Engine) releaseSnapshots() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, s := range e.snapshots {
		s.ws.Close()
		delete(e.snapshots, id)
	}
}

func bm25Of(cfg *config.Config) index.BM25 {
	return index.BM25{K1: cfg.Search.BM25.K1, B: cfg.Search.BM25.B}
}

func vectorConfigOf(cfg *config.Config) vector.Config {
	return vector.Config{
		Backend:        cfg.Vector.Backend,
		M:              cfg.Vector.M,
		EfConstruction: cfg.Vector.EfConstruction,
		EfSearch:       cfg.Vector.EfSearch,
		ExactThreshold: cfg.Vector.ExactThreshold,
	}
}

func searchConfigOf(cfg *config.Config) search.Config {
	return search.Config{
		DefaultLimit:  cfg.Search.DefaultLimit,
		MaxLimit:      cfg.Search.MaxLimit,
		SnippetLines:  cfg.Search.SnippetLines,
		ContextLines:  cfg.Search.ContextLines,
		RRFK:          cfg.Search.Hybrid.K,
		LexicalWeight: cfg.Search.Hybrid.LexicalWeight,
		VectorWeight:  cfg.Search.Hybrid.VectorWeight,
		EmbedTimeout:  cfg.Embedder.InitTimeout,
	}
}
