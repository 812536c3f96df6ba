// Package search answers queries against a workspace index. Lexical matches
// come from the inverted index; when a vector index and an embedder are
// available, semantic neighbours are fused with them by reciprocal rank.
package search

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yoanbernabeu/codegrep/embedder"
	"github.com/yoanbernabeu/codegrep/index"
	"github.com/yoanbernabeu/codegrep/metrics"
	"github.com/yoanbernabeu/codegrep/store"
	"github.com/yoanbernabeu/codegrep/vector"
)

// Match types reported on hits.
const (
	MatchText     = "text"
	MatchSemantic = "semantic"
	MatchHybrid   = "hybrid"
)

// Query modes recorded in metrics.
const (
	ModeText   = "text"
	ModeHybrid = "hybrid"
)

// fetchFactor widens each arm before fusion.
const fetchFactor = 3

// ErrEmptyQuery is returned for a query without any searchable text.
var ErrEmptyQuery = errors.New("empty query")

// Request is one search.
type Request struct {
	Query      string
	Limit      int
	Extensions []string
	PathPrefix string
	TextOnly   bool
}

// Hit is one ranked chunk.
type Hit struct {
	Path      string  `json:"path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float64 `json:"score"`
	Snippet   string  `json:"snippet"`
	MatchType string  `json:"match_type"`
}

// Config tunes ranking and output.
type Config struct {
	DefaultLimit  int
	MaxLimit      int
	SnippetLines  int
	ContextLines  int
	RRFK          float64
	LexicalWeight float64
	VectorWeight  float64
	// EmbedTimeout bounds the query embedding; zero leaves it to ctx.
	EmbedTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultLimit:  10,
		MaxLimit:      100,
		SnippetLines:  10,
		ContextLines:  2,
		RRFK:          60,
		LexicalWeight: 0.5,
		VectorWeight:  0.5,
	}
}

// Searcher runs queries against one workspace index.
type Searcher struct {
	idx      *index.Index
	vectors  *vector.Index
	embedder embedder.Embedder
	metrics  *metrics.Metrics
	cfg      Config
}

type Option func(*Searcher)

// WithVectors enables hybrid search.
func WithVectors(v *vector.Index, e embedder.Embedder) Option {
	return func(s *Searcher) {
		s.vectors = v
		s.embedder = e
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Searcher) {
		s.metrics = m
	}
}

func WithConfig(cfg Config) Option {
	return func(s *Searcher) {
		s.cfg = cfg
	}
}

func New(idx *index.Index, opts ...Option) *Searcher {
	s := &Searcher{idx: idx, cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(s)
	}
	defaults := DefaultConfig()
	if s.cfg.DefaultLimit <= 0 {
		s.cfg.DefaultLimit = defaults.DefaultLimit
	}
	if s.cfg.MaxLimit <= 0 {
		s.cfg.MaxLimit = defaults.MaxLimit
	}
	if s.cfg.SnippetLines <= 0 {
		s.cfg.SnippetLines = defaults.SnippetLines
	}
	if s.cfg.ContextLines < 0 {
		s.cfg.ContextLines = defaults.ContextLines
	}
	if s.cfg.RRFK <= 0 {
		s.cfg.RRFK = defaults.RRFK
	}
	return s
}

// Hybrid reports whether queries can use the vector arm.
func (s *Searcher) Hybrid() bool {
	return s.vectors != nil && s.embedder != nil && s.vectors.Len() > 0
}

// Limit clamps a requested limit: non-positive means the default, anything
// above the maximum is cut to it.
func (s *Searcher) Limit(n int) int {
	if n <= 0 {
		n = s.cfg.DefaultLimit
	}
	if n > s.cfg.MaxLimit {
		n = s.cfg.MaxLimit
	}
	return n
}

// Search runs req. Without usable embeddings, or with TextOnly, only lexical
// matches are returned. A failing vector arm degrades to lexical results.
func (s *Searcher) Search(ctx context.Context, req Request) ([]Hit, error) {
	start := time.Now()
	text := strings.TrimSpace(req.Query)
	if text == "" {
		return nil, ErrEmptyQuery
	}

	limit := s.Limit(req.Limit)
	q := index.Query{
		Text:       text,
		Extensions: extensionSet(req.Extensions),
		PathPrefix: req.PathPrefix,
	}

	mode := ModeText
	var hits []Hit
	if req.TextOnly || !s.Hybrid() {
		q.Limit = limit
		hits = s.lexicalHits(s.idx.Search(q), text)
	} else {
		mode = ModeHybrid
		var err error
		hits, err = s.hybrid(ctx, q, limit)
		if err != nil {
			return nil, err
		}
	}

	if len(hits) > limit {
		hits = hits[:limit]
	}
	s.metrics.Query(mode, time.Since(start), len(hits))
	return hits, nil
}

func (s *Searcher) lexicalHits(matches []index.Match, query string) []Hit {
	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		c, ok := s.idx.Documents().Chunk(m.ChunkID)
		if !ok {
			continue
		}
		hits = append(hits, Hit{
			Path:      m.Path,
			StartLine: m.StartLine,
			EndLine:   m.EndLine,
			Score:     m.Score,
			Snippet:   Snippet(c.Content, query, s.cfg.SnippetLines, s.cfg.ContextLines),
			MatchType: MatchText,
		})
	}
	return hits
}

// ranked is one arm's result list entry.
type ranked struct {
	chunkID string
	rank    int // 1-based
}

// fused accumulates the reciprocal rank contributions of both arms.
type fused struct {
	chunk   store.Chunk
	doc     store.Document
	score   float64
	lexical bool
	vector  bool
}

func (s *Searcher) hybrid(ctx context.Context, q index.Query, limit int) ([]Hit, error) {
	fetch := limit * fetchFactor

	var lexical, semantic []ranked
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lq := q
		lq.Limit = fetch
		for i, m := range s.idx.Search(lq) {
			lexical = append(lexical, ranked{chunkID: m.ChunkID, rank: i + 1})
		}
		return nil
	})

	g.Go(func() error {
		res, err := s.vectorSearch(gctx, q, fetch)
		if err != nil {
			// The lexical arm still answers.
			log.Printf("Warning: semantic search unavailable: %v", err)
			return nil
		}
		semantic = res
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return s.fuse(lexical, semantic, q.Text), nil
}

// vectorSearch embeds the query and returns neighbours that still exist and
// pass the filters, in similarity order.
func (s *Searcher) vectorSearch(ctx context.Context, q index.Query, k int) ([]ranked, error) {
	ectx := ctx
	if s.cfg.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, s.cfg.EmbedTimeout)
		defer cancel()
	}
	vec, err := s.embedder.Embed(ectx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	// Filters run after the nearest-neighbour query, so ask for more.
	want := k
	if len(q.Extensions) > 0 || q.PathPrefix != "" {
		want = k * 4
	}
	results, err := s.vectors.Query(vec, want)
	if err != nil {
		return nil, err
	}

	docs := s.idx.Documents()
	var out []ranked
	for _, r := range results {
		c, ok := docs.Chunk(r.ID)
		if !ok {
			continue
		}
		doc, ok := docs.Get(c.FilePath)
		if !ok || !q.Filter(doc) {
			continue
		}
		out = append(out, ranked{chunkID: r.ID, rank: len(out) + 1})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// fuse combines both arms by weighted reciprocal rank: each arm adds
// weight / (k + rank) for every chunk it returned.
func (s *Searcher) fuse(lexical, semantic []ranked, query string) []Hit {
	docs := s.idx.Documents()
	byChunk := make(map[string]*fused)

	add := func(list []ranked, weight float64, isVector bool) {
		for _, r := range list {
			f, ok := byChunk[r.chunkID]
			if !ok {
				c, found := docs.Chunk(r.chunkID)
				if !found {
					continue
				}
				doc, _ := docs.Get(c.FilePath)
				f = &fused{chunk: c, doc: doc}
				byChunk[r.chunkID] = f
			}
			f.score += weight / (s.cfg.RRFK + float64(r.rank))
			if isVector {
				f.vector = true
			} else {
				f.lexical = true
			}
		}
	}
	add(lexical, s.cfg.LexicalWeight, false)
	add(semantic, s.cfg.VectorWeight, true)

	list := make([]*fused, 0, len(byChunk))
	for _, f := range byChunk {
		list = append(list, f)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.doc.ModTime.Equal(b.doc.ModTime) {
			return a.doc.ModTime.After(b.doc.ModTime)
		}
		if a.chunk.FilePath != b.chunk.FilePath {
			return a.chunk.FilePath < b.chunk.FilePath
		}
		return a.chunk.StartLine < b.chunk.StartLine
	})

	hits := make([]Hit, 0, len(list))
	for _, f := range list {
		matchType := MatchHybrid
		switch {
		case f.lexical && !f.vector:
			matchType = MatchText
		case f.vector && !f.lexical:
			matchType = MatchSemantic
		}
		hits = append(hits, Hit{
			Path:      f.chunk.FilePath,
			StartLine: f.chunk.StartLine,
			EndLine:   f.chunk.EndLine,
			Score:     f.score,
			Snippet:   Snippet(f.chunk.Content, query, s.cfg.SnippetLines, s.cfg.ContextLines),
			MatchType: matchType,
		})
	}
	return hits
}

func extensionSet(exts []string) map[string]bool {
	if len(exts) == 0 {
		return nil
	}
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		if e = store.NormalizeExt(e); e != "" {
			set[e] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
