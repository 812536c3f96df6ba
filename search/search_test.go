package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/yoanbernabeu/codegrep/embedder"
	"github.com/yoanbernabeu/codegrep/index"
	"github.com/yoanbernabeu/codegrep/metrics"
	"github.com/yoanbernabeu/codegrep/store"
	"github.com/yoanbernabeu/codegrep/vector"
)

type corpus struct {
	idx  *index.Index
	vecs *vector.Index
	emb  embedder.Embedder
}

func newCorpus(t *testing.T, files map[string]string) *corpus {
	t.Helper()
	c := &corpus{
		idx:  index.New(store.NewDocumentStore(), index.BM25{}),
		vecs: vector.New(vector.DefaultConfig()),
		emb:  embedder.NewHashEmbedder(256),
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for path, content := range files {
		chunk := store.Chunk{
			ID:        "chunk:" + path,
			FilePath:  path,
			StartLine: 1,
			EndLine:   strings.Count(content, "\n"),
			Content:   content,
			Hash:      store.HashContent([]byte(content)),
		}
		doc := store.Document{Path: path, Size: int64(len(content)), ModTime: base, Hash: chunk.Hash}
		c.idx.Commit(index.Stage(doc, []store.Chunk{chunk}))

		vec, err := c.emb.Embed(context.Background(), content)
		if err != nil {
			t.Fatalf("Embed() = %v", err)
		}
		if err := c.vecs.Upsert(path, chunk.ID, vec); err != nil {
			t.Fatalf("Upsert() = %v", err)
		}
	}
	return c
}

func paths(hits []Hit) []string {
	var out []string
	for _, h := range hits {
		out = append(out, h.Path)
	}
	return out
}

var retryFiles = map[string]string{
	"a.go": "// retry backoff helper\nfunc wait() {}\n",
	"b.go": "// backoff strategy for each retry\nfunc plan() {}\n",
	"c.md": "unrelated notes about colours\n",
}

func TestSearch_HybridVersusTextOnly(t *testing.T) {
	c := newCorpus(t, retryFiles)
	m := metrics.New()
	s := New(c.idx, WithVectors(c.vecs, c.emb), WithMetrics(m))
	ctx := context.Background()

	if !s.Hybrid() {
		t.Fatal("Hybrid() = false with vectors present")
	}

	textOnly, err := s.Search(ctx, Request{Query: "retry backoff", TextOnly: true})
	if err != nil {
		t.Fatalf("Search(textOnly) = %v", err)
	}
	if got := paths(textOnly); len(got) != 1 || got[0] != "a.go" {
		t.Errorf("textOnly hits = %v, want [a.go]", got)
	}
	if textOnly[0].MatchType != MatchText || textOnly[0].Score <= 0 {
		t.Errorf("textOnly hit = %+v", textOnly[0])
	}

	hybrid, err := s.Search(ctx, Request{Query: "retry backoff"})
	if err != nil {
		t.Fatalf("Search(hybrid) = %v", err)
	}
	got := paths(hybrid)
	if len(got) < 2 || got[0] != "a.go" {
		t.Fatalf("hybrid hits = %v, want a.go first and b.go included", got)
	}
	var foundB bool
	for _, h := range hybrid {
		if h.Path == "b.go" {
			foundB = true
			if h.MatchType != MatchSemantic {
				t.Errorf("b.go match type = %s, want %s", h.MatchType, MatchSemantic)
			}
		}
	}
	if !foundB {
		t.Errorf("hybrid hits %v miss the semantic match b.go", got)
	}
	if hybrid[0].MatchType != MatchHybrid {
		t.Errorf("a.go match type = %s, want %s", hybrid[0].MatchType, MatchHybrid)
	}

	snap, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() = %v", err)
	}
	if snap[`codegrep_search_queries_total{mode="hybrid"}`] != 1 || snap[`codegrep_search_queries_total{mode="text"}`] != 1 {
		t.Errorf("query counters = %v", snap)
	}
}

func TestSearch_LexicalOnlyWithoutVectors(t *testing.T) {
	c := newCorpus(t, retryFiles)
	s := New(c.idx)
	if s.Hybrid() {
		t.Fatal("Hybrid() = true without vectors")
	}
	hits, err := s.Search(context.Background(), Request{Query: "retry backoff"})
	if err != nil {
		t.Fatalf("Search() = %v", err)
	}
	if got := paths(hits); len(got) != 1 || got[0] != "a.go" {
		t.Errorf("hits = %v, want [a.go]", got)
	}
}

type failingEmbedder struct {
	*embedder.HashEmbedder
}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, embedder.ErrEmbeddingUnavailable
}

func TestSearch_EmbedderFailureFallsBack(t *testing.T) {
	c := newCorpus(t, retryFiles)
	s := New(c.idx, WithVectors(c.vecs, failingEmbedder{embedder.NewHashEmbedder(8)}))
	hits, err := s.Search(context.Background(), Request{Query: "retry backoff"})
	if err != nil {
		t.Fatalf("Search() = %v", err)
	}
	if got := paths(hits); len(got) != 1 || got[0] != "a.go" {
		t.Errorf("hits = %v, want the lexical match only", got)
	}
}

func TestSearch_Filters(t *testing.T) {
	c := newCorpus(t, map[string]string{
		"src/retry.go":  "retry logic\n",
		"docs/retry.md": "retry docs\n",
		"src/other.rs":  "retry in rust\n",
	})
	s := New(c.idx, WithVectors(c.vecs, c.emb))
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want []string
	}{
		{"extension", Request{Query: "retry", Extensions: []string{".GO"}}, []string{"src/retry.go"}},
		{"prefix", Request{Query: "retry", PathPrefix: "docs"}, []string{"docs/retry.md"}},
		{"both", Request{Query: "retry", PathPrefix: "src/", Extensions: []string{"rs"}}, []string{"src/other.rs"}},
	}
	for _, tt := range tests {
		for _, textOnly := range []bool{true, false} {
			t.Run(fmt.Sprintf("%s/textOnly=%v", tt.name, textOnly), func(t *testing.T) {
				req := tt.req
				req.TextOnly = textOnly
				hits, err := s.Search(ctx, req)
				if err != nil {
					t.Fatalf("Search() = %v", err)
				}
				if got := paths(hits); strings.Join(got, ",") != strings.Join(tt.want, ",") {
					t.Errorf("hits = %v, want %v", got, tt.want)
				}
			})
		}
	}
}

func TestSearch_DropsVectorsOfRemovedChunks(t *testing.T) {
	c := newCorpus(t, retryFiles)
	ghost, _ := c.emb.Embed(context.Background(), "retry backoff ghost")
	if err := c.vecs.Upsert("ghost.go", "chunk:ghost.go", ghost); err != nil {
		t.Fatal(err)
	}

	s := New(c.idx, WithVectors(c.vecs, c.emb))
	hits, err := s.Search(context.Background(), Request{Query: "retry backoff ghost"})
	if err != nil {
		t.Fatalf("Search() = %v", err)
	}
	for _, h := range hits {
		if h.Path == "ghost.go" {
			t.Errorf("hit for a chunk missing from the store: %+v", h)
		}
	}
}

func TestSearch_LimitAndErrors(t *testing.T) {
	files := make(map[string]string)
	for i := 0; i < 30; i++ {
		files[fmt.Sprintf("f%02d.txt", i)] = "shared token\n"
	}
	c := newCorpus(t, files)
	s := New(c.idx, WithConfig(Config{DefaultLimit: 5, MaxLimit: 12}))
	ctx := context.Background()

	tests := []struct {
		limit int
		want  int
	}{
		{0, 5},
		{-3, 5},
		{7, 7},
		{50, 12},
	}
	for _, tt := range tests {
		hits, err := s.Search(ctx, Request{Query: "shared", Limit: tt.limit})
		if err != nil {
			t.Fatalf("Search() = %v", err)
		}
		if len(hits) != tt.want {
			t.Errorf("limit %d: %d hits, want %d", tt.limit, len(hits), tt.want)
		}
	}

	if _, err := s.Search(ctx, Request{Query: "   "}); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("Search(blank) = %v, want ErrEmptyQuery", err)
	}
	if hits, err := s.Search(ctx, Request{Query: "->get("}); err != nil || len(hits) != 0 {
		t.Errorf("Search(absent literal) = %v, %v", hits, err)
	}
}

func TestSearch_Cancelled(t *testing.T) {
	c := newCorpus(t, retryFiles)
	s := New(c.idx, WithVectors(c.vecs, c.emb))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Search(ctx, Request{Query: "retry"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Search() = %v, want context.Canceled", err)
	}
}

func TestSnippet(t *testing.T) {
	var b strings.Builder
	for i := 1; i <= 20; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	content := strings.Replace(b.String(), "line 8\n", "func Login() {\n", 1)

	tests := []struct {
		name    string
		query   string
		max     int
		context int
		first   string
		lines   int
	}{
		{"context before match", "login", 5, 2, "line 6", 5},
		{"literal with punctuation", "Login()", 3, 1, "line 7", 3},
		{"no match falls back to top", "absent", 4, 2, "line 1", 4},
		{"match near start", "line 1", 3, 2, "line 1", 3},
		{"whole chunk when max is zero", "absent", 0, 2, "line 1", 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.Split(Snippet(content, tt.query, tt.max, tt.context), "\n")
			if got[0] != tt.first || len(got) != tt.lines {
				t.Errorf("Snippet() = %q, want %d lines starting with %q", got, tt.lines, tt.first)
			}
		})
	}
}
