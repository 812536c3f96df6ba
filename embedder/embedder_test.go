package embedder

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPrepare(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		min, max int
		want     string
		ok       bool
	}{
		{"too short", "  abc  ", 5, 100, "", false},
		{"trimmed", "  abcdef  ", 5, 100, "abcdef", true},
		{"capped", "abcdefghij", 1, 4, "abcd", true},
		{"multibyte cap", "héllo wörld", 1, 7, "héllo w", true},
		{"no cap", "abc", 0, 0, "abc", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Prepare(tt.text, tt.min, tt.max)
			if got != tt.want || ok != tt.ok {
				t.Errorf("Prepare(%q) = %q, %v, want %q, %v", tt.text, got, ok, tt.want, tt.ok)
			}
		})
	}
}

type slowEmbedder struct {
	HashEmbedder
}

func (s *slowEmbedder) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestInit_Timeout(t *testing.T) {
	err := Init(context.Background(), &slowEmbedder{}, 20*time.Millisecond)
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Errorf("Init() = %v, want ErrEmbeddingUnavailable", err)
	}
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashEmbedder(t *testing.T) {
	emb := NewHashEmbedder(256)
	ctx := context.Background()

	a, _ := emb.Embed(ctx, "retry the request with exponential backoff")
	b, _ := emb.Embed(ctx, "backoff strategy for each retry")
	c, _ := emb.Embed(ctx, "render the sidebar template")
	again, _ := emb.Embed(ctx, "retry the request with exponential backoff")

	if len(a) != 256 {
		t.Fatalf("expected 256 dimensions, got %d", len(a))
	}
	for i := range a {
		if a[i] != again[i] {
			t.Fatal("embedding is not deterministic")
		}
	}
	if cosine(a, b) <= cosine(a, c) {
		t.Errorf("related texts not closer: related=%.3f unrelated=%.3f", cosine(a, b), cosine(a, c))
	}
}

type countingEmbedder struct {
	HashEmbedder
	calls int
	texts int
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls++
	c.texts += len(texts)
	return c.HashEmbedder.EmbedBatch(ctx, texts)
}

func TestCachedEmbedder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models", "hash.cache.gob")
	inner := &countingEmbedder{HashEmbedder: *NewHashEmbedder(32)}

	cached, err := NewCachedEmbedder(inner, "hash", 100, path)
	if err != nil {
		t.Fatalf("NewCachedEmbedder() = %v", err)
	}
	ctx := context.Background()

	if _, err := cached.EmbedBatch(ctx, []string{"one", "two"}); err != nil {
		t.Fatalf("EmbedBatch() = %v", err)
	}
	vecs, err := cached.EmbedBatch(ctx, []string{"two", "three"})
	if err != nil {
		t.Fatalf("EmbedBatch() = %v", err)
	}
	if len(vecs) != 2 || vecs[0] == nil || vecs[1] == nil {
		t.Fatalf("unexpected vectors %v", vecs)
	}
	if inner.texts != 3 {
		t.Errorf("inner embedded %d texts, want 3", inner.texts)
	}
	if hits, misses := cached.Stats(); hits != 1 || misses != 3 {
		t.Errorf("Stats() = %d hits %d misses, want 1 and 3", hits, misses)
	}

	if err := cached.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	inner2 := &countingEmbedder{HashEmbedder: *NewHashEmbedder(32)}
	reloaded, err := NewCachedEmbedder(inner2, "hash", 100, path)
	if err != nil {
		t.Fatalf("NewCachedEmbedder() = %v", err)
	}
	if reloaded.Len() != 3 {
		t.Errorf("reloaded cache has %d entries, want 3", reloaded.Len())
	}
	if _, err := reloaded.Embed(ctx, "one"); err != nil {
		t.Fatalf("Embed() = %v", err)
	}
	if inner2.calls != 0 {
		t.Error("cached text embedded again after reload")
	}
}

func TestCachedEmbedder_ModelIsolation(t *testing.T) {
	inner := &countingEmbedder{HashEmbedder: *NewHashEmbedder(16)}
	a, _ := NewCachedEmbedder(inner, "model-a", 10, "")
	b, _ := NewCachedEmbedder(inner, "model-b", 10, "")

	if a.key("text") == b.key("text") {
		t.Error("cache keys do not include the model")
	}
	if !strings.Contains(CachePath("/x", "model-a"), "model-a") {
		t.Error("cache path does not include the model")
	}
}
