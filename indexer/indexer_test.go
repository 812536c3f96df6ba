package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yoanbernabeu/codegrep/embedder"
	"github.com/yoanbernabeu/codegrep/index"
	"github.com/yoanbernabeu/codegrep/metrics"
	"github.com/yoanbernabeu/codegrep/store"
	"github.com/yoanbernabeu/codegrep/vector"
)

func newTestIndexer(t *testing.T, root string, emb embedder.Embedder) (*Indexer, *index.Index, *vector.Index) {
	t.Helper()
	matcher, err := NewIgnoreMatcher(root, IgnoreOptions{RespectGitignore: true})
	if err != nil {
		t.Fatalf("failed to create ignore matcher: %v", err)
	}
	idx := index.New(store.NewDocumentStore(), index.BM25{})
	cfg := Config{
		Walker:  NewWalker(root, matcher, WalkOptions{FollowSymlinks: true}),
		Chunker: NewChunker(5, 4096),
		Index:   idx,
		Metrics: metrics.New(),
		Workers: 3,
	}
	var vecs *vector.Index
	if emb != nil {
		vecs = vector.New(vector.DefaultConfig())
		cfg.Vectors = vecs
		cfg.Embedder = emb
		cfg.MinChars = 10
		cfg.MaxChars = 1000
	}
	return NewIndexer(cfg), idx, vecs
}

func TestIndexAll(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/auth.rs", "pub fn login(user: &str) -> Result<Token> {\n    todo!()\n}\n")
	writeFile(t, root, "README.md", strings.Repeat("docs line\n", 12))
	writeFile(t, root, "logo.bin", "\x00\x01\x02binary")
	writeFile(t, root, ".gitignore", "ignored/\n")
	writeFile(t, root, "ignored/skip.go", "package skip\n")

	ix, idx, _ := newTestIndexer(t, root, nil)

	var progress int
	report, err := ix.IndexAll(context.Background(), func(ProgressInfo) { progress++ })
	if err != nil {
		t.Fatalf("IndexAll() = %v", err)
	}

	if report.DocumentsIndexed != 2 {
		t.Errorf("DocumentsIndexed = %d, want 2", report.DocumentsIndexed)
	}
	if report.ChunksIndexed != 1+3 {
		t.Errorf("ChunksIndexed = %d, want 4", report.ChunksIndexed)
	}
	if report.Skipped != 1 || len(report.Warnings) != 1 || report.Warnings[0].Kind != WarnBinary {
		t.Errorf("warnings = %+v, want one binary warning", report.Warnings)
	}
	if progress != 2 {
		t.Errorf("progress called %d times, want 2", progress)
	}

	matches := idx.Search(index.Query{Text: "fn login"})
	if len(matches) != 1 || matches[0].Path != "src/auth.rs" {
		t.Fatalf("Search(fn login) = %+v", matches)
	}
	if matches[0].StartLine != 1 || matches[0].Score <= 0 {
		t.Errorf("match = %+v, want line 1 and positive score", matches[0])
	}
	if got := idx.Search(index.Query{Text: "->get("}); len(got) != 0 {
		t.Errorf("absent literal matched: %+v", got)
	}
}

func TestIndexAll_Incremental(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\nfunc Alpha() {}\n")
	writeFile(t, root, "b.go", "package b\nfunc Beta() {}\n")
	writeFile(t, root, "c.go", "package c\nfunc Gamma() {}\n")

	ix, idx, _ := newTestIndexer(t, root, nil)
	ctx := context.Background()
	if _, err := ix.IndexAll(ctx, nil); err != nil {
		t.Fatalf("IndexAll() = %v", err)
	}

	writeFile(t, root, "b.go", "package b\nfunc BetaTwo() {}\n")
	if err := os.Remove(filepath.Join(root, "c.go")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, root, "a.go", "package a\nfunc Alpha() {}\n")

	report, err := ix.IndexAll(ctx, nil)
	if err != nil {
		t.Fatalf("IndexAll() = %v", err)
	}
	if report.DocumentsIndexed != 1 || report.DocumentsUnchanged != 1 || report.DocumentsRemoved != 1 {
		t.Errorf("report = %+v, want 1 indexed, 1 unchanged, 1 removed", report)
	}
	if got := idx.Search(index.Query{Text: "gamma"}); len(got) != 0 {
		t.Errorf("removed file still searchable: %+v", got)
	}
	if got := idx.Search(index.Query{Text: "betatwo"}); len(got) != 1 {
		t.Errorf("updated file not searchable: %+v", got)
	}
	if _, ok := idx.Documents().Get("c.go"); ok {
		t.Error("removed document still stored")
	}
}

func TestIndexAll_FileBecomesBinary(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "data.txt", "plain words here\n")

	ix, idx, _ := newTestIndexer(t, root, nil)
	ctx := context.Background()
	if _, err := ix.IndexAll(ctx, nil); err != nil {
		t.Fatalf("IndexAll() = %v", err)
	}

	writeFile(t, root, "data.txt", "plain\x00words")
	report, err := ix.IndexAll(ctx, nil)
	if err != nil {
		t.Fatalf("IndexAll() = %v", err)
	}
	if report.DocumentsRemoved != 1 {
		t.Errorf("DocumentsRemoved = %d, want 1", report.DocumentsRemoved)
	}
	if _, ok := idx.Documents().Get("data.txt"); ok {
		t.Error("binary file still indexed")
	}
}

func TestIndexAll_Idempotent(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		writeFile(t, root, "pkg/"+name+".go", strings.Repeat("func "+name+"() { return shared }\n", 7))
	}

	build := func() (*index.Index, []index.Match) {
		ix, idx, _ := newTestIndexer(t, root, nil)
		if _, err := ix.IndexAll(context.Background(), nil); err != nil {
			t.Fatalf("IndexAll() = %v", err)
		}
		return idx, idx.Search(index.Query{Text: "return shared"})
	}

	idx1, m1 := build()
	idx2, m2 := build()

	if idx1.Stats() != idx2.Stats() {
		t.Errorf("stats differ: %+v vs %+v", idx1.Stats(), idx2.Stats())
	}
	if len(m1) != len(m2) {
		t.Fatalf("match counts differ: %d vs %d", len(m1), len(m2))
	}
	for i := range m1 {
		if m1[i].ChunkID != m2[i].ChunkID || m1[i].Score != m2[i].Score {
			t.Errorf("match %d differs: %+v vs %+v", i, m1[i], m2[i])
		}
	}
}

func TestIndexAll_Cancelled(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 50; i++ {
		writeFile(t, root, filepath.Join("d", strings.Repeat("x", i+1)+".txt"), "content\n")
	}

	ix, idx, _ := newTestIndexer(t, root, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ix.IndexAll(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("IndexAll() = %v, want context.Canceled", err)
	}
	if err := idx.Verify(); err != nil {
		t.Errorf("index inconsistent after cancel: %v", err)
	}
}

func TestIndexAll_WithEmbeddings(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "retry.go", "// retry the request with exponential backoff until it succeeds\nfunc retry() {}\n")
	writeFile(t, root, "tiny.go", "x\n")

	ix, _, vecs := newTestIndexer(t, root, embedder.NewHashEmbedder(64))
	report, err := ix.IndexAll(context.Background(), nil)
	if err != nil {
		t.Fatalf("IndexAll() = %v", err)
	}
	if report.Embedded != 1 || vecs.Len() != 1 {
		t.Errorf("embedded %d, stored %d, want 1 (short chunk skipped)", report.Embedded, vecs.Len())
	}

	if !ix.RemoveFile("retry.go") {
		t.Fatal("RemoveFile() reported missing document")
	}
	if vecs.Len() != 0 {
		t.Errorf("vectors left after RemoveFile: %d", vecs.Len())
	}
}

type unavailableEmbedder struct {
	embedder.HashEmbedder
	calls int
}

func (u *unavailableEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	u.calls++
	return nil, embedder.ErrEmbeddingUnavailable
}

func TestIndexAll_EmbeddingUnavailable(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a", "b", "c", "d"} {
		writeFile(t, root, name+".go", "// a comment long enough to be worth embedding\nfunc "+name+"() {}\n")
	}

	emb := &unavailableEmbedder{}
	ix, idx, vecs := newTestIndexer(t, root, emb)
	ix.workers = 1

	report, err := ix.IndexAll(context.Background(), nil)
	if err != nil {
		t.Fatalf("IndexAll() = %v", err)
	}
	if report.DocumentsIndexed != 4 {
		t.Errorf("DocumentsIndexed = %d, want 4 despite embedding failure", report.DocumentsIndexed)
	}
	if report.EmbeddingError == "" {
		t.Error("report does not mention the embedding failure")
	}
	if emb.calls != 1 {
		t.Errorf("embedder called %d times, want 1 before switching off", emb.calls)
	}
	if vecs.Len() != 0 {
		t.Errorf("vectors stored: %d", vecs.Len())
	}
	if got := idx.Search(index.Query{Text: "comment"}); len(got) != 4 {
		t.Errorf("lexical search found %d, want 4", len(got))
	}
}

func TestEmbedMissing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "doc.md", "a paragraph of documentation that is long enough to embed\n")

	lexical, idx, _ := newTestIndexer(t, root, nil)
	if _, err := lexical.IndexAll(context.Background(), nil); err != nil {
		t.Fatalf("IndexAll() = %v", err)
	}

	vecs := vector.New(vector.DefaultConfig())
	withEmb := NewIndexer(Config{
		Walker:   lexical.walker,
		Chunker:  lexical.chunker,
		Index:    idx,
		Vectors:  vecs,
		Embedder: embedder.NewHashEmbedder(32),
		MinChars: 10,
	})
	report, err := withEmb.IndexAll(context.Background(), nil)
	if err != nil {
		t.Fatalf("IndexAll() = %v", err)
	}
	if report.DocumentsUnchanged != 1 || report.Embedded != 1 {
		t.Errorf("report = %+v, want the unchanged document embedded", report)
	}
}
