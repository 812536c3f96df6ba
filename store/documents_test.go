package store

import (
	"reflect"
	"testing"
	"time"
)

func testChunks(path string, ids ...string) []Chunk {
	chunks := make([]Chunk, len(ids))
	for i, id := range ids {
		chunks[i] = Chunk{
			ID:        id,
			FilePath:  path,
			Ordinal:   i,
			StartLine: i*10 + 1,
			EndLine:   i*10 + 10,
			Content:   "content " + id,
		}
	}
	return chunks
}

func TestDocumentStore_ReplaceAndGet(t *testing.T) {
	s := NewDocumentStore()

	doc := Document{Path: "src/main.go", Hash: "h1", ModTime: time.Now()}
	if stale := s.Replace(doc, testChunks("src/main.go", "a", "b")); len(stale) != 0 {
		t.Fatalf("expected no stale chunks on first insert, got %v", stale)
	}

	got, ok := s.Get("src/main.go")
	if !ok {
		t.Fatal("document not found")
	}
	if !reflect.DeepEqual(got.ChunkIDs, []string{"a", "b"}) {
		t.Errorf("unexpected chunk ids %v", got.ChunkIDs)
	}

	chunks := s.ChunksFor("src/main.go")
	if len(chunks) != 2 || chunks[0].ID != "a" || chunks[1].ID != "b" {
		t.Errorf("unexpected chunks %+v", chunks)
	}
}

func TestDocumentStore_ReplaceDropsOldChunks(t *testing.T) {
	s := NewDocumentStore()
	s.Replace(Document{Path: "a.txt", Hash: "1"}, testChunks("a.txt", "x", "y"))

	stale := s.Replace(Document{Path: "a.txt", Hash: "2"}, testChunks("a.txt", "y", "z"))
	if !reflect.DeepEqual(stale, []string{"x"}) {
		t.Errorf("expected stale [x], got %v", stale)
	}
	if _, ok := s.Chunk("x"); ok {
		t.Error("old chunk x should be gone")
	}
	if _, ok := s.Chunk("z"); !ok {
		t.Error("new chunk z should exist")
	}
	if stats := s.Stats(); stats.TotalChunks != 2 || stats.TotalDocuments != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestDocumentStore_Delete(t *testing.T) {
	s := NewDocumentStore()
	s.Replace(Document{Path: "a.txt"}, testChunks("a.txt", "1"))
	s.Replace(Document{Path: "b.txt"}, testChunks("b.txt", "2"))

	if _, ok := s.Delete("a.txt"); !ok {
		t.Fatal("expected delete to succeed")
	}
	if _, ok := s.Delete("a.txt"); ok {
		t.Error("second delete should report missing document")
	}
	if _, ok := s.Chunk("1"); ok {
		t.Error("chunk of deleted document still present")
	}
	if got := s.List(); !reflect.DeepEqual(got, []string{"b.txt"}) {
		t.Errorf("List() = %v", got)
	}
}

func TestDocumentStore_SnapshotRestore(t *testing.T) {
	s := NewDocumentStore()
	now := time.Now()
	s.Replace(Document{Path: "lib/a.rs", IndexedAt: now}, testChunks("lib/a.rs", "c1"))
	s.Replace(Document{Path: "README"}, testChunks("README", "c2"))

	snap := s.Snapshot()

	restored := NewDocumentStore()
	restored.Restore(snap)

	if !reflect.DeepEqual(restored.List(), s.List()) {
		t.Errorf("restored paths differ: %v vs %v", restored.List(), s.List())
	}
	stats := restored.Stats()
	if stats.Extensions["rs"] != 1 || stats.Extensions["(none)"] != 1 {
		t.Errorf("unexpected extension counts %v", stats.Extensions)
	}
	if !stats.LastUpdated.Equal(now) {
		t.Errorf("LastUpdated = %v, want %v", stats.LastUpdated, now)
	}

	restored.Restore(Snapshot{})
	if len(restored.List()) != 0 {
		t.Error("restoring an empty snapshot should clear the store")
	}
}

func TestNormalizeExt(t *testing.T) {
	for in, want := range map[string]string{".RS": "rs", "go": "go", "": "", ".tar.gz": "tar.gz"} {
		if got := NormalizeExt(in); got != want {
			t.Errorf("NormalizeExt(%q) = %q, want %q", in, got, want)
		}
	}
}
