package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/yoanbernabeu/codegrep/index"
	"github.com/yoanbernabeu/codegrep/internal/fileutil"
	"github.com/yoanbernabeu/codegrep/store"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func commit(idx *index.Index, path, content string) {
	chunk := store.Chunk{
		ID:        path + "#0",
		FilePath:  path,
		StartLine: 1,
		EndLine:   strings.Count(content, "\n") + 1,
		Content:   content,
		Hash:      store.HashContent([]byte(content)),
	}
	doc := store.Document{
		Path:      path,
		Size:      int64(len(content)),
		ModTime:   time.Now(),
		Hash:      chunk.Hash,
		IndexedAt: time.Now(),
	}
	idx.Commit(index.Stage(doc, []store.Chunk{chunk}))
}

func indexWorkspace(t *testing.T, m *Manager, project string, files map[string]string) {
	t.Helper()
	w, err := m.Open(context.Background(), project, OpenOptions{Write: true})
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer w.Close()
	for path, content := range files {
		commit(w.Index(), path, content)
	}
	if err := w.Save(); err != nil {
		t.Fatalf("Save() = %v", err)
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	id, canonical, err := Resolve(dir)
	if err != nil {
		t.Fatalf("Resolve() = %v", err)
	}
	if !IsID(id) || id != ID(canonical) {
		t.Errorf("Resolve() id = %q, want 32 hex chars derived from %s", id, canonical)
	}

	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	again, _, err := Resolve(filepath.Join(dir, ".", "sub", ".."))
	if err != nil || again != id {
		t.Errorf("unclean path resolved to %s, want %s", again, id)
	}

	if runtime.GOOS != "windows" {
		link := filepath.Join(t.TempDir(), "link")
		if err := os.Symlink(dir, link); err != nil {
			t.Fatal(err)
		}
		viaLink, _, err := Resolve(link)
		if err != nil || viaLink != id {
			t.Errorf("Resolve(symlink) = %s, %v, want %s", viaLink, err, id)
		}
	}

	file := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	for _, bad := range []string{"", file, filepath.Join(dir, "missing")} {
		if _, _, err := Resolve(bad); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Resolve(%q) = %v, want ErrInvalidPath", bad, err)
		}
	}

	if IsID("not-an-id") || IsID(strings.Repeat("z", 32)) {
		t.Error("IsID accepted a malformed id")
	}
}

func TestOpen_SaveAndReload(t *testing.T) {
	m := newManager(t)
	project := t.TempDir()
	ctx := context.Background()

	w, err := m.Open(ctx, project, OpenOptions{Write: true})
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if w.Owner() == "" {
		t.Error("writable handle has no owner token")
	}
	commit(w.Index(), "src/auth.rs", "pub fn login(user: &str) -> Result<Token> {}\n")
	commit(w.Index(), "README.md", "docs\n")
	vecs := w.EnableVectors("hash:4", 4)
	if err := vecs.Upsert("README.md", "README.md#0", []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("Upsert() = %v", err)
	}
	if err := w.Save(); err != nil {
		t.Fatalf("Save() = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	r, err := m.Open(ctx, project, OpenOptions{})
	if err != nil {
		t.Fatalf("Open(read-only) = %v", err)
	}
	defer r.Close()

	meta := r.Meta()
	if meta.Documents != 2 || meta.Chunks != 2 || !meta.Embeddings || meta.EmbeddingModel != "hash:4" {
		t.Errorf("meta = %+v", meta)
	}
	if got := r.Index().Search(index.Query{Text: "fn login"}); len(got) != 1 || got[0].Path != "src/auth.rs" {
		t.Errorf("Search after reload = %+v", got)
	}
	if r.Vectors() == nil || r.Vectors().Len() != 1 {
		t.Errorf("vectors not reloaded")
	}
	if err := r.Save(); err == nil {
		t.Error("Save() on a read-only handle succeeded")
	}
}

func TestOpen_ReadOnlyNeverIndexed(t *testing.T) {
	m := newManager(t)
	_, err := m.Open(context.Background(), t.TempDir(), OpenOptions{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Open() = %v, want ErrNotFound", err)
	}
}

func TestOpen_WriterLock(t *testing.T) {
	m := newManager(t)
	project := t.TempDir()
	ctx := context.Background()

	w, err := m.Open(ctx, project, OpenOptions{Write: true})
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if err := w.Save(); err != nil {
		t.Fatalf("Save() = %v", err)
	}

	if _, err := m.Open(ctx, project, OpenOptions{Write: true}); !errors.Is(err, ErrLocked) {
		t.Errorf("second writer: Open() = %v, want ErrLocked", err)
	}
	r, err := m.Open(ctx, project, OpenOptions{})
	if err != nil {
		t.Errorf("reader blocked by writer: %v", err)
	} else {
		r.Close()
	}

	w.Close()
	w2, err := m.Open(ctx, project, OpenOptions{Write: true})
	if err != nil {
		t.Fatalf("Open() after Close = %v", err)
	}
	w2.Close()
}

func TestOpen_Corruption(t *testing.T) {
	m := newManager(t)
	project := t.TempDir()
	ctx := context.Background()
	indexWorkspace(t, m, project, map[string]string{"a.go": "package a\n"})

	id, _, _ := Resolve(project)
	if err := os.WriteFile(filepath.Join(m.Dir(id), IndexFileName), []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	for _, opts := range []OpenOptions{{}, {Write: true}} {
		if _, err := m.Open(ctx, project, opts); !errors.Is(err, ErrIndexCorruption) {
			t.Errorf("Open(%+v) = %v, want ErrIndexCorruption", opts, err)
		}
	}

	w, err := m.Open(ctx, project, OpenOptions{Write: true, Rebuild: true})
	if err != nil {
		t.Fatalf("Open(rebuild) = %v", err)
	}
	defer w.Close()
	if n := len(w.Index().Documents().List()); n != 0 {
		t.Errorf("rebuild kept %d documents", n)
	}
	if _, err := os.Stat(w.IndexPath()); !os.IsNotExist(err) {
		t.Errorf("corrupted snapshot left in place: %v", err)
	}
}

func TestOpen_VersionMismatch(t *testing.T) {
	m := newManager(t)
	project := t.TempDir()
	ctx := context.Background()
	indexWorkspace(t, m, project, map[string]string{"a.go": "package a\n"})

	id, _, _ := Resolve(project)
	metaPath := filepath.Join(m.Dir(id), MetaFileName)
	meta, _, err := readMeta(metaPath)
	if err != nil {
		t.Fatal(err)
	}
	created := meta.CreatedAt
	meta.TokenizerVersion = 0
	if err := writeMeta(metaPath, meta); err != nil {
		t.Fatal(err)
	}

	for _, opts := range []OpenOptions{{}, {Write: true}} {
		if _, err := m.Open(ctx, project, opts); !errors.Is(err, ErrVersionMismatch) {
			t.Errorf("Open(%+v) = %v, want ErrVersionMismatch", opts, err)
		}
	}
	if _, err := m.Open(ctx, project, OpenOptions{Rebuild: true}); err == nil {
		t.Error("read-only rebuild accepted")
	}

	w, err := m.Open(ctx, project, OpenOptions{Write: true, Rebuild: true})
	if err != nil {
		t.Fatalf("Open(rebuild) = %v", err)
	}
	defer w.Close()
	if w.Meta().Stale() || !w.Meta().CreatedAt.Equal(created) {
		t.Errorf("rebuilt meta = %+v, want current versions and original creation time", w.Meta())
	}
}

func TestManager_ListRemoveCleanOrphans(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	keep := t.TempDir()
	gone := filepath.Join(t.TempDir(), "project")
	if err := os.Mkdir(gone, 0755); err != nil {
		t.Fatal(err)
	}
	indexWorkspace(t, m, keep, map[string]string{"a.go": "package a\n"})
	indexWorkspace(t, m, gone, map[string]string{"b.go": "package b\n", "c.go": "package c\n"})

	entries, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() = %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.SizeOnDisk <= 0 || e.Documents == 0 {
			t.Errorf("entry %s has size %d and %d documents", e.Path, e.SizeOnDisk, e.Documents)
		}
	}

	if err := os.RemoveAll(gone); err != nil {
		t.Fatal(err)
	}
	var goneID string
	for _, e := range entries {
		if filepath.Base(e.Path) == "project" {
			goneID = e.ID
		}
	}
	size, err := fileutil.DirSize(m.Dir(goneID))
	if err != nil {
		t.Fatal(err)
	}

	report, err := m.CleanOrphans(ctx)
	if err != nil {
		t.Fatalf("CleanOrphans() = %v", err)
	}
	if len(report.Removed) != 1 || report.Removed[0].ID != goneID {
		t.Fatalf("removed = %+v, want %s", report.Removed, goneID)
	}
	if report.BytesReclaimed != size {
		t.Errorf("BytesReclaimed = %d, want %d", report.BytesReclaimed, size)
	}
	if _, err := os.Stat(m.Dir(goneID)); !os.IsNotExist(err) {
		t.Errorf("orphaned index directory still present: %v", err)
	}

	entries, err = m.List(ctx)
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(entries) != 1 || entries[0].ID == goneID {
		t.Errorf("List() after clean = %+v", entries)
	}

	report, err = m.CleanOrphans(ctx)
	if err != nil || len(report.Removed) != 0 || report.BytesReclaimed != 0 {
		t.Errorf("second CleanOrphans() = %+v, %v", report, err)
	}

	removed, err := m.Remove(ctx, keep)
	if err != nil {
		t.Fatalf("Remove(path) = %v", err)
	}
	if removed.SizeOnDisk <= 0 {
		t.Errorf("Remove reported size %d", removed.SizeOnDisk)
	}
	if _, err := m.Remove(ctx, removed.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Remove(removed id) = %v, want ErrNotFound", err)
	}
}

func TestManager_RemoveByIDWhileLocked(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	project := t.TempDir()

	w, err := m.Open(ctx, project, OpenOptions{Write: true})
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if _, err := m.Remove(ctx, w.ID()); !errors.Is(err, ErrLocked) {
		t.Errorf("Remove() while locked = %v, want ErrLocked", err)
	}
	w.Close()

	if _, err := m.Remove(ctx, w.ID()); err != nil {
		t.Errorf("Remove() = %v", err)
	}
}

func TestManager_ReconcileLostRegistry(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	project := t.TempDir()

	m, err := NewManager(root)
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	indexWorkspace(t, m, project, map[string]string{"a.go": "package a\n"})
	m.Close()

	for _, suffix := range []string{"", "-wal", "-shm"} {
		os.Remove(filepath.Join(root, RegistryFileName+suffix))
	}

	m2, err := NewManager(root)
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	defer m2.Close()
	entries, err := m2.List(context.Background())
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(entries) != 1 || entries[0].Documents != 1 {
		t.Errorf("List() = %+v, want the index found on disk", entries)
	}
}

func TestRegistry(t *testing.T) {
	reg, err := OpenRegistry(filepath.Join(t.TempDir(), RegistryFileName))
	if err != nil {
		t.Fatalf("OpenRegistry() = %v", err)
	}
	defer reg.Close()
	ctx := context.Background()

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := Entry{ID: ID("/p"), Path: "/p", SchemaVersion: 1, TokenizerVersion: 1, CreatedAt: created, UpdatedAt: created, Documents: 3}
	if err := reg.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert() = %v", err)
	}
	e.Documents = 5
	e.Embeddings = true
	e.CreatedAt = created.Add(time.Hour)
	if err := reg.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert() = %v", err)
	}

	got, err := reg.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got.Documents != 5 || !got.Embeddings || !got.CreatedAt.Equal(created) {
		t.Errorf("Get() = %+v, want updated counts and the original creation time", got)
	}

	if err := reg.Delete(ctx, e.ID); err != nil {
		t.Fatalf("Delete() = %v", err)
	}
	if _, err := reg.Get(ctx, e.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete = %v, want ErrNotFound", err)
	}
	if err := reg.Delete(ctx, e.ID); err != nil {
		t.Errorf("Delete(unknown) = %v", err)
	}
}
