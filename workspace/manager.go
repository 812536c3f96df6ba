package workspace

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/yoanbernabeu/codegrep/index"
	"github.com/yoanbernabeu/codegrep/internal/fileutil"
	"github.com/yoanbernabeu/codegrep/store"
	"github.com/yoanbernabeu/codegrep/tokenizer"
	"github.com/yoanbernabeu/codegrep/vector"
)

const (
	indexesDir = "indexes"
	modelsDir  = "models"
)

// OpenOptions controls Manager.Open.
type OpenOptions struct {
	// Write acquires the writer lock and creates the index directory on
	// first use.
	Write bool

	// Rebuild discards whatever is stored and starts from an empty index.
	// It is the only way past ErrVersionMismatch and ErrIndexCorruption.
	Rebuild bool

	// BM25 and Vectors override the manager's defaults when set.
	BM25    index.BM25
	Vectors vector.Config
}

// CleanReport is the outcome of CleanOrphans.
type CleanReport struct {
	Removed        []Entry `json:"removed"`
	BytesReclaimed int64   `json:"bytes_reclaimed"`
}

// Manager maps workspace directories to their index directories under a
// per-user data root.
type Manager struct {
	root     string
	registry *Registry
	bm25     index.BM25
	vectors  vector.Config
}

type Option func(*Manager)

// WithBM25 sets the ranking constants of opened indexes.
func WithBM25(b index.BM25) Option {
	return func(m *Manager) {
		m.bm25 = b
	}
}

// WithVectorConfig sets the vector backend of opened indexes.
func WithVectorConfig(cfg vector.Config) Option {
	return func(m *Manager) {
		m.vectors = cfg
	}
}

// NewManager opens the registry under dataRoot, creating the root on
// first use.
func NewManager(dataRoot string, opts ...Option) (*Manager, error) {
	if dataRoot == "" {
		return nil, errors.New("data root is required")
	}
	if err := os.MkdirAll(filepath.Join(dataRoot, indexesDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data root: %w", err)
	}
	reg, err := OpenRegistry(filepath.Join(dataRoot, RegistryFileName))
	if err != nil {
		return nil, err
	}

	m := &Manager{
		root:     dataRoot,
		registry: reg,
		bm25:     index.BM25{K1: index.DefaultK1, B: index.DefaultB},
		vectors:  vector.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) Close() error {
	return m.registry.Close()
}

// Root returns the data root.
func (m *Manager) Root() string {
	return m.root
}

// ModelsDir is the process-wide cache directory for embedding artifacts.
func (m *Manager) ModelsDir() string {
	return filepath.Join(m.root, modelsDir)
}

// Dir returns the index directory of a workspace id.
func (m *Manager) Dir(id string) string {
	return filepath.Join(m.root, indexesDir, id)
}

// Open returns a handle on the index of the workspace at path. A read-only
// open of a never-indexed workspace fails with ErrNotFound.
func (m *Manager) Open(ctx context.Context, path string, opts OpenOptions) (*Workspace, error) {
	if opts.Rebuild && !opts.Write {
		return nil, errors.New("rebuild requires a writable open")
	}
	id, canonical, err := Resolve(path)
	if err != nil {
		return nil, err
	}
	dir := m.Dir(id)

	bm25, vcfg := m.bm25, m.vectors
	if opts.BM25.K1 > 0 {
		bm25 = opts.BM25
	}
	if opts.Vectors.Backend != "" {
		vcfg = opts.Vectors
	}
	w := &Workspace{
		dir:  dir,
		idx:  index.New(store.NewDocumentStore(), bm25),
		vcfg: vcfg,
	}

	if opts.Write {
		lock, err := fileutil.TryLockDir(dir)
		if err != nil {
			return nil, err
		}
		w.lock = lock
		w.claim()
		w.onSave = func(meta Meta, size int64) {
			if err := m.registry.Upsert(context.Background(), entryFromMeta(meta, size)); err != nil {
				log.Printf("Failed to update registry: %v", err)
			}
		}
	}

	fail := func(err error) (*Workspace, error) {
		w.Close()
		return nil, err
	}

	meta, found, err := readMeta(filepath.Join(dir, MetaFileName))
	if err != nil && !(opts.Rebuild && errors.Is(err, ErrIndexCorruption)) {
		return fail(err)
	}
	if !found && !opts.Write {
		return fail(fmt.Errorf("%w: %s", ErrNotFound, canonical))
	}

	now := time.Now().UTC()
	if !found || err != nil || opts.Rebuild {
		created := meta.CreatedAt
		if created.IsZero() {
			created = now
		}
		w.meta = Meta{
			ID:               id,
			Path:             canonical,
			SchemaVersion:    SchemaVersion,
			TokenizerVersion: tokenizer.Version,
			CreatedAt:        created,
			UpdatedAt:        now,
		}
		for _, name := range []string{IndexFileName, VectorsFileName} {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				return fail(fmt.Errorf("failed to discard %s: %w", name, err))
			}
		}
		if err := writeMeta(w.metaPath(), w.meta); err != nil {
			return fail(err)
		}
		if err := m.registry.Upsert(ctx, entryFromMeta(w.meta, 0)); err != nil {
			return fail(err)
		}
		return w, nil
	}

	w.meta = meta
	if meta.Stale() {
		return fail(fmt.Errorf("%w: stored schema %d tokenizer %d, current schema %d tokenizer %d",
			ErrVersionMismatch, meta.SchemaVersion, meta.TokenizerVersion, SchemaVersion, tokenizer.Version))
	}
	if err := w.load(); err != nil {
		return fail(err)
	}
	return w, nil
}

// Lookup returns the stored metadata of the workspace at path without
// loading its index. The boolean is false when it was never indexed.
func (m *Manager) Lookup(path string) (Meta, bool, error) {
	id, _, err := Resolve(path)
	if err != nil {
		return Meta{}, false, err
	}
	return readMeta(filepath.Join(m.Dir(id), MetaFileName))
}

// List returns every known workspace index with its current size on disk.
// Index directories missing from the registry are registered again, and
// registry entries without a directory are dropped.
func (m *Manager) List(ctx context.Context) ([]Entry, error) {
	if err := m.reconcile(ctx); err != nil {
		return nil, err
	}
	entries, err := m.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		size, err := fileutil.DirSize(m.Dir(entries[i].ID))
		if err != nil {
			log.Printf("Warning: failed to measure %s: %v", m.Dir(entries[i].ID), err)
			continue
		}
		entries[i].SizeOnDisk = size
	}
	return entries, nil
}

func (m *Manager) reconcile(ctx context.Context) error {
	registered, err := m.registry.List(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(registered))
	for _, e := range registered {
		known[e.ID] = true
		if _, err := os.Stat(m.Dir(e.ID)); os.IsNotExist(err) {
			if err := m.registry.Delete(ctx, e.ID); err != nil {
				return err
			}
		}
	}

	dirs, err := os.ReadDir(filepath.Join(m.root, indexesDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read indexes directory: %w", err)
	}
	for _, d := range dirs {
		if !d.IsDir() || known[d.Name()] || !IsID(d.Name()) {
			continue
		}
		meta, found, err := readMeta(filepath.Join(m.root, indexesDir, d.Name(), MetaFileName))
		if err != nil || !found || meta.ID != d.Name() {
			log.Printf("Warning: skipping unrecognised index directory %s", d.Name())
			continue
		}
		size, _ := fileutil.DirSize(m.Dir(meta.ID))
		if err := m.registry.Upsert(ctx, entryFromMeta(meta, size)); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the index of a workspace, given its id or its path. The
// workspace itself does not need to exist any more.
func (m *Manager) Remove(ctx context.Context, idOrPath string) (Entry, error) {
	entry, err := m.find(ctx, idOrPath)
	if err != nil {
		return Entry{}, err
	}
	if err := m.remove(ctx, &entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (m *Manager) find(ctx context.Context, idOrPath string) (Entry, error) {
	if err := m.reconcile(ctx); err != nil {
		return Entry{}, err
	}
	if IsID(idOrPath) {
		if e, err := m.registry.Get(ctx, idOrPath); err == nil {
			return e, nil
		}
	}

	// The workspace may be gone, so fall back to the lexical path.
	candidates := []string{}
	if canonical, err := Canonicalize(idOrPath); err == nil {
		candidates = append(candidates, canonical)
	}
	if abs, err := filepath.Abs(idOrPath); err == nil {
		candidates = append(candidates, filepath.Clean(abs))
	}
	for _, c := range candidates {
		if e, err := m.registry.Get(ctx, ID(c)); err == nil {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, idOrPath)
}

// remove deletes the directory of e while holding its writer lock and
// records the reclaimed size in e.
func (m *Manager) remove(ctx context.Context, e *Entry) error {
	dir := m.Dir(e.ID)
	size, err := fileutil.DirSize(dir)
	if err != nil {
		return fmt.Errorf("failed to measure %s: %w", dir, err)
	}

	lock, err := fileutil.TryLockDir(dir)
	if err != nil {
		return err
	}
	err = os.RemoveAll(dir)
	lock.Unlock()
	if err != nil {
		// Windows refuses to delete the open lock file.
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}

	if err := m.registry.Delete(ctx, e.ID); err != nil {
		return err
	}
	e.SizeOnDisk = size
	return nil
}

// CleanOrphans removes every index whose workspace directory no longer
// exists. Indexes locked by a running writer are left alone.
func (m *Manager) CleanOrphans(ctx context.Context) (CleanReport, error) {
	var report CleanReport

	if err := m.reconcile(ctx); err != nil {
		return report, err
	}
	entries, err := m.registry.List(ctx)
	if err != nil {
		return report, err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !orphaned(e.Path) {
			continue
		}
		if err := m.remove(ctx, &e); err != nil {
			if errors.Is(err, ErrLocked) {
				log.Printf("Warning: skipping orphaned index %s, it is in use", e.ID)
				continue
			}
			return report, err
		}
		log.Printf("Removed orphaned index %s (%s)", e.ID, e.Path)
		report.Removed = append(report.Removed, e)
		report.BytesReclaimed += e.SizeOnDisk
	}

	sort.Slice(report.Removed, func(i, j int) bool { return report.Removed[i].Path < report.Removed[j].Path })
	return report, nil
}

func orphaned(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return os.IsNotExist(err)
	}
	return !info.IsDir()
}
