// Package workspace manages the on-disk index of each project directory:
// identifiers, metadata, snapshot persistence, the single-writer lock and
// the registry of every known index.
package workspace

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/yoanbernabeu/codegrep/index"
	"github.com/yoanbernabeu/codegrep/internal/fileutil"
	"github.com/yoanbernabeu/codegrep/store"
	"github.com/yoanbernabeu/codegrep/tokenizer"
	"github.com/yoanbernabeu/codegrep/vector"
)

// SchemaVersion is bumped whenever the layout of index.gob changes.
const SchemaVersion = 1

const (
	MetaFileName    = "meta.yaml"
	IndexFileName   = "index.gob"
	VectorsFileName = "vectors.gob"
	idLength        = 32
)

var (
	// ErrIndexCorruption means the on-disk structures could not be decoded.
	// The only remedy is a full rebuild.
	ErrIndexCorruption = errors.New("index corrupted")

	// ErrVersionMismatch means the index was built by another schema or
	// tokenizer version and needs an explicit rebuild.
	ErrVersionMismatch = errors.New("index version mismatch")

	// ErrLocked means another process owns the writer lock.
	ErrLocked = fileutil.ErrLocked

	// ErrNotFound means no index exists for the given workspace.
	ErrNotFound = errors.New("workspace index not found")

	// ErrInvalidPath means the workspace path is not an existing directory.
	ErrInvalidPath = errors.New("invalid workspace path")
)

// Meta is the content of meta.yaml.
type Meta struct {
	ID               string    `yaml:"id"`
	Path             string    `yaml:"path"`
	SchemaVersion    int       `yaml:"schema_version"`
	TokenizerVersion int       `yaml:"tokenizer_version"`
	CreatedAt        time.Time `yaml:"created_at"`
	UpdatedAt        time.Time `yaml:"updated_at"`
	Documents        int       `yaml:"documents"`
	Chunks           int       `yaml:"chunks"`
	Embeddings       bool      `yaml:"embeddings"`
	EmbeddingModel   string    `yaml:"embedding_model,omitempty"`
	Dimensions       int       `yaml:"dimensions,omitempty"`
}

// Stale reports whether the index was written by another schema or
// tokenizer version.
func (m Meta) Stale() bool {
	return m.SchemaVersion != SchemaVersion || m.TokenizerVersion != tokenizer.Version
}

// indexFile is the gob payload of index.gob.
type indexFile struct {
	SchemaVersion    int
	TokenizerVersion int
	Postings         index.Snapshot
	Documents        store.Snapshot
}

// Canonicalize returns the absolute, symlink-free form of path. The path
// must be an existing directory.
func Canonicalize(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, path)
	}
	return filepath.Clean(resolved), nil
}

// ID derives the workspace identifier from a canonical path.
func ID(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:idLength]
}

// IsID reports whether s has the shape of a workspace identifier.
func IsID(s string) bool {
	if len(s) != idLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Resolve canonicalizes path and returns its identifier.
func Resolve(path string) (id, canonical string, err error) {
	canonical, err = Canonicalize(path)
	if err != nil {
		return "", "", err
	}
	return ID(canonical), canonical, nil
}

// Workspace is an open handle on one workspace index. A writable handle
// holds the directory's writer lock until Close.
type Workspace struct {
	dir   string
	idx   *index.Index
	owner string
	lock  *fileutil.DirLock
	vcfg  vector.Config

	mu      sync.Mutex
	meta    Meta
	vectors *vector.Index
	onSave  func(Meta, int64)
}

func (w *Workspace) ID() string { return w.meta.ID }

func (w *Workspace) Path() string { return w.meta.Path }

// Dir is the index directory under the data root.
func (w *Workspace) Dir() string { return w.dir }

func (w *Workspace) Index() *index.Index { return w.idx }

// Writable reports whether the handle holds the writer lock.
func (w *Workspace) Writable() bool { return w.lock != nil }

// Owner is the token recorded in the lock file by a writable handle.
func (w *Workspace) Owner() string { return w.owner }

func (w *Workspace) IndexPath() string { return filepath.Join(w.dir, IndexFileName) }

func (w *Workspace) vectorsPath() string { return filepath.Join(w.dir, VectorsFileName) }

func (w *Workspace) metaPath() string { return filepath.Join(w.dir, MetaFileName) }

// Meta returns a copy of the current metadata.
func (w *Workspace) Meta() Meta {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.meta
}

// Vectors returns the vector index, or nil when the workspace has no
// embeddings.
func (w *Workspace) Vectors() *vector.Index {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.vectors
}

// EnableVectors creates an empty vector index when none is loaded, or one
// was built by another model, and records the model in the metadata.
func (w *Workspace) EnableVectors(model string, dimensions int) *vector.Index {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.vectors != nil && w.meta.EmbeddingModel == model && (w.vectors.Len() == 0 || w.vectors.Dimensions() == dimensions) {
		return w.vectors
	}
	if w.vectors != nil && w.vectors.Len() > 0 {
		log.Printf("Warning: embedding model changed from %q to %q, discarding %d vectors", w.meta.EmbeddingModel, model, w.vectors.Len())
	}
	w.vectors = vector.New(w.vcfg)
	w.meta.EmbeddingModel = model
	w.meta.Dimensions = dimensions
	return w.vectors
}

// DisableVectors drops the vector index. The next Save removes vectors.gob.
func (w *Workspace) DisableVectors() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.vectors = nil
	w.meta.EmbeddingModel = ""
	w.meta.Dimensions = 0
}

// Save writes the index, vectors and metadata snapshots. Each file is
// replaced atomically.
func (w *Workspace) Save() error {
	if !w.Writable() {
		return errors.New("workspace opened read-only")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	postings, docs := w.idx.SnapshotAll()
	payload := indexFile{
		SchemaVersion:    SchemaVersion,
		TokenizerVersion: tokenizer.Version,
		Postings:         postings,
		Documents:        docs,
	}
	if err := fileutil.WriteFileAtomically(w.IndexPath(), func(wr io.Writer) error {
		return gob.NewEncoder(wr).Encode(&payload)
	}); err != nil {
		return fmt.Errorf("failed to save index: %w", err)
	}

	embeddings := w.vectors != nil && w.vectors.Len() > 0
	if embeddings {
		if err := w.vectors.Save(w.vectorsPath()); err != nil {
			return err
		}
	} else if err := os.Remove(w.vectorsPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale vectors: %w", err)
	}

	w.meta.SchemaVersion = SchemaVersion
	w.meta.TokenizerVersion = tokenizer.Version
	w.meta.UpdatedAt = time.Now().UTC()
	w.meta.Documents = len(docs.Documents)
	w.meta.Chunks = len(docs.Chunks)
	w.meta.Embeddings = embeddings
	if err := writeMeta(w.metaPath(), w.meta); err != nil {
		return err
	}

	if w.onSave != nil {
		size, err := fileutil.DirSize(w.dir)
		if err != nil {
			log.Printf("Warning: failed to measure %s: %v", w.dir, err)
		}
		w.onSave(w.meta, size)
	}
	return nil
}

// SizeOnDisk returns the bytes used by the workspace directory.
func (w *Workspace) SizeOnDisk() (int64, error) {
	return fileutil.DirSize(w.dir)
}

// Close releases the writer lock, if held.
func (w *Workspace) Close() error {
	if w.lock == nil {
		return nil
	}
	err := w.lock.Unlock()
	w.lock = nil
	return err
}

// claim writes the owner token into the lock file for diagnostics.
func (w *Workspace) claim() {
	w.owner = uuid.New().String()
	content := fmt.Sprintf("%s %d\n", w.owner, os.Getpid())
	if err := os.WriteFile(w.lock.Path(), []byte(content), 0644); err != nil {
		log.Printf("Warning: failed to record lock owner: %v", err)
	}
}

// load restores the snapshots written by Save. A missing index.gob is only
// acceptable for a workspace that never stored a document.
func (w *Workspace) load() error {
	f, err := os.Open(w.IndexPath())
	if err != nil {
		if os.IsNotExist(err) {
			if w.meta.Documents > 0 {
				return fmt.Errorf("%w: %s is missing", ErrIndexCorruption, IndexFileName)
			}
			return nil
		}
		return fmt.Errorf("failed to open index: %w", err)
	}
	defer f.Close()

	var payload indexFile
	if err := gob.NewDecoder(f).Decode(&payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIndexCorruption, IndexFileName, err)
	}
	if payload.SchemaVersion != SchemaVersion || payload.TokenizerVersion != tokenizer.Version {
		return fmt.Errorf("%w: %s was written by schema %d tokenizer %d", ErrVersionMismatch,
			IndexFileName, payload.SchemaVersion, payload.TokenizerVersion)
	}
	if err := w.idx.Restore(payload.Postings, payload.Documents); err != nil {
		return fmt.Errorf("%w: %v", ErrIndexCorruption, err)
	}

	if !w.meta.Embeddings {
		return nil
	}
	vecs, err := vector.Load(w.vectorsPath(), w.vcfg)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Warning: %s is missing, continuing without embeddings", VectorsFileName)
			w.meta.Embeddings = false
			return nil
		}
		return fmt.Errorf("%w: %v", ErrIndexCorruption, err)
	}
	w.vectors = vecs
	return nil
}

// readMeta loads meta.yaml. The boolean is false when the file is absent.
func readMeta(path string) (Meta, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, false, nil
		}
		return Meta{}, false, fmt.Errorf("failed to read metadata: %w", err)
	}
	var m Meta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Meta{}, true, fmt.Errorf("%w: %s: %v", ErrIndexCorruption, MetaFileName, err)
	}
	return m, true, nil
}

func writeMeta(path string, m Meta) error {
	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := fileutil.WriteFileAtomically(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}
