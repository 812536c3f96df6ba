package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// RegistryFileName is the SQLite database holding the registry.
const RegistryFileName = "registry.db"

const registrySchema = `
CREATE TABLE IF NOT EXISTS workspaces (
    id TEXT PRIMARY KEY,
    path TEXT NOT NULL UNIQUE,
    schema_version INTEGER NOT NULL,
    tokenizer_version INTEGER NOT NULL,
    created_at INTEGER NOT NULL,   -- Unix nanoseconds
    updated_at INTEGER NOT NULL,   -- Unix nanoseconds
    documents INTEGER NOT NULL DEFAULT 0,
    chunks INTEGER NOT NULL DEFAULT 0,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    embeddings INTEGER NOT NULL DEFAULT 0
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_workspaces_path ON workspaces(path);
`

// Entry is one registered workspace index.
type Entry struct {
	ID               string    `json:"workspace_id"`
	Path             string    `json:"workspace_path"`
	SchemaVersion    int       `json:"schema_version"`
	TokenizerVersion int       `json:"tokenizer_version"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	Documents        int       `json:"document_count"`
	Chunks           int       `json:"chunk_count"`
	SizeOnDisk       int64     `json:"size_on_disk"`
	Embeddings       bool      `json:"embeddings"`
}

func entryFromMeta(m Meta, size int64) Entry {
	return Entry{
		ID:               m.ID,
		Path:             m.Path,
		SchemaVersion:    m.SchemaVersion,
		TokenizerVersion: m.TokenizerVersion,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
		Documents:        m.Documents,
		Chunks:           m.Chunks,
		SizeOnDisk:       size,
		Embeddings:       m.Embeddings,
	}
}

// Registry is the persisted catalogue of workspace indexes.
type Registry struct {
	db *sql.DB
}

// OpenRegistry opens or creates the registry database at path.
func OpenRegistry(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	// One connection: SQLite has a single writer, and several processes
	// (index, watch) may share the file.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(registrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// Upsert records e, replacing any previous entry with the same id.
func (r *Registry) Upsert(ctx context.Context, e Entry) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO workspaces (id, path, schema_version, tokenizer_version, created_at, updated_at, documents, chunks, size_bytes, embeddings)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    path = excluded.path,
    schema_version = excluded.schema_version,
    tokenizer_version = excluded.tokenizer_version,
    updated_at = excluded.updated_at,
    documents = excluded.documents,
    chunks = excluded.chunks,
    size_bytes = excluded.size_bytes,
    embeddings = excluded.embeddings`,
		e.ID, e.Path, e.SchemaVersion, e.TokenizerVersion,
		e.CreatedAt.UnixNano(), e.UpdatedAt.UnixNano(),
		e.Documents, e.Chunks, e.SizeOnDisk, boolToInt(e.Embeddings))
	if err != nil {
		return fmt.Errorf("failed to register workspace %s: %w", e.Path, err)
	}
	return nil
}

// Get returns the entry with the given id.
func (r *Registry) Get(ctx context.Context, id string) (Entry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM workspaces WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

// List returns every entry ordered by workspace path.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM workspaces ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes the entry with the given id. Deleting an unknown id is not
// an error.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to unregister workspace %s: %w", id, err)
	}
	return nil
}

const entryColumns = `id, path, schema_version, tokenizer_version, created_at, updated_at, documents, chunks, size_bytes, embeddings`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e                Entry
		created, updated int64
		embeddings       int
	)
	err := s.Scan(&e.ID, &e.Path, &e.SchemaVersion, &e.TokenizerVersion, &created, &updated,
		&e.Documents, &e.Chunks, &e.SizeOnDisk, &embeddings)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("failed to read registry entry: %w", err)
	}
	e.CreatedAt = time.Unix(0, created).UTC()
	e.UpdatedAt = time.Unix(0, updated).UTC()
	e.Embeddings = embeddings != 0
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
