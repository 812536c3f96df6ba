package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yoanbernabeu/codegrep/store"
	"github.com/yoanbernabeu/codegrep/tokenizer"
)

// DefaultMaxFileSize is the size ceiling used when none is configured.
const DefaultMaxFileSize = 10 << 20

// binarySniffLen is how much of a file is inspected for binary content.
const binarySniffLen = 8 << 10

// WarningKind classifies a skipped path.
type WarningKind string

const (
	WarnUnreadable    WarningKind = "unreadable"
	WarnPermission    WarningKind = "permission_denied"
	WarnTooLarge      WarningKind = "too_large"
	WarnBinary        WarningKind = "binary"
	WarnSymlinkCycle  WarningKind = "symlink_cycle"
	WarnBrokenSymlink WarningKind = "broken_symlink"
)

// ErrExcluded is returned by Admit for paths the exclusion rules reject.
var ErrExcluded = errors.New("path excluded")

// Warning is a non-fatal problem with one path. The path was skipped and the
// operation continued.
type Warning struct {
	Path string      `json:"path"`
	Kind WarningKind `json:"kind"`
	Err  error       `json:"-"`
}

func (w *Warning) Error() string {
	if w.Err != nil {
		return fmt.Sprintf("%s: %s: %v", w.Path, w.Kind, w.Err)
	}
	return fmt.Sprintf("%s: %s", w.Path, w.Kind)
}

func (w *Warning) Unwrap() error {
	return w.Err
}

// Candidate is a file the walker found and that passed the path-based rules.
type Candidate struct {
	Path    string // relative to the root, slash separated
	AbsPath string
	Size    int64
	ModTime time.Time
}

// File is an admitted file with its content loaded.
type File struct {
	Candidate
	Content []byte
	Hash    string
}

// Document returns the store record for f, without chunk ids.
func (f File) Document() store.Document {
	return store.Document{
		Path:    f.Path,
		Size:    f.Size,
		ModTime: f.ModTime,
		Hash:    f.Hash,
	}
}

// WalkOptions configures a Walker.
type WalkOptions struct {
	MaxFileSize       int64
	FollowSymlinks    bool
	IncludeHidden     bool
	IncludeExtensions []string
}

// Walker enumerates the files of a workspace root.
type Walker struct {
	root       string
	ignore     *IgnoreMatcher
	opts       WalkOptions
	extensions map[string]bool
}

// NewWalker creates a walker over root. matcher may be nil.
func NewWalker(root string, matcher *IgnoreMatcher, opts WalkOptions) *Walker {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	w := &Walker{root: root, ignore: matcher, opts: opts}
	if len(opts.IncludeExtensions) > 0 {
		w.extensions = make(map[string]bool, len(opts.IncludeExtensions))
		for _, ext := range opts.IncludeExtensions {
			w.extensions[store.NormalizeExt(ext)] = true
		}
	}
	return w
}

// Root returns the workspace root.
func (w *Walker) Root() string {
	return w.root
}

// Visitor receives what WalkTree finds. Nil fields are skipped.
type Visitor struct {
	// Dir is called for the start directory and every directory descended into.
	Dir func(abs, rel string)

	// File is called for every candidate file. An error stops the walk.
	File func(Candidate) error

	// Warn receives problems with individual entries.
	Warn func(*Warning)
}

// Walk calls fn for every candidate file below the root. Problems with
// individual entries are passed to warn and never stop the walk. Walk returns
// early when ctx is cancelled or fn returns an error.
func (w *Walker) Walk(ctx context.Context, fn func(Candidate) error, warn func(*Warning)) error {
	return w.WalkTree(ctx, "", Visitor{File: fn, Warn: warn})
}

// WalkTree walks the directory rel below the root, or the whole root when
// rel is empty.
func (w *Walker) WalkTree(ctx context.Context, rel string, v Visitor) error {
	if v.File == nil {
		v.File = func(Candidate) error { return nil }
	}
	if v.Warn == nil {
		v.Warn = func(*Warning) {}
	}
	if v.Dir == nil {
		v.Dir = func(string, string) {}
	}

	rootReal, err := filepath.EvalSymlinks(w.root)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	rel = strings.Trim(filepath.ToSlash(rel), "/")
	dir := filepath.Join(w.root, filepath.FromSlash(rel))

	canonical := rootReal
	if rel != "" {
		if canonical, err = filepath.EvalSymlinks(dir); err != nil {
			return fmt.Errorf("failed to resolve %s: %w", rel, err)
		}
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", displayPath(rel), err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", displayPath(rel))
	}

	ancestors := map[string]bool{rootReal: true, canonical: true}
	v.Dir(dir, rel)
	return w.walkDir(ctx, dir, rel, ancestors, v)
}

// walkDir descends into dir. ancestors holds the real paths of the
// directories on the current descent path.
func (w *Walker) walkDir(ctx context.Context, dir, rel string, ancestors map[string]bool, v Visitor) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		v.Warn(entryWarning(displayPath(rel), err))
		if len(entries) == 0 {
			return nil
		}
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := entry.Name()
		if name == ".git" {
			continue
		}
		if !w.opts.IncludeHidden && strings.HasPrefix(name, ".") {
			continue
		}

		abs := filepath.Join(dir, name)
		relPath := name
		if rel != "" {
			relPath = rel + "/" + name
		}

		mode := entry.Type()
		if mode&fs.ModeSymlink != 0 {
			if !w.opts.FollowSymlinks {
				continue
			}
			target, err := os.Stat(abs)
			if err != nil {
				v.Warn(&Warning{Path: relPath, Kind: WarnBrokenSymlink, Err: err})
				continue
			}
			mode = target.Mode().Type()
		}

		switch {
		case mode.IsDir():
			if w.ignore != nil && w.ignore.ShouldSkipDir(relPath) {
				continue
			}
			canonical, err := filepath.EvalSymlinks(abs)
			if err != nil {
				v.Warn(entryWarning(relPath, err))
				continue
			}
			if ancestors[canonical] {
				v.Warn(&Warning{Path: relPath, Kind: WarnSymlinkCycle, Err: fmt.Errorf("re-enters %s", canonical)})
				continue
			}
			ancestors[canonical] = true
			v.Dir(abs, relPath)
			err = w.walkDir(ctx, abs, relPath, ancestors, v)
			delete(ancestors, canonical)
			if err != nil {
				return err
			}

		case mode.IsRegular():
			if !w.matchPath(relPath) {
				continue
			}
			info, err := os.Stat(abs)
			if err != nil {
				v.Warn(entryWarning(relPath, err))
				continue
			}
			if info.Size() > w.opts.MaxFileSize {
				v.Warn(tooLarge(relPath, info.Size(), w.opts.MaxFileSize))
				continue
			}
			if err := v.File(Candidate{Path: relPath, AbsPath: abs, Size: info.Size(), ModTime: info.ModTime()}); err != nil {
				return err
			}
		}
	}
	return nil
}

// matchPath applies the name-based rules to a file path.
func (w *Walker) matchPath(rel string) bool {
	if w.ignore != nil && w.ignore.ShouldIgnore(rel) {
		return false
	}
	if w.extensions != nil && !w.extensions[store.NormalizeExt(filepath.Ext(rel))] {
		return false
	}
	return true
}

// Pruned reports whether rel lies in a hidden or skipped directory or is
// ignored itself. It makes no assumption about rel being a file.
func (w *Walker) Pruned(rel string) bool {
	rel = filepath.ToSlash(rel)
	parts := strings.Split(rel, "/")
	for i, part := range parts {
		if part == ".git" || (!w.opts.IncludeHidden && strings.HasPrefix(part, ".")) {
			return true
		}
		if i < len(parts)-1 && w.ignore != nil && w.ignore.ShouldSkipDir(strings.Join(parts[:i+1], "/")) {
			return true
		}
	}
	return w.ignore != nil && w.ignore.ShouldIgnore(rel)
}

// Excluded reports whether the file rel is rejected by the path rules alone:
// hidden components, ignore patterns and the extension allow-list.
func (w *Walker) Excluded(rel string) bool {
	return w.Pruned(rel) || !w.matchPath(filepath.ToSlash(rel))
}

// Admit runs the single-file admission checks on rel and loads the file.
// It returns ErrExcluded for paths the rules reject, an error satisfying
// errors.Is(err, fs.ErrNotExist) when the file is gone, and a *Warning when
// the file exists but cannot be indexed.
func (w *Walker) Admit(rel string) (File, error) {
	rel = filepath.ToSlash(rel)
	abs := filepath.Join(w.root, filepath.FromSlash(rel))

	// A vanished path is reported as gone before the path rules run: a
	// removed directory fails an extension allow-list, yet its documents
	// still have to go.
	if _, err := os.Lstat(abs); errors.Is(err, fs.ErrNotExist) {
		return File{}, err
	}
	if w.Excluded(rel) {
		return File{}, ErrExcluded
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return File{}, err
		}
		return File{}, entryWarning(rel, err)
	}
	if !info.Mode().IsRegular() {
		return File{}, ErrExcluded
	}
	if info.Size() > w.opts.MaxFileSize {
		return File{}, tooLarge(rel, info.Size(), w.opts.MaxFileSize)
	}

	cand := Candidate{Path: rel, AbsPath: abs, Size: info.Size(), ModTime: info.ModTime()}
	return w.load(cand)
}

// load reads a candidate and rejects binary content.
func (w *Walker) load(c Candidate) (File, error) {
	f, err := os.Open(c.AbsPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return File{}, err
		}
		return File{}, entryWarning(c.Path, err)
	}
	defer f.Close()

	// Read one byte past the ceiling to catch files that grew since stat.
	content, err := io.ReadAll(io.LimitReader(f, w.opts.MaxFileSize+1))
	if err != nil {
		return File{}, entryWarning(c.Path, err)
	}
	if int64(len(content)) > w.opts.MaxFileSize {
		return File{}, tooLarge(c.Path, int64(len(content)), w.opts.MaxFileSize)
	}

	sniff := content
	if len(sniff) > binarySniffLen {
		sniff = sniff[:binarySniffLen]
	}
	if tokenizer.IsBinary(sniff) {
		return File{}, &Warning{Path: c.Path, Kind: WarnBinary}
	}

	c.Size = int64(len(content))
	return File{Candidate: c, Content: content, Hash: store.HashContent(content)}, nil
}

func entryWarning(rel string, err error) *Warning {
	kind := WarnUnreadable
	if errors.Is(err, fs.ErrPermission) {
		kind = WarnPermission
	}
	return &Warning{Path: rel, Kind: kind, Err: err}
}

func tooLarge(rel string, size, limit int64) *Warning {
	return &Warning{Path: rel, Kind: WarnTooLarge, Err: fmt.Errorf("%d bytes exceeds limit of %d", size, limit)}
}

func displayPath(rel string) string {
	if rel == "" {
		return "."
	}
	return rel
}
