// Package git locates the repository that contains a directory, which is the
// default workspace root when none is given.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotRepository is returned when no repository encloses the path.
var ErrNotRepository = errors.New("not inside a git repository")

// Root returns the top-level directory of the repository containing path.
// It asks git when it is installed and otherwise looks for a .git entry in
// path and its parents.
func Root(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	if _, err := exec.LookPath("git"); err != nil {
		return FindRoot(abs)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "git", "-C", abs, "rev-parse", "--show-toplevel").Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%w: %s", ErrNotRepository, abs)
		}
		return FindRoot(abs)
	}
	return filepath.Clean(strings.TrimSpace(string(out))), nil
}

// FindRoot walks up from dir until it finds a directory holding a .git
// directory or file (linked worktrees and submodules use a file).
func FindRoot(dir string) (string, error) {
	dir = filepath.Clean(dir)
	for {
		if _, err := os.Lstat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: %s", ErrNotRepository, dir)
		}
		dir = parent
	}
}
