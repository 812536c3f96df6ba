package fileutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrLocked is returned when another process holds the directory lock.
var ErrLocked = errors.New("directory is locked by another writer")

// LockFileName is the name of the lock file created inside a locked directory.
const LockFileName = "write.lock"

// DirLock is an exclusive, non-blocking, advisory lock on a directory,
// backed by a lock file inside it. The lock is released when the process exits.
type DirLock struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// TryLockDir acquires the write lock of dir without waiting. It returns
// ErrLocked when another process already owns it.
func TryLockDir(dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	l, err := TryLockFile(filepath.Join(dir, LockFileName))
	if errors.Is(err, ErrLocked) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}
	return l, err
}

// TryLockFile takes an exclusive lock on the file at path, creating it if
// needed. It returns ErrLocked when another process already owns it.
func TryLockFile(path string) (*DirLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := lockFile(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to acquire exclusive lock: %w", err)
	}

	return &DirLock{path: path, f: f}, nil
}

// Path returns the lock file path.
func (l *DirLock) Path() string {
	return l.path
}

// Unlock releases the lock. It is safe to call more than once.
func (l *DirLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
