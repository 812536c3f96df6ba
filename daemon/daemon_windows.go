//go:build windows

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

var (
	kernel32        = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess = kernel32.NewProc("OpenProcess")
	procCloseHandle = kernel32.NewProc("CloseHandle")
)

const (
	processQueryLimitedInformation = 0x1000

	livenessPollInterval = 250 * time.Millisecond
	stopPollInterval     = 500 * time.Millisecond
)

// IsProcessRunning reports whether a handle to pid can be opened.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, _, _ := procOpenProcess.Call(processQueryLimitedInformation, 0, uintptr(pid))
	if h == 0 {
		return false
	}
	procCloseHandle.Call(h)
	return true
}

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// livenessCheck polls the child. There are no zombies on Windows and
// ExtraFiles is unsupported.
type livenessCheck struct{}

func newLivenessCheck() (*livenessCheck, error) {
	return &livenessCheck{}, nil
}

func (*livenessCheck) configureCmd(*exec.Cmd) {}

func (*livenessCheck) start(pid int) <-chan struct{} {
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for IsProcessRunning(pid) {
			time.Sleep(livenessPollInterval)
		}
	}()
	return exited
}

func (*livenessCheck) cleanup() {}

// requestStop writes the stop file of the workspace. A detached process has
// no console to deliver an interrupt to, so the watch polls for the file.
func requestStop(logDir, id string, pid int) error {
	if !IsProcessRunning(pid) {
		return fmt.Errorf("process %d is not running", pid)
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := os.WriteFile(StopFile(logDir, id), []byte(fmt.Sprintf("%d\n", pid)), 0600); err != nil {
		return fmt.Errorf("failed to write stop file: %w", err)
	}
	return nil
}

// StopChannel returns a channel closed once a stop file for workspace id
// appears, and a func that ends the polling. A stop file left by an earlier
// run is discarded first.
func StopChannel(logDir, id string) (<-chan struct{}, func()) {
	path := StopFile(logDir, id)
	_ = os.Remove(path)

	fired := make(chan struct{})
	quit := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(stopPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				if _, err := os.Stat(path); err == nil {
					_ = os.Remove(path)
					close(fired)
					return
				}
			}
		}
	}()
	return fired, func() { once.Do(func() { close(quit) }) }
}
