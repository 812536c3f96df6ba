//go:build !windows

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// IsProcessRunning reports whether pid names a live process. Signal 0 only
// checks existence and permission.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// sysProcAttr puts the child in its own process group so a Ctrl+C in the
// starting terminal does not reach it.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// livenessCheck hands the child the write end of a pipe. The kernel closes
// it when the child exits, even while the child is still a zombie, and the
// parent's read returns.
type livenessCheck struct {
	r, w *os.File
}

func newLivenessCheck() (*livenessCheck, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create liveness pipe: %w", err)
	}
	return &livenessCheck{r: r, w: w}, nil
}

func (l *livenessCheck) configureCmd(cmd *exec.Cmd) {
	cmd.ExtraFiles = append(cmd.ExtraFiles, l.w)
}

func (l *livenessCheck) start(int) <-chan struct{} {
	l.w.Close()
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		defer l.r.Close()
		var b [1]byte
		// Any return, EOF or error, means the child is gone or the pipe is.
		_, _ = l.r.Read(b[:])
	}()
	return exited
}

func (l *livenessCheck) cleanup() {
	l.r.Close()
	l.w.Close()
}

// requestStop interrupts the watch. SIGINT reaches the signal.NotifyContext
// of the watch command, which shuts the watcher down cleanly.
func requestStop(_, _ string, pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := p.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("failed to interrupt process %d: %w", pid, err)
	}
	return nil
}

// StopChannel returns a channel for stop requests that arrive outside of
// signals. Signals already cancel the watch on Unix, so it never fires.
func StopChannel(_, _ string) (<-chan struct{}, func()) {
	return make(chan struct{}), func() {}
}
