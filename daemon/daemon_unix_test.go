//go:build !windows

package daemon

import (
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestLivenessCheckClosesWhenChildExits(t *testing.T) {
	l, err := newLivenessCheck()
	if err != nil {
		t.Fatalf("newLivenessCheck() error: %v", err)
	}
	cmd := exec.Command("true")
	l.configureCmd(cmd)
	if err := cmd.Start(); err != nil {
		l.cleanup()
		t.Skipf("cannot start child: %v", err)
	}
	exited := l.start(cmd.Process.Pid)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("liveness channel still open after child exit")
	}
	_ = cmd.Wait()
}

func TestLivenessCheckClosesOnReadError(t *testing.T) {
	l, err := newLivenessCheck()
	if err != nil {
		t.Fatalf("newLivenessCheck() error: %v", err)
	}
	defer l.cleanup()

	exited := l.start(0)
	if err := l.r.Close(); err != nil {
		t.Fatalf("failed to close read end: %v", err)
	}

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("liveness channel still open after read error")
	}
}

func TestRequestStopInterruptsChild(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start child: %v", err)
	}
	pid := cmd.Process.Pid
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	if err := RequestStop(t.TempDir(), testID, pid); err != nil {
		t.Fatalf("RequestStop() error: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("child did not exit after interrupt")
	}
}

func TestStopChannelNeverFires(t *testing.T) {
	logDir := t.TempDir()
	ch, cancel := StopChannel(logDir, testID)
	defer cancel()
	if err := os.WriteFile(StopFile(logDir, testID), nil, 0600); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
		t.Fatal("StopChannel fired on Unix")
	case <-time.After(100 * time.Millisecond):
	}
}
