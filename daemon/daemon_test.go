package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"
)

const testID = "0123456789abcdef0123456789abcdef"

func TestDefaultLogDir(t *testing.T) {
	logDir, err := DefaultLogDir()
	if err != nil {
		t.Fatalf("DefaultLogDir() failed: %v", err)
	}
	if !filepath.IsAbs(logDir) {
		t.Errorf("Expected absolute path, got: %s", logDir)
	}

	switch runtime.GOOS {
	case "darwin":
		if !contains(logDir, "Library/Logs/codegrep") {
			t.Errorf("Expected path to contain 'Library/Logs/codegrep', got: %s", logDir)
		}
	default:
		if !contains(logDir, "codegrep") {
			t.Errorf("Expected path to contain 'codegrep', got: %s", logDir)
		}
	}
}

func TestDefaultLogDir_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(LogDirEnv, dir)

	logDir, err := DefaultLogDir()
	if err != nil {
		t.Fatalf("DefaultLogDir() failed: %v", err)
	}
	if logDir != dir {
		t.Errorf("DefaultLogDir() = %q, want %q", logDir, dir)
	}
}

func TestIsBackground(t *testing.T) {
	t.Setenv(BackgroundEnv, "")
	if IsBackground() {
		t.Error("IsBackground() = true without the environment variable")
	}
	t.Setenv(BackgroundEnv, "1")
	if !IsBackground() {
		t.Error("IsBackground() = false with the environment variable")
	}
}

func TestPathHelpers(t *testing.T) {
	logDir := t.TempDir()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"pid", PIDFile(logDir, testID), filepath.Join(logDir, "codegrep-watch-"+testID+".pid")},
		{"log", LogFile(logDir, testID), filepath.Join(logDir, "codegrep-watch-"+testID+".log")},
		{"ready", ReadyFile(logDir, testID), filepath.Join(logDir, "codegrep-watch-"+testID+".ready")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPIDFileLifecycle(t *testing.T) {
	skipIfWindows(t)
	logDir := t.TempDir()

	pid, err := ReadPIDFile(logDir, testID)
	if err != nil {
		t.Fatalf("ReadPIDFile() failed: %v", err)
	}
	if pid != 0 {
		t.Errorf("Expected no PID, got %d", pid)
	}

	claim, err := WritePIDFile(logDir, testID)
	if err != nil {
		t.Fatalf("WritePIDFile() failed: %v", err)
	}
	if err := WriteReadyFile(logDir, testID); err != nil {
		t.Fatal(err)
	}

	pid, err = ReadPIDFile(logDir, testID)
	if err != nil {
		t.Fatalf("ReadPIDFile() failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("Expected PID %d, got %d", os.Getpid(), pid)
	}

	running, err := RunningPID(logDir, testID)
	if err != nil {
		t.Fatalf("RunningPID() failed: %v", err)
	}
	if running != os.Getpid() {
		t.Errorf("RunningPID() = %d, want %d", running, os.Getpid())
	}

	if _, err := WritePIDFile(logDir, testID); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second WritePIDFile() = %v, want ErrAlreadyRunning", err)
	}

	if err := claim.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	paths := []string{PIDFile(logDir, testID), PIDFile(logDir, testID) + ".lock", ReadyFile(logDir, testID)}
	for _, path := range paths {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("%s still exists after removal", path)
		}
	}

	pid, err = ReadPIDFile(logDir, testID)
	if err != nil {
		t.Fatalf("ReadPIDFile() failed: %v", err)
	}
	if pid != 0 {
		t.Errorf("Expected no PID after removal, got %d", pid)
	}
}

func TestReadPIDFile_InvalidContent(t *testing.T) {
	logDir := t.TempDir()
	if err := os.WriteFile(PIDFile(logDir, testID), []byte("not-a-pid\n"), 0644); err != nil {
		t.Fatalf("failed to write invalid PID file: %v", err)
	}

	if _, err := ReadPIDFile(logDir, testID); err == nil {
		t.Fatal("ReadPIDFile() should fail for invalid content")
	}
}

func TestRunningPID_CleansStaleFiles(t *testing.T) {
	logDir := t.TempDir()
	if err := os.WriteFile(PIDFile(logDir, testID), []byte("9999999\n"), 0644); err != nil {
		t.Fatalf("failed to write stale PID file: %v", err)
	}
	if err := os.WriteFile(ReadyFile(logDir, testID), []byte("ready\n"), 0644); err != nil {
		t.Fatalf("failed to write ready file: %v", err)
	}
	if IsProcessRunning(9999999) {
		t.Skip("PID 9999999 is running")
	}

	pid, err := RunningPID(logDir, testID)
	if err != nil {
		t.Fatalf("RunningPID() failed: %v", err)
	}
	if pid != 0 {
		t.Fatalf("RunningPID() = %d, want 0 for stale PID", pid)
	}
	if _, err := os.Stat(PIDFile(logDir, testID)); !os.IsNotExist(err) {
		t.Error("stale PID file was not removed")
	}
	if IsReady(logDir, testID) {
		t.Error("stale ready file was not removed")
	}
}

func TestRunning(t *testing.T) {
	logDir := t.TempDir()
	other := strings.Repeat("f", 32)

	if err := os.WriteFile(PIDFile(logDir, testID), []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := WriteReadyFile(logDir, testID); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(PIDFile(logDir, other), []byte("9999999\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(LogFile(logDir, other), []byte("log\n"), 0644); err != nil {
		t.Fatal(err)
	}

	procs, err := Running(logDir)
	if err != nil {
		t.Fatalf("Running() failed: %v", err)
	}
	if IsProcessRunning(9999999) {
		t.Skip("PID 9999999 is running")
	}
	if len(procs) != 1 {
		t.Fatalf("Running() = %+v, want one process", procs)
	}
	if p := procs[0]; p.WorkspaceID != testID || p.PID != os.Getpid() || !p.Ready {
		t.Errorf("Running()[0] = %+v", p)
	}
}

func TestReadyFileLifecycle(t *testing.T) {
	logDir := t.TempDir()

	if IsReady(logDir, testID) {
		t.Fatal("IsReady() should be false before write")
	}
	if err := WriteReadyFile(logDir, testID); err != nil {
		t.Fatalf("WriteReadyFile() failed: %v", err)
	}
	if !IsReady(logDir, testID) {
		t.Fatal("IsReady() should be true after write")
	}
	if err := RemoveReadyFile(logDir, testID); err != nil {
		t.Fatalf("RemoveReadyFile() failed: %v", err)
	}
	if IsReady(logDir, testID) {
		t.Fatal("IsReady() should be false after remove")
	}
	if err := RemoveReadyFile(logDir, testID); err != nil {
		t.Fatalf("RemoveReadyFile() on missing file failed: %v", err)
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !IsProcessRunning(os.Getpid()) {
		t.Error("IsProcessRunning() returned false for current process")
	}
	for _, pid := range []int{0, -1} {
		if IsProcessRunning(pid) {
			t.Errorf("IsProcessRunning(%d) returned true", pid)
		}
	}
}

func TestConcurrentPIDAccess(t *testing.T) {
	skipIfWindows(t)
	logDir := t.TempDir()

	claim, err := WritePIDFile(logDir, testID)
	if err != nil {
		t.Fatalf("WritePIDFile() failed: %v", err)
	}
	defer claim.Release()

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			pid, err := ReadPIDFile(logDir, testID)
			if err != nil {
				t.Errorf("Concurrent ReadPIDFile() failed: %v", err)
			}
			if pid != os.Getpid() {
				t.Errorf("Concurrent ReadPIDFile() got wrong PID: %d", pid)
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Timeout waiting for concurrent reads")
		}
	}
}

func TestSpawnBackgroundErrors(t *testing.T) {
	base := t.TempDir()
	logDirFile := filepath.Join(base, "not-a-dir")
	if err := os.WriteFile(logDirFile, []byte("x"), 0600); err != nil {
		t.Fatalf("failed to create log dir blocker file: %v", err)
	}

	if _, _, err := SpawnBackground(logDirFile, testID, []string{"watch"}); err == nil {
		t.Fatal("SpawnBackground() should fail when logDir is a file")
	}

	logPath := filepath.Join(base, "missing-dir", "watch.log")
	if _, _, err := spawnBackgroundWithLog(logPath, []string{"watch"}); err == nil {
		t.Fatal("spawnBackgroundWithLog() should fail when log file parent does not exist")
	}
}

func TestRequestStopInvalidPID(t *testing.T) {
	for _, pid := range []int{0, -1} {
		if err := RequestStop(t.TempDir(), testID, pid); err == nil {
			t.Fatalf("RequestStop(%d) should fail", pid)
		}
	}
}

func TestWaitExit(t *testing.T) {
	if !WaitExit(9999999, time.Second, nil) {
		t.Error("WaitExit() of a dead PID = false, want true")
	}
	start := time.Now()
	if WaitExit(os.Getpid(), 300*time.Millisecond, nil) {
		t.Error("WaitExit() of this process = true, want false")
	}
	if time.Since(start) < 300*time.Millisecond {
		t.Error("WaitExit() returned before the timeout")
	}
}

func skipIfWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping on Windows: cannot delete locked files")
	}
}

func contains(s, substr string) bool {
	return strings.Contains(filepath.ToSlash(s), substr)
}
