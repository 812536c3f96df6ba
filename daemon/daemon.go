// Package daemon manages background watch processes.
//
// Each background watch serves one workspace index and is identified by the
// workspace id. Its files live in the per-user log directory:
//
//	codegrep-watch-<id>.pid    process id, one decimal line
//	codegrep-watch-<id>.log    stdout and stderr of the process
//	codegrep-watch-<id>.ready  written once the initial catch-up finished
//	codegrep-watch-<id>.lock   held by the watch while its PID file is live
//	codegrep-watch-<id>.stop   stop request, polled where signals do not reach
//
// Start a watch in the background and wait for it:
//
//	logDir, _ := daemon.DefaultLogDir()
//	pid, exited, err := daemon.SpawnBackground(logDir, id, []string{"watch", root})
//
// Stop it again:
//
//	pid, _ := daemon.RunningPID(logDir, id)
//	daemon.RequestStop(logDir, id, pid)
//	daemon.WaitExit(pid, 30*time.Second, nil)
//
// Platform-specific process handling is in daemon_unix.go and
// daemon_windows.go.
package daemon

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/yoanbernabeu/codegrep/internal/fileutil"
)

const (
	filePrefix  = "codegrep-watch-"
	pidSuffix   = ".pid"
	logSuffix   = ".log"
	readySuffix = ".ready"
	lockSuffix  = ".lock"
	stopSuffix  = ".stop"
	appDirName  = "codegrep"

	exitPollInterval = 200 * time.Millisecond
)

const (
	// LogDirEnv overrides the default log directory.
	LogDirEnv = "CODEGREP_LOG_DIR"

	// BackgroundEnv is set to 1 in processes started by SpawnBackground.
	BackgroundEnv = "CODEGREP_BACKGROUND"
)

// ErrAlreadyRunning is returned by WritePIDFile when another live process
// holds the PID file of the workspace.
var ErrAlreadyRunning = errors.New("watch already running")

// DefaultLogDir returns the OS-specific default log directory.
//
// Platform-specific defaults:
//   - Linux:   $XDG_STATE_HOME/codegrep/logs or ~/.local/state/codegrep/logs
//   - macOS:   ~/Library/Logs/codegrep
//   - Windows: %LOCALAPPDATA%\codegrep\logs
//
// CODEGREP_LOG_DIR overrides all of them. The directory may not exist yet.
func DefaultLogDir() (string, error) {
	if dir := os.Getenv(LogDirEnv); dir != "" {
		return filepath.Abs(dir)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Logs", appDirName), nil
	case "windows":
		if base := os.Getenv("LOCALAPPDATA"); base != "" {
			return filepath.Join(base, appDirName, "logs"), nil
		}
		return filepath.Join(homeDir, "AppData", "Local", appDirName, "logs"), nil
	default: // Linux and other Unix-like systems
		if base := os.Getenv("XDG_STATE_HOME"); base != "" {
			return filepath.Join(base, appDirName, "logs"), nil
		}
		return filepath.Join(homeDir, ".local", "state", appDirName, "logs"), nil
	}
}

// IsBackground reports whether this process was started by SpawnBackground.
func IsBackground() bool {
	return os.Getenv(BackgroundEnv) == "1"
}

// PIDFile returns the PID file of the watch serving workspace id.
func PIDFile(logDir, id string) string {
	return filepath.Join(logDir, filePrefix+id+pidSuffix)
}

// LogFile returns the log file of the watch serving workspace id.
func LogFile(logDir, id string) string {
	return filepath.Join(logDir, filePrefix+id+logSuffix)
}

// ReadyFile returns the ready marker of the watch serving workspace id.
func ReadyFile(logDir, id string) string {
	return filepath.Join(logDir, filePrefix+id+readySuffix)
}

// StopFile returns the stop request file of the watch serving workspace id.
func StopFile(logDir, id string) string {
	return filepath.Join(logDir, filePrefix+id+stopSuffix)
}

// Claim is the PID file owned by the running watch of one workspace. The
// lock next to it is held until Release.
type Claim struct {
	logDir string
	id     string
	lock   *fileutil.DirLock
}

// WritePIDFile records the current process as the watch of workspace id and
// keeps the PID lock until the claim is released. It returns
// ErrAlreadyRunning when another process holds the lock.
func WritePIDFile(logDir, id string) (*Claim, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	pidPath := PIDFile(logDir, id)
	lock, err := fileutil.TryLockFile(pidPath + lockSuffix)
	if errors.Is(err, fileutil.ErrLocked) {
		return nil, fmt.Errorf("%w: workspace %s", ErrAlreadyRunning, id)
	}
	if err != nil {
		return nil, err
	}

	err = fileutil.WriteFileAtomically(pidPath, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%d\n", os.Getpid())
		return err
	})
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}
	return &Claim{logDir: logDir, id: id, lock: lock}, nil
}

// Release removes the PID and ready files and drops the lock.
func (c *Claim) Release() error {
	_ = RemoveReadyFile(c.logDir, c.id)
	err := RemovePIDFile(c.logDir, c.id)
	if uerr := c.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// ReadPIDFile reads the PID of the watch of workspace id.
//
// Return values:
//   - (0, nil):   no PID file
//   - (pid, nil): the recorded PID, which may be stale
//   - (0, error): the file is unreadable or corrupt
func ReadPIDFile(logDir, id string) (int, error) {
	data, err := os.ReadFile(PIDFile(logDir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// RemovePIDFile removes the PID file of workspace id and its lock file.
func RemovePIDFile(logDir, id string) error {
	pidPath := PIDFile(logDir, id)
	_ = os.Remove(pidPath + lockSuffix)

	if err := os.Remove(pidPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// RunningPID returns the PID of the live watch of workspace id, or 0. A PID
// file left by a dead process is removed.
func RunningPID(logDir, id string) (int, error) {
	pid, err := ReadPIDFile(logDir, id)
	if err != nil || pid == 0 {
		return 0, err
	}
	if !IsProcessRunning(pid) {
		_ = RemovePIDFile(logDir, id)
		_ = RemoveReadyFile(logDir, id)
		_ = os.Remove(StopFile(logDir, id))
		return 0, nil
	}
	return pid, nil
}

// RequestStop asks the watch of workspace id, running as pid, to shut down.
func RequestStop(logDir, id string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}
	return requestStop(logDir, id, pid)
}

// WaitExit polls until pid exits or timeout passes. onWait, if set, is called
// every few seconds while waiting. It reports whether the process exited.
func WaitExit(pid int, timeout time.Duration, onWait func()) bool {
	deadline := time.Now().Add(timeout)
	lastNotice := time.Now()
	for time.Now().Before(deadline) {
		if !IsProcessRunning(pid) {
			return true
		}
		if onWait != nil && time.Since(lastNotice) >= 5*time.Second {
			onWait()
			lastNotice = time.Now()
		}
		time.Sleep(exitPollInterval)
	}
	return !IsProcessRunning(pid)
}

// Process is a running background watch.
type Process struct {
	WorkspaceID string `json:"workspace_id"`
	PID         int    `json:"pid"`
	Ready       bool   `json:"ready"`
}

// Running lists the live background watches, cleaning stale PID files.
func Running(logDir string) ([]Process, error) {
	matches, err := filepath.Glob(filepath.Join(logDir, filePrefix+"*"+pidSuffix))
	if err != nil {
		return nil, err
	}
	var out []Process
	for _, m := range matches {
		id := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), filePrefix), pidSuffix)
		pid, err := RunningPID(logDir, id)
		if err != nil || pid == 0 {
			continue
		}
		out = append(out, Process{WorkspaceID: id, PID: pid, Ready: IsReady(logDir, id)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkspaceID < out[j].WorkspaceID })
	return out, nil
}

// WriteReadyFile marks the watch of workspace id as initialised.
func WriteReadyFile(logDir, id string) error {
	content := fmt.Sprintf("ready\n%d\n", os.Getpid())
	if err := os.WriteFile(ReadyFile(logDir, id), []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write ready file: %w", err)
	}
	return nil
}

func RemoveReadyFile(logDir, id string) error {
	if err := os.Remove(ReadyFile(logDir, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove ready file: %w", err)
	}
	return nil
}

func IsReady(logDir, id string) bool {
	_, err := os.Stat(ReadyFile(logDir, id))
	return err == nil
}

// SpawnBackground re-executes the current binary as a detached watch for
// workspace id, with its output appended to the workspace log file and
// CODEGREP_BACKGROUND=1 set.
//
// It returns the child PID and a channel closed when the child exits, so
// callers can detect a child that fails during start-up.
func SpawnBackground(logDir, id string, args []string) (int, <-chan struct{}, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return 0, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return spawnBackgroundWithLog(LogFile(logDir, id), args)
}

func spawnBackgroundWithLog(logPath string, args []string) (int, <-chan struct{}, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get executable path: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	liveness, err := newLivenessCheck()
	if err != nil {
		logFile.Close()
		return 0, nil, err
	}

	cmd := exec.Command(executable, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), BackgroundEnv+"=1")
	cmd.SysProcAttr = sysProcAttr()
	liveness.configureCmd(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		liveness.cleanup()
		return 0, nil, fmt.Errorf("failed to start background process: %w", err)
	}

	logFile.Close()
	return cmd.Process.Pid, liveness.start(cmd.Process.Pid), nil
}
