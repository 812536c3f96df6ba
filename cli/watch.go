package cli

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/codegrep/daemon"
	"github.com/yoanbernabeu/codegrep/workspace"
)

var (
	watchBackground bool
	watchLogDir     string
	watchStatus     bool
	watchStop       bool
)

const (
	startupTimeout      = 30 * time.Second
	startupPollInterval = 250 * time.Millisecond
	shutdownTimeout     = 30 * time.Second
)

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Keep the index of a workspace up to date",
	Long: `Watch a workspace and apply file changes to its index as they happen.

The watcher will:
- Index whatever changed since the last run
- Monitor filesystem events (create, modify, delete, rename)
- Debounce rapid changes to the same file
- Replace a changed file's entries atomically

Only one process may write an index at a time; 'codegrep index' fails
while a watch holds the workspace.

Background mode:
  codegrep watch --background     Run in background, one process per workspace
  codegrep watch --status         List background watchers
  codegrep watch --stop           Stop the background watcher of the workspace

Default log directories:
  Linux:   ~/.local/state/codegrep/logs (or $XDG_STATE_HOME)
  macOS:   ~/Library/Logs/codegrep
  Windows: %LOCALAPPDATA%\codegrep\logs`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchBackground, "background", false, "Run in background mode")
	watchCmd.Flags().StringVar(&watchLogDir, "log-dir", "", "Directory for log files (default: OS-specific)")
	watchCmd.Flags().BoolVar(&watchStatus, "status", false, "Show background watcher status")
	watchCmd.Flags().BoolVar(&watchStop, "stop", false, "Stop the background watcher")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	activeFlags := 0
	for _, set := range []bool{watchBackground, watchStatus, watchStop} {
		if set {
			activeFlags++
		}
	}
	if activeFlags > 1 {
		return fmt.Errorf("flags --background, --status, and --stop are mutually exclusive")
	}

	logDir := watchLogDir
	if logDir == "" {
		var err error
		logDir, err = daemon.DefaultLogDir()
		if err != nil {
			return fmt.Errorf("failed to get default log directory: %w", err)
		}
	}

	if watchStatus {
		return showWatchStatus(contextOf(cmd), cmd.OutOrStdout(), logDir)
	}

	root, err := resolveWorkspace(args)
	if err != nil {
		return err
	}
	canonical, err := workspace.Canonicalize(root)
	if err != nil {
		return err
	}
	id := workspace.ID(canonical)

	if watchStop {
		stopped, err := stopWatchDaemon(cmd.OutOrStdout(), logDir, id)
		if err != nil {
			return err
		}
		if !stopped {
			fmt.Fprintln(cmd.OutOrStdout(), "No background watcher is running for", canonical)
		}
		return nil
	}

	pid, err := daemon.RunningPID(logDir, id)
	if err != nil {
		return fmt.Errorf("failed to check running status: %w", err)
	}
	if pid > 0 {
		return fmt.Errorf("watcher is already running in background (PID %d)\nUse 'codegrep watch --stop' to stop it", pid)
	}

	if watchBackground {
		return startBackgroundWatch(cmd.OutOrStdout(), logDir, id, canonical)
	}
	return runWatchForeground(cmd, logDir, id, canonical)
}

func runWatchForeground(cmd *cobra.Command, logDir, id, canonical string) error {
	background := daemon.IsBackground()
	// A watch is long running: always log, to the log file when detached.
	log.SetOutput(os.Stderr)

	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if background {
		stopCh, cancelStop := daemon.StopChannel(logDir, id)
		defer cancelStop()
		go func() {
			select {
			case <-stopCh:
				stop()
			case <-ctx.Done():
			}
		}()
	}

	h, err := eng.Watch(ctx, canonical)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", canonical, err)
	}

	if background {
		claim, err := daemon.WritePIDFile(logDir, id)
		if err != nil {
			h.Close()
			return err
		}
		defer claim.Release()
		if err := daemon.WriteReadyFile(logDir, id); err != nil {
			h.Close()
			return err
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Watching %s\n", canonical)
	fmt.Fprintf(out, "Initial scan: %d indexed, %d unchanged, %d removed\n",
		h.Initial.DocumentsIndexed, h.Initial.DocumentsUnchanged, h.Initial.DocumentsRemoved)
	if !background {
		fmt.Fprintln(out, "Press Ctrl+C to stop")
	}

	for c := range h.Changes() {
		fmt.Fprintf(out, "%s %-7s %s\n", time.Now().Format(time.TimeOnly), c.Action, c.Path)
	}

	if err := h.Err(); err != nil {
		return fmt.Errorf("watch stopped: %w", err)
	}
	fmt.Fprintf(out, "Stopped after %d changes\n", h.Applied())
	if skipped := h.Warnings(); len(skipped) > 0 {
		fmt.Fprintf(out, "Skipped %d paths:\n", len(skipped))
		for _, w := range skipped {
			fmt.Fprintf(out, "  %s\n", w.Error())
		}
	}
	return nil
}

func showWatchStatus(ctx context.Context, w io.Writer, logDir string) error {
	procs, err := daemon.Running(logDir)
	if err != nil {
		return fmt.Errorf("failed to list watchers: %w", err)
	}
	fmt.Fprintf(w, "Log directory: %s\n", logDir)
	if len(procs) == 0 {
		fmt.Fprintln(w, "Status: not running")
		return nil
	}

	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()
	paths := make(map[string]string)
	if entries, err := eng.IndexesList(ctx); err == nil {
		for _, e := range entries {
			paths[e.ID] = e.Path
		}
	}

	for _, p := range procs {
		state := "starting"
		if p.Ready {
			state = "ready"
		}
		path := paths[p.WorkspaceID]
		if path == "" {
			path = p.WorkspaceID
		}
		fmt.Fprintf(w, "PID %d  %-8s  %s\n", p.PID, state, path)
		fmt.Fprintf(w, "  log: %s\n", daemon.LogFile(logDir, p.WorkspaceID))
	}
	return nil
}

func stopWatchDaemon(w io.Writer, logDir, id string) (bool, error) {
	pid, err := daemon.RunningPID(logDir, id)
	if err != nil {
		return false, fmt.Errorf("failed to read PID file: %w", err)
	}
	if pid == 0 {
		return false, nil
	}

	fmt.Fprintf(w, "Stopping background watcher (PID %d)...\n", pid)
	if err := daemon.RequestStop(logDir, id, pid); err != nil {
		return false, fmt.Errorf("failed to stop process: %w", err)
	}

	exited := daemon.WaitExit(pid, shutdownTimeout, func() {
		fmt.Fprintln(w, "Waiting for graceful shutdown...")
	})
	if !exited {
		return false, fmt.Errorf("process did not stop within %v\nStill running? Try: kill -9 %d\nOr check logs at: %s",
			shutdownTimeout, pid, daemon.LogFile(logDir, id))
	}

	// The watch removes its own files; clean up after one that died mid-way.
	if err := daemon.RemovePIDFile(logDir, id); err != nil {
		return false, err
	}
	_ = daemon.RemoveReadyFile(logDir, id)

	fmt.Fprintln(w, "Background watcher stopped")
	return true, nil
}

func startBackgroundWatch(w io.Writer, logDir, id, canonical string) error {
	args := []string{"watch", canonical, "--log-dir", logDir}
	if dataDir != "" {
		args = append(args, "--data-dir", dataDir)
	}

	childPID, exitCh, err := daemon.SpawnBackground(logDir, id, args)
	if err != nil {
		return fmt.Errorf("failed to start background process: %w", err)
	}
	logFile := daemon.LogFile(logDir, id)

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		if daemon.IsReady(logDir, id) {
			fmt.Fprintf(w, "Background watcher started (PID %d)\n", childPID)
			fmt.Fprintf(w, "Logs: %s\n", logFile)
			fmt.Fprintf(w, "\nUse 'codegrep watch --status' to check status\n")
			fmt.Fprintf(w, "Use 'codegrep watch --stop' to stop the watcher\n")
			return nil
		}

		// An early exit means start-up failed; kill(0) would report a
		// zombie child as alive.
		select {
		case <-exitCh:
			return fmt.Errorf("background process failed to start (check logs at %s)", logFile)
		default:
		}

		time.Sleep(startupPollInterval)
	}

	return fmt.Errorf("timeout waiting for process to become ready after %v (check logs at %s)", startupTimeout, logFile)
}
