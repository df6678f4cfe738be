package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/yoanbernabeu/fwatch/daemon"
)

const (
	startupTimeout       = 30 * time.Second
	startupPollInterval  = 250 * time.Millisecond
	shutdownTimeout      = 30 * time.Second
	shutdownPollInterval = 500 * time.Millisecond
)

func (o *rootOptions) session(dir string) (*daemon.Session, error) {
	logDir := o.logDir
	if logDir == "" {
		var err error
		logDir, err = daemon.GetDefaultLogDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get default log directory: %w", err)
		}
	}
	return daemon.NewSession(dir, logDir)
}

// childArgs drops --background so the spawned process runs in the
// foreground of its own session.
func childArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == "--background" || strings.HasPrefix(arg, "--background=") {
			continue
		}
		out = append(out, arg)
	}
	return out
}

func showStatus(w io.Writer, s *daemon.Session) error {
	pid, err := daemon.GetRunningPID(s)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	fmt.Fprintln(w, titleStyle.Render("fwatch session "+s.ID))
	if pid == 0 {
		fmt.Fprintln(w, field("Status", warnStyle.Render("not running")))
		fmt.Fprintln(w, field("Directory", s.Dir))
		return nil
	}

	status := "running"
	if !daemon.IsReady(s) {
		status = "starting"
	}
	fmt.Fprintln(w, field("Status", okStyle.Render(status)))
	fmt.Fprintln(w, field("PID", pid))
	fmt.Fprintln(w, field("Directory", s.Dir))
	fmt.Fprintln(w, field("Log file", s.LogFile()))
	return nil
}

func stopSession(w io.Writer, s *daemon.Session) error {
	pid, err := daemon.GetRunningPID(s)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}
	if pid == 0 {
		fmt.Fprintln(w, warnStyle.Render("No background session for "+s.Dir))
		return nil
	}

	fmt.Fprintf(w, "Stopping background session (PID %d)...\n", pid)
	if err := daemon.StopProcess(pid); err != nil {
		return fmt.Errorf("failed to stop process: %w", err)
	}

	deadline := time.Now().Add(shutdownTimeout)
	lastProgress := time.Now()
	for time.Now().Before(deadline) && daemon.IsProcessRunning(pid) {
		if time.Since(lastProgress) >= 5*time.Second {
			fmt.Fprintln(w, "Waiting for graceful shutdown...")
			lastProgress = time.Now()
		}
		time.Sleep(shutdownPollInterval)
	}
	if daemon.IsProcessRunning(pid) {
		return fmt.Errorf("process did not stop within %v\nStill running? Try: kill -9 %d\nOr check logs at: %s",
			shutdownTimeout, pid, s.LogFile())
	}

	if err := daemon.RemovePIDFile(s); err != nil {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	_ = daemon.RemoveReadyFile(s)
	fmt.Fprintln(w, okStyle.Render("Background session stopped"))
	return nil
}

func startBackground(w io.Writer, s *daemon.Session, args []string) error {
	pid, err := daemon.GetRunningPID(s)
	if err != nil {
		return fmt.Errorf("failed to check running status: %w", err)
	}
	if pid > 0 {
		return fmt.Errorf("fwatch is already watching %s (PID %d)", s.Dir, pid)
	}
	_ = daemon.RemoveReadyFile(s)

	childPID, exitCh, err := daemon.SpawnBackground(s, args)
	if err != nil {
		return fmt.Errorf("failed to start background process: %w", err)
	}

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		if daemon.IsReady(s) {
			fmt.Fprintln(w, okStyle.Render(fmt.Sprintf("Background session started (PID %d)", childPID)))
			fmt.Fprintln(w, field("Log file", s.LogFile()))
			fmt.Fprintln(w)
			fmt.Fprintln(w, "Use 'fwatch --status "+s.Dir+"' to check status")
			fmt.Fprintln(w, "Use 'fwatch --stop "+s.Dir+"' to stop it")
			return nil
		}

		// exitCh reports an early exit even while the child is a zombie.
		select {
		case <-exitCh:
			return fmt.Errorf("background process failed to start (check logs at %s)", s.LogFile())
		default:
		}
		time.Sleep(startupPollInterval)
	}
	return fmt.Errorf("timeout waiting for process to become ready after %v (check logs at %s)", startupTimeout, s.LogFile())
}
