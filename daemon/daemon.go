// Package daemon manages fwatch sessions running in the background.
//
// A session is one fwatch process watching one directory. Its files live in
// the log directory and are named after the session id, the first 12 hex
// characters of the SHA-256 of the absolute watched directory:
//
//	fwatch-<id>.pid    process id, one decimal line
//	fwatch-<id>.log    stdout and stderr of the background process
//	fwatch-<id>.ready  written once the watch set is registered
//
// Typical use from the foreground process:
//
//	s, _ := daemon.NewSession(dir, logDir)
//	pid, exitCh, err := daemon.SpawnBackground(s, os.Args[1:])
//
// and from the background process:
//
//	daemon.WritePIDFile(s)
//	defer daemon.RemovePIDFile(s)
//	...
//	daemon.WriteReadyFile(s)
package daemon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/yoanbernabeu/fwatch/internal/fileutil"
)

// BackgroundEnv is set to 1 in the environment of a spawned session.
const BackgroundEnv = "FWATCH_BACKGROUND"

const filePrefix = "fwatch-"

// Session identifies the background files of one watched directory.
type Session struct {
	ID     string
	Dir    string
	LogDir string
}

// SessionID derives the id for dir. Equal directories give equal ids
// however they are spelled.
func SessionID(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:12], nil
}

func NewSession(dir, logDir string) (*Session, error) {
	id, err := SessionID(dir)
	if err != nil {
		return nil, err
	}
	abs, _ := filepath.Abs(dir)
	return &Session{ID: id, Dir: abs, LogDir: logDir}, nil
}

func (s *Session) path(suffix string) string {
	return filepath.Join(s.LogDir, filePrefix+s.ID+suffix)
}

func (s *Session) PIDFile() string   { return s.path(".pid") }
func (s *Session) LogFile() string   { return s.path(".log") }
func (s *Session) ReadyFile() string { return s.path(".ready") }

// GetDefaultLogDir returns the OS-specific default log directory:
//   - Linux:   $XDG_STATE_HOME/fwatch/logs or ~/.local/state/fwatch/logs
//   - macOS:   ~/Library/Logs/fwatch
//   - Windows: %LOCALAPPDATA%\fwatch\logs
//
// The directory may not exist yet.
func GetDefaultLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Logs", "fwatch"), nil
	case "windows":
		if base := os.Getenv("LOCALAPPDATA"); base != "" {
			return filepath.Join(base, "fwatch", "logs"), nil
		}
		return filepath.Join(homeDir, "AppData", "Local", "fwatch", "logs"), nil
	default:
		if base := os.Getenv("XDG_STATE_HOME"); base != "" {
			return filepath.Join(base, "fwatch", "logs"), nil
		}
		return filepath.Join(homeDir, ".local", "state", "fwatch", "logs"), nil
	}
}

// WritePIDFile records the current process as the owner of the session.
// The lock file stays locked until the process exits, so a second process
// for the same directory fails here.
func WritePIDFile(s *Session) error {
	pidPath := s.PIDFile()
	if err := fileutil.EnsureParentDir(pidPath); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	lockFh, err := os.OpenFile(pidPath+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	if err := fileutil.FlockExclusive(lockFh, true); err != nil {
		lockFh.Close()
		return fmt.Errorf("another fwatch process owns %s: %w", s.Dir, err)
	}

	if err := fileutil.WriteFileAtomic(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0600); err != nil {
		lockFh.Close()
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// lockFh is left open on purpose.
	return nil
}

// ReadPIDFile returns (0, nil) when the session has no PID file.
func ReadPIDFile(s *Session) (int, error) {
	data, err := os.ReadFile(s.PIDFile())
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

func RemovePIDFile(s *Session) error {
	pidPath := s.PIDFile()
	_ = os.Remove(pidPath + ".lock")

	if err := os.Remove(pidPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// GetRunningPID returns the session's live PID or 0, removing a stale PID
// file on the way.
func GetRunningPID(s *Session) (int, error) {
	pid, err := ReadPIDFile(s)
	if err != nil || pid == 0 {
		return 0, err
	}
	if !IsProcessRunning(pid) {
		_ = RemovePIDFile(s)
		_ = RemoveReadyFile(s)
		return 0, nil
	}
	return pid, nil
}

func WriteReadyFile(s *Session) error {
	content := fmt.Sprintf("ready\n%d\n", os.Getpid())
	if err := fileutil.WriteFileAtomic(s.ReadyFile(), []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write ready file: %w", err)
	}
	return nil
}

func RemoveReadyFile(s *Session) error {
	if err := os.Remove(s.ReadyFile()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove ready file: %w", err)
	}
	return nil
}

func IsReady(s *Session) bool {
	_, err := os.Stat(s.ReadyFile())
	return err == nil
}

// SpawnBackground re-executes the current binary with args, detached, with
// output appended to the session log and BackgroundEnv set. The returned
// channel is closed when the child exits.
func SpawnBackground(s *Session, args []string) (int, <-chan struct{}, error) {
	logPath := s.LogFile()
	if err := fileutil.EnsureParentDir(logPath); err != nil {
		return 0, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	executable, err := os.Executable()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get executable path: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	liveness, err := newLivenessCheck()
	if err != nil {
		return 0, nil, err
	}

	cmd := exec.Command(executable, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), BackgroundEnv+"=1")
	cmd.SysProcAttr = sysProcAttr()
	liveness.configureCmd(cmd)

	if err := cmd.Start(); err != nil {
		liveness.cleanup()
		return 0, nil, fmt.Errorf("failed to start background process: %w", err)
	}

	return cmd.Process.Pid, liveness.start(cmd.Process.Pid), nil
}

// IsBackground reports whether this process was started by SpawnBackground.
func IsBackground() bool {
	return os.Getenv(BackgroundEnv) == "1"
}
