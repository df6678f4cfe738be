//go:build windows

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

var (
	kernel32        = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess = kernel32.NewProc("OpenProcess")
	procCloseHandle = kernel32.NewProc("CloseHandle")
)

const processQueryLimitedInfo = 0x1000

// IsProcessRunning opens the process with the least access right that
// OpenProcess accepts.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	handle, _, _ := procOpenProcess.Call(uintptr(processQueryLimitedInfo), 0, uintptr(pid))
	if handle == 0 {
		return false
	}
	procCloseHandle.Call(handle)
	return true
}

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// Windows has no ExtraFiles, so the liveness check polls instead. There are
// no zombies to confuse it.
type livenessCheck struct{}

func newLivenessCheck() (*livenessCheck, error) {
	return &livenessCheck{}, nil
}

func (l *livenessCheck) configureCmd(cmd *exec.Cmd) {}

func (l *livenessCheck) start(pid int) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for IsProcessRunning(pid) {
			time.Sleep(250 * time.Millisecond)
		}
		close(ch)
	}()
	return ch
}

func (l *livenessCheck) cleanup() {}

// DetachLiveness has nothing to do on Windows.
func DetachLiveness() {}

const (
	stopFilePrefix   = "fwatch-stop-"
	stopPollInterval = 500 * time.Millisecond
)

func stopFilePath(pid int) (string, error) {
	logDir, err := GetDefaultLogDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(logDir, fmt.Sprintf("%s%d", stopFilePrefix, pid)), nil
}

// StopProcess writes a stop file the session polls for; os.Interrupt cannot
// be delivered to another console.
func StopProcess(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}
	if !IsProcessRunning(pid) {
		return fmt.Errorf("process %d is not running", pid)
	}

	path, err := stopFilePath(pid)
	if err != nil {
		return fmt.Errorf("failed to determine stop file path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0600); err != nil {
		return fmt.Errorf("failed to write stop file: %w", err)
	}
	return nil
}

// StopChannel is closed once a stop file for this process shows up.
func StopChannel() <-chan struct{} {
	ch := make(chan struct{})
	path, err := stopFilePath(os.Getpid())
	if err != nil {
		return ch
	}
	// A previous process with the same PID may have left one behind.
	_ = os.Remove(path)

	go func() {
		for {
			time.Sleep(stopPollInterval)
			if _, err := os.Stat(path); err == nil {
				_ = os.Remove(path)
				close(ch)
				return
			}
		}
	}()
	return ch
}
