//go:build !windows

package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// IsProcessRunning uses the null signal. EPERM still means the process
// exists.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// sysProcAttr detaches the background session from the terminal's process
// group so an interrupt in the parent shell does not reach it.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// livenessCheck hands the child the write end of a pipe. The read end sees
// EOF once every copy of the write end is closed, that is when the child
// exits, zombie or not.
type livenessCheck struct {
	pr, pw *os.File
}

func newLivenessCheck() (*livenessCheck, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create liveness pipe: %w", err)
	}
	return &livenessCheck{pr: pr, pw: pw}, nil
}

func (l *livenessCheck) configureCmd(cmd *exec.Cmd) {
	cmd.ExtraFiles = []*os.File{l.pw}
}

func (l *livenessCheck) start(_ int) <-chan struct{} {
	l.pw.Close()
	ch := make(chan struct{})
	go func() {
		var buf [1]byte
		l.pr.Read(buf[:])
		l.pr.Close()
		close(ch)
	}()
	return ch
}

func (l *livenessCheck) cleanup() {
	l.pr.Close()
	l.pw.Close()
}

// StopProcess asks a session to shut down with SIGINT and returns without
// waiting.
func StopProcess(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}
	if err := unix.Kill(pid, unix.SIGINT); err != nil {
		return fmt.Errorf("failed to send interrupt signal: %w", err)
	}
	return nil
}

// StopChannel never fires on Unix; SIGINT arrives through os/signal.
func StopChannel() <-chan struct{} {
	return make(chan struct{})
}

// livenessFD is where the write end of the liveness pipe lands in the child.
const livenessFD = 3

// DetachLiveness marks the inherited liveness pipe close-on-exec so commands
// started by a background session do not keep it open after fwatch exits.
func DetachLiveness() {
	if IsBackground() {
		unix.CloseOnExec(livenessFD)
	}
}
