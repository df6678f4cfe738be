//go:build !windows

package respawn

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func defaultShell() []string {
	return []string{"/bin/sh", "-c"}
}

// setProcessGroup puts the child in its own group so signals reach anything
// the shell spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	pid := cmd.Process.Pid
	target := pid
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		target = -pgid
	}
	if err := unix.Kill(target, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func terminateProcess(cmd *exec.Cmd) error {
	return signalProcessGroup(cmd, unix.SIGTERM)
}

func killProcess(cmd *exec.Cmd) error {
	return signalProcessGroup(cmd, unix.SIGKILL)
}
