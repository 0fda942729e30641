//go:build !windows

package adapter

import (
	stderrors "errors"
	"os"
	"os/exec"
	"syscall"
)

// setProcAttr starts the adapter in a new session so it leads its own
// process group and can be signalled together with its children.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// interruptProcessGroup sends SIGINT to the adapter's process group.
func interruptProcessGroup(cmd *exec.Cmd) error {
	return signalProcessGroup(cmd, syscall.SIGINT)
}

// killProcessGroup kills the adapter and everything in its process group.
func killProcessGroup(cmd *exec.Cmd) error {
	return signalProcessGroup(cmd, syscall.SIGKILL)
}

func signalProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if pid > 0 {
		// ESRCH means the group is already gone
		if err := syscall.Kill(-pid, sig); err != nil && err != syscall.ESRCH {
			return err
		}
		return nil
	}
	if err := cmd.Process.Signal(sig); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
