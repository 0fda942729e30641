//go:build windows

package adapter

import (
	stderrors "errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// setProcAttr starts the adapter hidden and in a new process group so it
// can receive CTRL_BREAK without affecting this process.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
		HideWindow:    true,
	}
}

// interruptProcessGroup sends CTRL_BREAK to the adapter's process group.
func interruptProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(cmd.Process.Pid))
}

// killProcessGroup kills the adapter process. Windows has no process group
// kill; children of the adapter are left to exit with their console.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
