//go:build !windows

package executor

import (
	"os"
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree sends SIGKILL to the process group led by pid and to every
// descendant found beforehand, including those that left the group.
func killTree(pid int) error {
	children := descendants(int32(pid))
	err := syscall.Kill(-pid, syscall.SIGKILL)
	for _, child := range children {
		_ = syscall.Kill(int(child), syscall.SIGKILL)
	}
	if err == syscall.ESRCH {
		return os.ErrProcessDone
	}
	return err
}
