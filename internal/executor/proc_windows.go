//go:build windows

package executor

import (
	"os"
	"os/exec"

	"github.com/shirou/gopsutil/v3/process"
)

func setProcessGroup(*exec.Cmd) {}

// killTree kills pid and every descendant, children first.
func killTree(pid int) error {
	children := descendants(int32(pid))
	for i := len(children) - 1; i >= 0; i-- {
		if p, err := process.NewProcess(children[i]); err == nil {
			_ = p.Kill()
		}
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
