package executor

import (
	"github.com/shirou/gopsutil/v3/process"
)

// descendants returns the pids of every live descendant of pid, parents
// before children.
func descendants(pid int32) []int32 {
	var pids []int32
	queue := []int32{pid}
	for len(queue) > 0 {
		p, err := process.NewProcess(queue[0])
		queue = queue[1:]
		if err != nil {
			continue
		}
		children, err := p.Children()
		if err != nil {
			// gopsutil reports a process without children as an error
			continue
		}
		for _, child := range children {
			pids = append(pids, child.Pid)
			queue = append(queue, child.Pid)
		}
	}
	return pids
}
