package task

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// OSProcess is a ProcessHandle for a pid on the local host.
type OSProcess struct {
	pid int
}

func NewOSProcess(pid int) *OSProcess {
	return &OSProcess{pid: pid}
}

func (p *OSProcess) Pid() int { return p.pid }

// Terminate sends SIGTERM to the process. A process that already exited is
// not an error.
func (p *OSProcess) Terminate() error {
	proc, err := process.NewProcess(int32(p.pid))
	if err != nil {
		if err == process.ErrorProcessNotRunning {
			return nil
		}
		return fmt.Errorf("lookup pid %d: %w", p.pid, err)
	}
	return proc.Terminate()
}
