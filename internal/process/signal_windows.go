//go:build windows

package process

import (
	"os"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Windows has no process-group signals; both escalation steps kill the child.
func terminateGroup(pid int) error { return killPID(pid) }

func killGroup(pid int) error { return killPID(pid) }

func killPID(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}

func sendSignal(p *os.Process, sig os.Signal) error {
	return p.Signal(sig)
}
