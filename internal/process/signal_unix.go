//go:build !windows

package process

import (
	"bytes"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

// signalGroup delivers sig to the child's process group, falling back to the
// child alone when the group is already gone.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

func terminateGroup(pid int) error { return signalGroup(pid, syscall.SIGTERM) }

func killGroup(pid int) error { return signalGroup(pid, syscall.SIGKILL) }

// PIDAlive probes pid with signal 0. On Linux a zombie counts as dead.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

func sendSignal(p *os.Process, sig os.Signal) error {
	if s, ok := sig.(syscall.Signal); ok {
		return signalGroup(p.Pid, s)
	}
	return p.Signal(sig)
}
