package process

import (
	"fmt"
	"time"
)

// TerminatePID stops a process that is not owned by a Handle, such as a dev
// server left behind by an earlier supervisor run. It escalates like
// Handle.Terminate but can only poll for the exit.
func TerminatePID(pid int, grace time.Duration) error {
	if !PIDAlive(pid) {
		return nil
	}
	_ = terminateGroup(pid)
	if waitGone(pid, grace) {
		return nil
	}
	_ = killGroup(pid)
	if waitGone(pid, defaultKillWait) {
		return nil
	}
	return fmt.Errorf("pid %d: %w", pid, ErrNotExited)
}

func waitGone(pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !PIDAlive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(25 * time.Millisecond)
	}
}
