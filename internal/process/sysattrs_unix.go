//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr puts the child in its own process group so the whole
// tree (package managers spawn the real server as a grandchild) can be
// signaled at once.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
