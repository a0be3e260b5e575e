//go:build linux

package runner

import (
	"os/exec"
	"syscall"
)

// setProcAttrs starts the child in its own process group and arranges for
// PR_SET_PDEATHSIG(SIGKILL) so the child dies if this process crashes
// before it can reap or kill it.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
