//go:build !linux && !windows

package runner

import (
	"os/exec"
	"syscall"
)

// setProcAttrs starts the child in its own process group. PDEATHSIG has no
// equivalent outside Linux, so an orphaned child survives a worker crash
// there until the lease monitor requeues its job.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
