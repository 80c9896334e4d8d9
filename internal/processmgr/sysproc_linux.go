//go:build linux

package processmgr

import (
	"os/exec"
	"syscall"
)

// applySysProcAttr isolates the child into its own process group (so
// ProcessKill can signal the group rather than a single pid) and arranges
// for SIGKILL delivery if this LS process dies first, mirroring the
// teacher's process.go spawn attributes.
func applySysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
