//go:build !linux

package processmgr

import "os/exec"

// applySysProcAttr is a no-op off Linux: Pdeathsig is a Linux-only field
// and LS only targets Linux compute nodes.
func applySysProcAttr(cmd *exec.Cmd) {}
