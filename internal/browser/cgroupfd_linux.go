package browser

import (
	"os"
	"os/exec"
	"syscall"
)

// useCgroupFD makes the viewer start inside the cgroup dir refers to, before
// it can fork.
func useCgroupFD(cmd *exec.Cmd, dir *os.File) bool {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}

	cmd.SysProcAttr.UseCgroupFD = true
	cmd.SysProcAttr.CgroupFD = int(dir.Fd())

	return true
}
