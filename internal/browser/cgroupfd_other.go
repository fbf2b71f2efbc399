//go:build !linux

package browser

import (
	"os"
	"os/exec"
)

func useCgroupFD(cmd *exec.Cmd, dir *os.File) bool {
	return false
}
