//go:build unix

package autograde

import (
	"os/exec"
	"syscall"
)

// isolateProcess puts the script in its own process group so a timeout
// kills everything it spawned, not just the direct child.
func isolateProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
