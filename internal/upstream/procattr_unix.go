//go:build unix

package upstream

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttr places the subprocess in its own process group so signals
// reach the whole tree and no grandchildren are orphaned.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(p *os.Process) error {
	return unix.Kill(-p.Pid, unix.SIGTERM)
}

func killGroup(p *os.Process) error {
	return unix.Kill(-p.Pid, unix.SIGKILL)
}
