//go:build !windows

package tunnel

import (
	"os/exec"
	"syscall"
)

func terminate(cmd *exec.Cmd) {
	cmd.Process.Signal(syscall.SIGTERM)
}
