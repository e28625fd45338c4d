//go:build windows

package tunnel

import "os/exec"

func terminate(cmd *exec.Cmd) {
	cmd.Process.Kill()
}
