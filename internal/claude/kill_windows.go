//go:build windows

package claude

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// configureCancellation terminates the full process tree on cancellation.
// Windows has no process groups, so taskkill /T does the fan-out.
func configureCancellation(cmd *exec.Cmd, grace time.Duration) {
	cmd.WaitDelay = grace

	cmd.Cancel = func() error {
		if cmd.Process == nil || cmd.Process.Pid <= 0 {
			return nil
		}
		_ = exec.Command("taskkill", "/PID", strconv.Itoa(cmd.Process.Pid), "/T", "/F").Run()
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		return nil
	}
}
