//go:build !windows

package claude

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// configureCancellation makes context cancellation terminate the whole
// process group: SIGTERM first, and if the process is still alive after
// grace, exec's WaitDelay escalates to SIGKILL. The group kill matters
// because the CLI spawns its own children, which would otherwise hold the
// stdout pipe open.
func configureCancellation(cmd *exec.Cmd, grace time.Duration) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.WaitDelay = grace

	cmd.Cancel = func() error {
		if cmd.Process == nil || cmd.Process.Pid <= 0 {
			return nil
		}
		// With Setpgid the group id equals the child pid.
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		if err == nil || errors.Is(err, syscall.ESRCH) {
			return nil
		}
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		return nil
	}
}
