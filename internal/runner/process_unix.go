//go:build !windows

package runner

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// configureProcAttr sets up process group isolation so the flow run
// process and anything it forks can be signaled as a group.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcess sends SIGTERM to the process group, waits up to
// gracePeriod for the process to be reaped, then sends SIGKILL.
func terminateProcess(h *ProcessHandle, gracePeriod time.Duration) error {
	pid := h.cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		// Process already exited between the liveness check and here.
		return nil
	}

	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("sigterm pgid %d: %w", pgid, err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(gracePeriod):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return nil
	}
}

// exitSignal reports the signal that terminated the process, if any.
func exitSignal(ps *os.ProcessState) string {
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok {
		return ""
	}
	if ws.Signaled() {
		return ws.Signal().String()
	}
	return ""
}
