//go:build windows

package runner

import (
	"os"
	"os/exec"
	"time"
)

// configureProcAttr is a no-op on Windows (Setpgid not supported).
func configureProcAttr(_ *exec.Cmd) {}

// terminateProcess on Windows falls back to Process.Kill; there is no
// portable graceful signal to send first.
func terminateProcess(h *ProcessHandle, _ time.Duration) error {
	if h.Exited() {
		return nil
	}
	return h.cmd.Process.Kill()
}

// exitSignal is always empty on Windows.
func exitSignal(_ *os.ProcessState) string {
	return ""
}
