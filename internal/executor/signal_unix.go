//go:build unix

package executor

import (
	"os/exec"
	"syscall"
)

// signalExitCode extracts "128+signal" from an ExitError terminated by a
// signal.
func signalExitCode(err *exec.ExitError) (int, bool) {
	status, ok := err.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return 0, false
	}
	return 128 + int(status.Signal()), true
}
