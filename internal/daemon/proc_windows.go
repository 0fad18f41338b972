//go:build windows

package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// setDetached puts the child in its own process group so console
// signals do not reach it.
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// pidAlive is approximate on Windows; the HTTP probe in Alive does the
// real liveness work there.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	proc.Release()
	return true
}

// terminate kills the recorded process. Windows has no SIGTERM; Kill is
// the closest equivalent, and an already-gone process is success.
func terminate(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}
