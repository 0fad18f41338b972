//go:build !windows

package daemon

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setDetached puts the child in its own session so it survives the
// parent's terminal going away.
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// pidAlive reports whether pid exists. Signal 0 performs the existence
// check without delivering anything; EPERM means the process exists but
// belongs to another user, which still counts as alive.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}

// terminate sends SIGTERM. An already-gone process (ESRCH) is success:
// the goal state is "not running".
func terminate(pid int) error {
	err := unix.Kill(pid, unix.SIGTERM)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
