//go:build unix

package process

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalGroup delivers sig to every process in the group led by pgid.
// A group that no longer exists is not an error.
func signalGroup(pgid int, sig unix.Signal) error {
	if pgid <= 0 {
		return errors.New("invalid process group")
	}
	if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// groupAlive reports whether any member of the group still exists.
func groupAlive(pgid int) bool {
	if pgid <= 0 {
		return false
	}
	err := unix.Kill(-pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

var (
	sigTerm = unix.SIGTERM
	sigKill = unix.SIGKILL
)

// exitCodeOf converts a Wait error into an exit code. A process killed by a
// signal reports the negated signal number.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -int(ws.Signal())
		}
		return ee.ExitCode()
	}
	return -1
}
