//go:build unix

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr starts the child in a new session so it has no
// controlling terminal and leads its own process group. Signals sent to
// -pid then reach the worker and everything it spawned.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
