//go:build unix

package runner

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup puts the shell and everything it spawns in a fresh
// process group so a timeout can take down the whole tree.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// terminateProcessGroup asks the group to exit.
func terminateProcessGroup(cmd *exec.Cmd) {
	signalGroup(cmd, syscall.SIGTERM)
}

// killProcessGroup forces the group down.
func killProcessGroup(cmd *exec.Cmd) {
	signalGroup(cmd, syscall.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		cmd.Process.Signal(sig)
	}
}
