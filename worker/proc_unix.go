//go:build !windows

package worker

import (
	"os/exec"
	"syscall"
)

// isolate puts the worker in its own process group so that signals aimed at
// the daemon's terminal do not reach it and a kill takes its children too.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		cmd.Process.Kill()
	}
}
