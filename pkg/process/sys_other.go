//go:build !unix

package process

import (
	"os/exec"
	"syscall"
)

const sigKill = syscall.SIGKILL

func groupAttr() *syscall.SysProcAttr {
	return nil
}

// signalGroup has no process groups to target here; anything but SIGKILL is best effort.
func signalGroup(proc *exec.Cmd, sig syscall.Signal) {
	if proc == nil || proc.Process == nil {
		return
	}
	if sig == syscall.SIGKILL {
		_ = proc.Process.Kill()
		return
	}
	_ = proc.Process.Signal(sig)
}

func signaled(*exec.ExitError) (int, bool) {
	return 0, false
}
