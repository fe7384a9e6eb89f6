//go:build unix

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

const sigKill = syscall.SIGKILL

// groupAttr puts the child in its own process group so signals reach grandchildren.
func groupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends sig to the whole process group, falling back to the leader.
func signalGroup(proc *exec.Cmd, sig syscall.Signal) {
	if proc == nil || proc.Process == nil {
		return
	}
	pid := proc.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		_ = proc.Process.Signal(sig)
	}
}

func signaled(exitErr *exec.ExitError) (int, bool) {
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return 0, false
	}
	return int(status.Signal()), true
}
