//go:build !windows

package process

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr starts the agent in its own process group so termination also
// reaches any helpers it spawned.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func signalTerminate(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

func signalKill(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

func signalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil {
		if err == unix.ESRCH {
			// No group left; fall back to the leader in case it changed group.
			return ignoreDone(unix.Kill(pid, sig))
		}
		return err
	}
	return nil
}

func ignoreDone(err error) error {
	if err == unix.ESRCH {
		return os.ErrProcessDone
	}
	return err
}

// exitSignal returns the name of the signal that ended the process, or "".
func exitSignal(ps *os.ProcessState) string {
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	return unix.SignalName(ws.Signal())
}
