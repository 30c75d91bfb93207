//go:build windows

package process

import (
	"os"
	"syscall"
)

// Windows has no process groups reachable through signals; the agent is
// killed directly.
func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func signalTerminate(pid int) error {
	return signalKill(pid)
}

func signalKill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func exitSignal(ps *os.ProcessState) string {
	return ""
}
