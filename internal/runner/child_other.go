//go:build !unix

package runner

import (
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func signalGroup(p *os.Process, sig os.Signal) error {
	return p.Signal(sig)
}

func killGroup(p *os.Process) error {
	return p.Kill()
}

func encodeExit(ps *os.ProcessState) int {
	return ps.ExitCode()
}
