//go:build unix

package exitcode

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func signalName(sig int) string {
	return unix.SignalName(syscall.Signal(sig))
}
