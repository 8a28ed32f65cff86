//go:build linux

package workerclient

import "syscall"

const prSetPDeathSig = 1

// EnableParentDeathSignal asks the kernel to deliver SIGTERM to this process
// when its direct parent exits. GPU workers are launched by the rental
// instance's onstart wrapper; without this a dead wrapper leaves the worker
// heartbeating a job it can no longer upload results for.
func EnableParentDeathSignal() error {
	_, _, errno := syscall.RawSyscall(
		syscall.SYS_PRCTL,
		uintptr(prSetPDeathSig),
		uintptr(syscall.SIGTERM),
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}
