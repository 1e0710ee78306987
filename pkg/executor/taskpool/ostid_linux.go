//go:build linux
// +build linux

package taskpool

import (
	"golang.org/x/sys/unix"
)

// currentOSThreadID returns the kernel thread id of the calling goroutine's
// OS thread. Callers must hold runtime.LockOSThread for the value to stay
// meaningful.
func currentOSThreadID() int {
	return unix.Gettid()
}
