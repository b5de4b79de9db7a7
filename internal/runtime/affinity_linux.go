//go:build linux

package runtime

import (
	stdrt "runtime"

	"golang.org/x/sys/unix"
)

// pinToCPU binds the calling goroutine's OS thread to one CPU. Pinning keeps
// a worker's cache hot under steady message load; failures are ignored since
// affinity is an optimisation only.
func pinToCPU(index int) {
	stdrt.LockOSThread()
	var set unix.CPUSet
	set.Set(index % stdrt.NumCPU())
	_ = unix.SchedSetaffinity(0, &set)
}
