//go:build !linux

package runtime

// pinToCPU is a no-op on platforms without settable thread affinity.
func pinToCPU(int) {}
