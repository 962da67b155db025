//go:build linux

package cpu

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinHostThread binds the calling OS thread to a host CPU chosen for core
// and returns the thread id.
func pinHostThread(core int32) (int, error) {
	var set unix.CPUSet
	set.Zero()
	set.Set(int(core) % runtime.NumCPU())
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return 0, err
	}
	return unix.Gettid(), nil
}
