//go:build linux
// +build linux

package affinity

import (
	"runtime"

	"golang.org/x/sys/unix"
)

func pin(processor int) error {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(processor)
	return unix.SchedSetaffinity(0, &set)
}

func activeProcessors() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, err
	}
	// maxProcessors bounds the scan of the affinity mask for set bits;
	// Linux's CPU_SETSIZE is 1024 regardless of how many CPUs are online.
	const maxProcessors = 1024
	active := make([]int, 0, set.Count())
	for i := 0; i < maxProcessors; i++ {
		if set.IsSet(i) {
			active = append(active, i)
		}
	}
	return active, nil
}
