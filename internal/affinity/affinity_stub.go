//go:build !linux
// +build !linux

package affinity

import "runtime"

func pin(int) error {
	return ErrNoSupport
}

// activeProcessors has no affinity mask to query on this platform, so every
// index up to runtime.NumCPU is reported active.
func activeProcessors() ([]int, error) {
	active := make([]int, runtime.NumCPU())
	for i := range active {
		active[i] = i
	}
	return active, nil
}
