// Package affinity pins the calling goroutine's underlying OS thread to a
// single processor, mirroring the per-worker CPU affinity spec.md §4.6
// assigns via IdealProcessor. Only Linux actually supports this; elsewhere
// Pin is a no-op that reports ErrNoSupport so callers can log and continue.
package affinity

import "errors"

// ErrNoSupport indicates this platform cannot set thread affinity.
var ErrNoSupport = errors.New("cpu affinity not supported on this platform")

// Pin locks the calling goroutine to its current OS thread and restricts
// that thread to processor. Callers that want the pin to stick must not
// return from the goroutine that called Pin (a driver loop's top-level
// function is the intended caller).
func Pin(processor int) error {
	return pin(processor)
}

// ActiveProcessors returns the indices of the processors this process is
// currently allowed to run on, so -affinitize can skip inactive/offline
// ones instead of pinning to a processor index that doesn't correspond to
// a real active CPU. On platforms pin doesn't support, every index up to
// runtime.NumCPU is reported active, since there is no mask to query.
func ActiveProcessors() ([]int, error) {
	return activeProcessors()
}
