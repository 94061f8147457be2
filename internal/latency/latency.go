// Package latency implements the fixed-capacity latency sample collector
// shared by every worker in a run.
package latency

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// MaxRequestsPerSecond bounds the per-second sample rate used to size the
// collector for timed runs. It mirrors the constant the original perf
// harness uses to keep a pathological -runtime from allocating an
// unreasonably large array.
const MaxRequestsPerSecond = 10000

// maxSlots is the largest number of uint32 slots the collector will ever
// allocate, regardless of the computed capacity: UINT32_MAX bytes worth of
// uint32 values.
const maxSlots = math.MaxUint32 / 4

// Collector is a preallocated, append-only array of per-request latencies
// in microseconds. It is safe for concurrent use: Record is the only
// mutating operation, and it never blocks.
type Collector struct {
	samples []uint32
	index   atomic.Uint64
	stored  atomic.Uint64
}

// Capacity computes MaxLatencyIndex for a run: for a timed run it scales
// with the run's wall-clock duration, capped at maxSlots; for a fixed-work
// run it is exactly the number of streams the run will create.
func Capacity(runTimeMs uint64, connCount, streamCount uint32) uint64 {
	if runTimeMs > 0 {
		n := (runTimeMs / 1000) * MaxRequestsPerSecond
		if n > maxSlots {
			n = maxSlots
		}
		if n == 0 {
			// A sub-second runtime still needs room for at least one sample.
			n = MaxRequestsPerSecond
		}
		return n
	}
	return uint64(connCount) * uint64(streamCount)
}

// New allocates a zero-filled Collector able to hold capacity samples. A
// capacity of zero is legal (e.g. -streams:0 handshake-only runs) and simply
// means every Record call is dropped.
func New(capacity uint64) *Collector {
	if capacity > maxSlots {
		log.Warn("latency collector capacity truncated", "requested", capacity, "max", maxSlots)
		capacity = maxSlots
	}
	return &Collector{samples: make([]uint32, capacity)}
}

// Record stores a latency sample, in microseconds, at the next free index.
// Samples beyond the collector's capacity are counted against nothing and
// silently dropped, per spec.
func (c *Collector) Record(latencyUs uint64) {
	idx := c.index.Add(1) - 1
	if idx >= uint64(len(c.samples)) {
		return
	}
	v := latencyUs
	if v > math.MaxUint32 {
		v = math.MaxUint32
	}
	c.samples[idx] = uint32(v)
	c.stored.Add(1)
}

// Count returns the number of samples actually stored (<= len(samples)).
func (c *Collector) Count() uint64 {
	n := c.stored.Load()
	if n > uint64(len(c.samples)) {
		return uint64(len(c.samples))
	}
	return n
}

// Samples returns the stored samples in storage order. The returned slice
// must not be modified; it is only valid after the run has stopped issuing
// Record calls.
func (c *Collector) Samples() []uint32 {
	return c.samples[:c.Count()]
}

// Export encodes the extra-data blob described in spec.md §6:
// [RunTime_u32 LE][LatencyCount_u64 LE][latency_us_u32 LE]*LatencyCount.
func (c *Collector) Export(runTimeMs uint32) []byte {
	samples := c.Samples()
	buf := make([]byte, 4+8+4*len(samples))
	binary.LittleEndian.PutUint32(buf[0:4], runTimeMs)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(len(samples)))
	off := 12
	for _, s := range samples {
		binary.LittleEndian.PutUint32(buf[off:off+4], s)
		off += 4
	}
	return buf
}
