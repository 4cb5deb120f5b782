package sched

import "time"

// Clock returns the current time in nanoseconds on a monotonic scale.
// Tests substitute a hand-driven clock.
type Clock func() uint64

// MonotonicClock returns a clock counting nanoseconds since it was created.
func MonotonicClock() Clock {
	start := time.Now()
	return func() uint64 {
		return uint64(time.Since(start))
	}
}
