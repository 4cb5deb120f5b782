package sched

// DeadlineEvent reports one detected deadline miss. Events are emitted at
// most once per miss, past the rate limiter, and consumed exactly once.
type DeadlineEvent struct {
	GroupID   uint64
	MissNS    uint64
	Timestamp uint64
}

// DefaultEventBuffer is the capacity of the miss-event channel. The rate
// limiter keeps production below the consumer's drain rate, so the buffer
// only has to absorb short bursts.
const DefaultEventBuffer = 1024
