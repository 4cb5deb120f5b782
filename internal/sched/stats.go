package sched

import (
	"context"
	"sync"

	"github.com/willibrandon/mtlog"
	"github.com/willibrandon/mtlog/core"
)

// Snapshot is a consistent copy of the scheduler's observable counters,
// suitable for periodic polling and the metrics endpoint. All counters are
// monotonic except AvgMissNS, which is derived.
type Snapshot struct {
	Misses           uint64
	TotalMissNS      uint64
	AvgMissNS        uint64
	FastDispatches   uint64
	QueuedDispatches uint64
	DroppedEvents    uint64
}

// Stats owns the miss counters and drains the engine's event stream on its
// own goroutine. External readers only ever see copies via Snapshot.
type Stats struct {
	engine *Engine
	log    core.Logger

	mu             sync.Mutex
	misses         uint64
	missDurationNS uint64
}

// NewStats creates the consumer-side aggregator for an engine.
func NewStats(engine *Engine, log core.Logger) *Stats {
	if log == nil {
		log = mtlog.New()
	}
	return &Stats{engine: engine, log: log.ForContext("component", "stats")}
}

// Run consumes miss events until ctx is cancelled. Each event increments the
// miss count and accumulates the miss duration; nothing is retried or
// persisted.
func (s *Stats) Run(ctx context.Context) {
	s.log.Debug("event consumer started")
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("event consumer stopped")
			return
		case ev := <-s.engine.Events():
			s.record(ev)
		}
	}
}

func (s *Stats) record(ev DeadlineEvent) {
	s.mu.Lock()
	s.misses++
	s.missDurationNS += ev.MissNS
	s.mu.Unlock()

	s.log.Debug("deadline miss: group={GroupId} miss={MissMs}ms at={Timestamp}",
		ev.GroupID, float64(ev.MissNS)/float64(nsecPerMsec), ev.Timestamp)
}

// Snapshot copies every counter inside one critical section so readers never
// observe a torn pair (e.g. a miss counted without its duration).
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Misses:           s.misses,
		TotalMissNS:      s.missDurationNS,
		FastDispatches:   s.engine.FastDispatches(),
		QueuedDispatches: s.engine.QueuedDispatches(),
		DroppedEvents:    s.engine.DroppedEvents(),
	}
	s.mu.Unlock()

	if snap.Misses > 0 {
		snap.AvgMissNS = snap.TotalMissNS / snap.Misses
	}
	return snap
}
