package sched

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	ns atomic.Uint64
}

func (f *fakeClock) Now() uint64  { return f.ns.Load() }
func (f *fakeClock) Set(v uint64) { f.ns.Store(v) }

func newTestEngine(t *testing.T, store *ConfigStore, opts ...EngineOption) (*Engine, *fakeClock) {
	t.Helper()
	fc := &fakeClock{}
	if store == nil {
		store = NewConfigStore(0)
	}
	opts = append([]EngineOption{WithClock(fc.Now)}, opts...)
	return NewEngine(store, opts...), fc
}

func TestOnEnqueueComputesDeadline(t *testing.T) {
	store := NewConfigStore(0)
	require.NoError(t, store.Upsert(7, BudgetConfig{BudgetNS: 50 * nsecPerMsec, Importance: 90}))
	e, fc := newTestEngine(t, store)

	fc.Set(1_000_000_000)
	deadline := e.OnEnqueue(1, 7)

	// 50ms * 11/100 = 5.5ms effective budget.
	assert.Equal(t, uint64(1_005_500_000), deadline)

	ctx, ok := e.contexts.Get(1)
	require.True(t, ok)
	assert.True(t, ctx.Valid)
	assert.Equal(t, deadline, ctx.Deadline)
	assert.Equal(t, uint64(50*nsecPerMsec), ctx.BudgetNS)
	assert.Zero(t, ctx.StartTime)
	assert.Equal(t, uint64(1), e.QueuedDispatches())
}

func TestOnEnqueueUnknownGroupUsesDefaults(t *testing.T) {
	e, fc := newTestEngine(t, nil)

	fc.Set(1_000_000_000)
	deadline := e.OnEnqueue(1, 999)

	// Default budget 100ms at default importance 50 keeps 51%.
	assert.Equal(t, uint64(1_000_000_000+51*nsecPerMsec), deadline)
	ctx, ok := e.contexts.Get(1)
	require.True(t, ok)
	assert.True(t, ctx.Valid, "unknown group still yields a valid deadline")
}

func TestOnEnqueueTamperedEntryKeepsImportance(t *testing.T) {
	store := NewConfigStore(0)
	sh := store.shard(13)
	sh.mu.Lock()
	sh.entries[13] = BudgetConfig{BudgetNS: 0, Importance: 90}
	sh.mu.Unlock()
	e, fc := newTestEngine(t, store)

	fc.Set(0)
	deadline := e.OnEnqueue(1, 13)

	// Budget falls back to the default, the stored importance still applies.
	assert.Equal(t, EffectiveBudget(DefaultBudgetNS, 90), deadline)
}

func TestDispatchEDFOrder(t *testing.T) {
	store := NewConfigStore(0)
	require.NoError(t, store.Upsert(1, BudgetConfig{BudgetNS: 100 * nsecPerMsec, Importance: 1}))
	require.NoError(t, store.Upsert(2, BudgetConfig{BudgetNS: 10 * nsecPerMsec, Importance: 1}))
	require.NoError(t, store.Upsert(3, BudgetConfig{BudgetNS: 50 * nsecPerMsec, Importance: 1}))
	e, fc := newTestEngine(t, store)

	fc.Set(1_000_000)
	e.OnEnqueue(10, 1)
	e.OnEnqueue(20, 2)
	e.OnEnqueue(30, 3)

	var order []TaskID
	for {
		id, ok := e.Dispatch()
		if !ok {
			break
		}
		order = append(order, id)
	}
	assert.Equal(t, []TaskID{20, 30, 10}, order)
}

func TestDispatchFIFOTieBreak(t *testing.T) {
	e, fc := newTestEngine(t, nil)
	fc.Set(42)

	// Same group, same instant: identical deadlines.
	for id := TaskID(1); id <= 5; id++ {
		e.OnEnqueue(id, 77)
	}

	for want := TaskID(1); want <= 5; want++ {
		id, ok := e.Dispatch()
		require.True(t, ok)
		assert.Equal(t, want, id)
	}
}

func TestDispatchEmpty(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, ok := e.Dispatch()
	assert.False(t, ok)
}

func TestEnqueueFallsBackWhenTableFull(t *testing.T) {
	e, fc := newTestEngine(t, nil, WithContextTable(NewContextTable(1)))
	fc.Set(100)

	e.OnEnqueue(1, 5)
	e.OnEnqueue(2, 5) // table full, goes best-effort

	assert.Equal(t, 1, e.QueueLen())
	assert.Equal(t, 1, e.FallbackLen())

	// Deadline-tracked work dispatches before best-effort work.
	id, ok := e.Dispatch()
	require.True(t, ok)
	assert.Equal(t, TaskID(1), id)
	id, ok = e.Dispatch()
	require.True(t, ok)
	assert.Equal(t, TaskID(2), id)

	// The fallback task has no context, so stopping it detects nothing.
	fc.Set(100 * nsecPerSec)
	e.OnStop(2, 5, false)
	assert.Empty(t, e.Events())
}

func TestMissDetection(t *testing.T) {
	store := NewConfigStore(0)
	require.NoError(t, store.Upsert(4, BudgetConfig{BudgetNS: 20 * nsecPerMsec, Importance: 1}))
	e, fc := newTestEngine(t, store)

	fc.Set(1_000_000_000)
	deadline := e.OnEnqueue(9, 4)
	assert.Equal(t, uint64(1_020_000_000), deadline)

	fc.Set(1_015_000_000)
	e.OnRunning(9)
	ctx, _ := e.contexts.Get(9)
	assert.Equal(t, uint64(1_015_000_000), ctx.StartTime)

	fc.Set(1_025_000_000)
	e.OnStop(9, 4, false)

	select {
	case ev := <-e.Events():
		assert.Equal(t, uint64(4), ev.GroupID)
		assert.Equal(t, uint64(5*nsecPerMsec), ev.MissNS)
		assert.Equal(t, uint64(1_025_000_000), ev.Timestamp)
	default:
		t.Fatal("expected a deadline event")
	}

	_, ok := e.contexts.Get(9)
	assert.False(t, ok, "stopped task leaves no context behind")
}

func TestExactDeadlineIsNotAMiss(t *testing.T) {
	e, fc := newTestEngine(t, nil)

	fc.Set(0)
	deadline := e.OnEnqueue(1, 1)

	fc.Set(deadline)
	e.OnStop(1, 1, false)
	assert.Empty(t, e.Events())
}

func TestStopRunnablePreservesContext(t *testing.T) {
	e, fc := newTestEngine(t, nil)

	fc.Set(0)
	deadline := e.OnEnqueue(1, 1)
	_, ok := e.Dispatch()
	require.True(t, ok)

	// Preempted: context and deadline survive untouched.
	fc.Set(1000)
	e.OnStop(1, 1, true)
	ctx, ok := e.contexts.Get(1)
	require.True(t, ok)
	assert.True(t, ctx.Valid)
	assert.Equal(t, deadline, ctx.Deadline)

	// Resumes under the same deadline.
	require.True(t, e.Requeue(1))
	id, ok := e.Dispatch()
	require.True(t, ok)
	assert.Equal(t, TaskID(1), id)
}

func TestRequeueWithoutContext(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	assert.False(t, e.Requeue(99))

	e.OnEnable(5)
	assert.False(t, e.Requeue(5), "invalid context cannot requeue")
}

func TestOnRunningUnknownTaskReservesContext(t *testing.T) {
	e, fc := newTestEngine(t, nil)
	fc.Set(7)

	e.OnRunning(55)
	ctx, ok := e.contexts.Get(55)
	require.True(t, ok)
	assert.False(t, ctx.Valid)
	assert.Zero(t, ctx.StartTime, "start time is only recorded for valid contexts")
}

func TestStopUnknownTaskIsNoop(t *testing.T) {
	e, fc := newTestEngine(t, nil)
	fc.Set(10 * nsecPerSec)
	e.OnStop(404, 1, false)
	assert.Empty(t, e.Events())
}

func TestOnEnableReservesInvalidContext(t *testing.T) {
	e, fc := newTestEngine(t, nil)

	e.OnEnable(3)
	ctx, ok := e.contexts.Get(3)
	require.True(t, ok)
	assert.False(t, ctx.Valid)

	// An invalid context never produces a miss.
	fc.Set(10 * nsecPerSec)
	e.OnStop(3, 1, false)
	assert.Empty(t, e.Events())

	// Enabling again keeps the existing entry.
	e.OnEnqueue(3, 1)
	e.OnEnable(3)
	ctx, _ = e.contexts.Get(3)
	assert.True(t, ctx.Valid)
}

func TestMissEventsAreRateLimited(t *testing.T) {
	e, fc := newTestEngine(t, nil, WithRateLimiter(NewRateLimiter(RateWindowNS, 2)))

	for id := TaskID(1); id <= 3; id++ {
		fc.Set(0)
		e.OnEnqueue(id, 1)
		fc.Set(10 * nsecPerSec)
		e.OnStop(id, 1, false)
	}

	assert.Len(t, e.Events(), 2, "third miss is denied by the limiter")
	assert.Zero(t, e.DroppedEvents(), "a denied event is not a transport drop")
}

func TestEmitDropsOnFullTransport(t *testing.T) {
	e, fc := newTestEngine(t, nil, WithEventBuffer(1))

	for id := TaskID(1); id <= 2; id++ {
		fc.Set(0)
		e.OnEnqueue(id, 1)
		fc.Set(10 * nsecPerSec)
		e.OnStop(id, 1, false)
	}

	assert.Len(t, e.Events(), 1)
	assert.Equal(t, uint64(1), e.DroppedEvents())
}

func TestSelectTargetFastPath(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	assert.Equal(t, 3, e.SelectTarget(1, 3, true))
	assert.Equal(t, uint64(1), e.FastDispatches())

	assert.Equal(t, 2, e.SelectTarget(1, 2, false))
	assert.Equal(t, uint64(1), e.FastDispatches())
}
