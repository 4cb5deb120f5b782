package sched

import (
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/queues/arrayqueue"
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/willibrandon/mtlog"
	"github.com/willibrandon/mtlog/core"
)

// edfKey orders the runqueue. The deadline is the primary key; seq is a
// monotonically increasing insertion counter so equal-deadline tasks dispatch
// in arrival order and no key ever collides.
type edfKey struct {
	deadline uint64
	seq      uint64
}

func edfCmp(a, b any) int {
	ka, kb := a.(edfKey), b.(edfKey)
	switch {
	case ka.deadline < kb.deadline:
		return -1
	case ka.deadline > kb.deadline:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// Engine is the deadline-scheduling decision core. A host scheduler drives it
// through the lifecycle hooks (SelectTarget, OnEnqueue, Dispatch, OnRunning,
// OnStop, OnEnable); the hooks never block, never retry, and always make a
// scheduling decision even when a subsystem is degraded.
type Engine struct {
	store    *ConfigStore
	contexts *ContextTable
	limiter  *RateLimiter
	now      Clock
	log      core.Logger

	events chan DeadlineEvent

	mu       sync.Mutex // guards runq, fallback, seq
	runq     *redblacktree.Tree
	fallback *arrayqueue.Queue
	seq      uint64

	fastDispatches   atomic.Uint64
	queuedDispatches atomic.Uint64
	droppedEvents    atomic.Uint64
}

// EngineOption configures optional Engine dependencies.
type EngineOption func(*Engine)

// WithClock substitutes the time source.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) { e.now = c }
}

// WithLogger sets the engine logger.
func WithLogger(l core.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithContextTable substitutes the task context table.
func WithContextTable(t *ContextTable) EngineOption {
	return func(e *Engine) { e.contexts = t }
}

// WithRateLimiter substitutes the miss-event rate limiter.
func WithRateLimiter(r *RateLimiter) EngineOption {
	return func(e *Engine) { e.limiter = r }
}

// WithEventBuffer sets the miss-event channel capacity.
func WithEventBuffer(n int) EngineOption {
	return func(e *Engine) { e.events = make(chan DeadlineEvent, n) }
}

// NewEngine creates an engine reading budgets from store.
func NewEngine(store *ConfigStore, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		contexts: NewContextTable(0),
		limiter:  NewRateLimiter(RateWindowNS, MaxEventsPerWindow),
		now:      MonotonicClock(),
		log:      mtlog.New(),
		runq:     redblacktree.NewWith(edfCmp),
		fallback: arrayqueue.New(),
		events:   make(chan DeadlineEvent, DefaultEventBuffer),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Events exposes the miss-event stream for the consumer.
func (e *Engine) Events() <-chan DeadlineEvent { return e.events }

// SelectTarget mirrors the host's CPU-selection hook. When the host reports
// the chosen CPU idle, the task runs immediately and bypasses the EDF queue;
// only the fast-path counter records it.
func (e *Engine) SelectTarget(id TaskID, prevCPU int, idle bool) int {
	if idle {
		e.fastDispatches.Add(1)
	}
	return prevCPU
}

// OnEnable reserves a context slot for a task entering the scheduler. The
// context stays invalid until the first enqueue computes a deadline.
func (e *Engine) OnEnable(id TaskID) {
	if _, ok := e.contexts.Get(id); ok {
		return
	}
	// A full table is fine here; enqueue falls back to best-effort anyway.
	_ = e.contexts.Put(id, TaskContext{})
}

// OnEnqueue computes the task's deadline from its group budget and inserts it
// into the EDF runqueue. Unknown group ids use the default budget, unknown
// task ids get a fresh context. Returns the effective deadline.
func (e *Engine) OnEnqueue(id TaskID, groupID uint64) uint64 {
	now := e.now()
	e.queuedDispatches.Add(1)

	budget := e.store.SafeBudget(groupID)

	// Importance is read separately from the budget: even when the budget
	// entry fails validation the importance is still usable after clamping,
	// and scheduling must proceed either way.
	importance := DefaultImportance
	if cfg, ok := e.store.Lookup(groupID); ok {
		importance = clampImportance(cfg.Importance)
	}

	deadline := DeadlineFor(now, EffectiveBudget(budget, importance))

	if err := e.contexts.Put(id, TaskContext{Deadline: deadline, BudgetNS: budget, Valid: true}); err != nil {
		// Degrade, don't fail: the task is still scheduled, just without
		// deadline tracking or miss detection for this activation.
		e.mu.Lock()
		e.fallback.Enqueue(id)
		e.mu.Unlock()
		e.log.Warning("context table full, task {TaskId} queued best-effort", uint64(id))
		return deadline
	}

	e.insert(deadline, id)
	return deadline
}

func (e *Engine) insert(deadline uint64, id TaskID) {
	e.mu.Lock()
	e.seq++
	e.runq.Put(edfKey{deadline: deadline, seq: e.seq}, id)
	e.mu.Unlock()
}

// Dispatch removes and returns the ready task with the earliest deadline.
// Best-effort fallback tasks run only when the EDF queue is empty.
func (e *Engine) Dispatch() (TaskID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if node := e.runq.Left(); node != nil {
		e.runq.Remove(node.Key)
		return node.Value.(TaskID), true
	}
	if v, ok := e.fallback.Dequeue(); ok {
		return v.(TaskID), true
	}
	return 0, false
}

// OnRunning records when the task first hits a CPU. The timestamp is
// introspection only; miss detection compares against the deadline, not the
// observed runtime.
func (e *Engine) OnRunning(id TaskID) {
	now := e.now()
	known := e.contexts.Update(id, func(c *TaskContext) {
		if c.Valid {
			c.StartTime = now
		}
	})
	if !known {
		// Unknown task id: reserve a fresh, still-invalid context.
		_ = e.contexts.Put(id, TaskContext{})
	}
}

// OnStop checks the finished or preempted task against its deadline and
// emits a rate-limited miss event. Stopping at exactly the deadline is not a
// miss. When the task is no longer runnable its context is removed; a
// preempted task keeps its context and deadline untouched.
func (e *Engine) OnStop(id TaskID, groupID uint64, runnable bool) {
	now := e.now()
	ctx, ok := e.contexts.Get(id)
	if !ok || !ctx.Valid {
		return
	}

	if now > ctx.Deadline {
		if e.limiter.Admit(now) {
			e.emit(DeadlineEvent{
				GroupID:   groupID,
				MissNS:    now - ctx.Deadline,
				Timestamp: now,
			})
		}
	}

	if !runnable {
		e.contexts.Delete(id)
	}
}

// Requeue reinserts a preempted task under its existing deadline so it
// resumes with the same urgency it was stopped with.
func (e *Engine) Requeue(id TaskID) bool {
	ctx, ok := e.contexts.Get(id)
	if !ok || !ctx.Valid {
		return false
	}
	e.insert(ctx.Deadline, id)
	return true
}

// emit never blocks: a full channel drops the event. Reporting fidelity
// degrades before scheduling correctness does.
func (e *Engine) emit(ev DeadlineEvent) {
	select {
	case e.events <- ev:
	default:
		e.droppedEvents.Add(1)
	}
}

// FastDispatches counts tasks that took the idle-CPU fast path.
func (e *Engine) FastDispatches() uint64 { return e.fastDispatches.Load() }

// QueuedDispatches counts tasks that went through the EDF queue.
func (e *Engine) QueuedDispatches() uint64 { return e.queuedDispatches.Load() }

// DroppedEvents counts miss events lost to a full transport.
func (e *Engine) DroppedEvents() uint64 { return e.droppedEvents.Load() }

// QueueLen reports the number of deadline-tracked ready tasks.
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runq.Size()
}

// FallbackLen reports the number of best-effort ready tasks.
func (e *Engine) FallbackLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fallback.Size()
}

// Contexts reports the number of live task contexts.
func (e *Engine) Contexts() int { return e.contexts.Len() }
