// Package sim drives the scheduling engine the way a host scheduler would:
// virtual CPUs pull work in EDF order, run it for a bounded slice, and fire
// the lifecycle hooks in the host's causal order. It exists so the daemon and
// the integration tests can exercise the engine end to end without a real
// scheduling host.
package sim

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/willibrandon/mtlog"
	"github.com/willibrandon/mtlog/core"

	"slosched/internal/sched"
)

// DefaultSlice is how long a task may run before the runner preempts it.
const DefaultSlice = 5 * time.Millisecond

// Task is one simulated unit of work belonging to a scheduling group.
type Task struct {
	ID    sched.TaskID
	Group uint64
	Work  Workload
}

// Runner simulates a host with a fixed number of CPUs.
type Runner struct {
	engine *sched.Engine
	log    core.Logger
	cpus   int
	slice  time.Duration

	submit chan Task
	direct chan Task
	idle   atomic.Int64
	tasks  sync.Map // sched.TaskID -> Task
}

// NewRunner creates a runner with the given number of virtual CPUs.
func NewRunner(engine *sched.Engine, cpus int, slice time.Duration, log core.Logger) *Runner {
	if cpus <= 0 {
		cpus = 1
	}
	if slice <= 0 {
		slice = DefaultSlice
	}
	if log == nil {
		log = mtlog.New()
	}
	return &Runner{
		engine: engine,
		log:    log.ForContext("component", "sim"),
		cpus:   cpus,
		slice:  slice,
		submit: make(chan Task, 256),
		direct: make(chan Task, cpus),
	}
}

// Submit hands a task to the runner. Blocks only when the submission buffer
// is full.
func (r *Runner) Submit(t Task) {
	r.submit <- t
}

// Run drives the simulation until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1 + r.cpus)
	go func() {
		defer wg.Done()
		r.feed(ctx)
	}()
	for cpu := 0; cpu < r.cpus; cpu++ {
		go func(cpu int) {
			defer wg.Done()
			r.runCPU(ctx, cpu)
		}(cpu)
	}
	wg.Wait()
	r.log.Debug("simulation stopped")
}

// feed performs the host's wakeup path: select a target CPU, then either
// hand the task straight to an idle CPU or enqueue it under a deadline.
func (r *Runner) feed(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-r.submit:
			r.tasks.Store(t.ID, t)
			r.engine.OnEnable(t.ID)
			if r.idle.Load() > 0 {
				r.engine.SelectTarget(t.ID, 0, true)
				r.direct <- t
				continue
			}
			r.engine.SelectTarget(t.ID, 0, false)
			r.engine.OnEnqueue(t.ID, t.Group)
		}
	}
}

func (r *Runner) runCPU(ctx context.Context, cpu int) {
	for ctx.Err() == nil {
		if id, ok := r.engine.Dispatch(); ok {
			if v, loaded := r.tasks.Load(id); loaded {
				r.execute(ctx, v.(Task))
			}
			continue
		}

		r.idle.Add(1)
		select {
		case <-ctx.Done():
			r.idle.Add(-1)
			return
		case t := <-r.direct:
			r.idle.Add(-1)
			r.execute(ctx, t)
		case <-time.After(time.Millisecond):
			r.idle.Add(-1)
		}
	}
}

// execute runs one slice of a task and fires the stop hook. A workload cut
// off by the slice is a preemption: the task keeps its context and deadline
// and goes back into the queue.
func (r *Runner) execute(ctx context.Context, t Task) {
	r.engine.OnRunning(t.ID)

	sliceCtx, cancel := context.WithTimeout(ctx, r.slice)
	err := t.Work(sliceCtx)
	cancel()

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		r.engine.OnStop(t.ID, t.Group, true)
		r.engine.Requeue(t.ID)
		return
	}

	r.engine.OnStop(t.ID, t.Group, false)
	r.tasks.Delete(t.ID)
}
