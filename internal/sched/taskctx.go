package sched

import (
	"sync"
	"sync/atomic"
)

// TaskID uniquely identifies a schedulable task.
type TaskID uint64

// TaskContext tracks one task's current activation. Valid is set only once a
// real enqueue has computed the deadline; a zero context merely reserves the
// slot.
type TaskContext struct {
	Deadline  uint64
	StartTime uint64
	BudgetNS  uint64
	Valid     bool
}

const ctxShardCount = 128

// DefaultContextCapacity bounds the number of tracked tasks.
const DefaultContextCapacity = 100000

type ctxShard struct {
	mu      sync.Mutex
	entries map[TaskID]TaskContext
}

// ContextTable maps task id to scheduling context. Sharded like the config
// store: operations on different tasks never contend, same-task updates are
// last-writer-wins.
type ContextTable struct {
	capacity int
	size     atomic.Int64
	shards   [ctxShardCount]ctxShard
}

// NewContextTable creates a table holding at most capacity entries.
// capacity <= 0 selects the default.
func NewContextTable(capacity int) *ContextTable {
	if capacity <= 0 {
		capacity = DefaultContextCapacity
	}
	t := &ContextTable{capacity: capacity}
	for i := range t.shards {
		t.shards[i].entries = make(map[TaskID]TaskContext)
	}
	return t
}

func (t *ContextTable) shard(id TaskID) *ctxShard {
	return &t.shards[shardIndex(uint64(id))%ctxShardCount]
}

// Get returns a copy of the task's context.
func (t *ContextTable) Get(id TaskID) (TaskContext, bool) {
	sh := t.shard(id)
	sh.mu.Lock()
	ctx, ok := sh.entries[id]
	sh.mu.Unlock()
	return ctx, ok
}

// Put creates or overwrites the task's context. Creating a new entry in a
// full table fails with ErrTableFull; overwriting always succeeds.
func (t *ContextTable) Put(id TaskID, ctx TaskContext) error {
	sh := t.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.entries[id]; !exists {
		if int(t.size.Load()) >= t.capacity {
			return ErrTableFull
		}
		t.size.Add(1)
	}
	sh.entries[id] = ctx
	return nil
}

// Update mutates an existing context under the shard lock. Returns false if
// the task has no context.
func (t *ContextTable) Update(id TaskID, fn func(*TaskContext)) bool {
	sh := t.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ctx, ok := sh.entries[id]
	if !ok {
		return false
	}
	fn(&ctx)
	sh.entries[id] = ctx
	return true
}

// Delete removes the task's context, if any.
func (t *ContextTable) Delete(id TaskID) {
	sh := t.shard(id)
	sh.mu.Lock()
	if _, ok := sh.entries[id]; ok {
		delete(sh.entries, id)
		t.size.Add(-1)
	}
	sh.mu.Unlock()
}

// Len reports the number of tracked tasks.
func (t *ContextTable) Len() int {
	return int(t.size.Load())
}
