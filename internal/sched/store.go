package sched

import (
	"sync"
	"sync/atomic"
)

const storeShardCount = 64

// DefaultStoreCapacity bounds the number of configured groups.
const DefaultStoreCapacity = 10000

type storeShard struct {
	mu      sync.RWMutex
	entries map[uint64]BudgetConfig
}

// ConfigStore maps group id to budget configuration. It is sharded so that
// concurrent lookups and upserts for different groups never contend; the
// scheduling core only reads, the config collaborator only writes.
type ConfigStore struct {
	capacity int
	size     atomic.Int64
	shards   [storeShardCount]storeShard
}

// NewConfigStore creates a store holding at most capacity entries.
// capacity <= 0 selects the default.
func NewConfigStore(capacity int) *ConfigStore {
	if capacity <= 0 {
		capacity = DefaultStoreCapacity
	}
	s := &ConfigStore{capacity: capacity}
	for i := range s.shards {
		s.shards[i].entries = make(map[uint64]BudgetConfig)
	}
	return s
}

func (s *ConfigStore) shard(groupID uint64) *storeShard {
	return &s.shards[shardIndex(groupID)%storeShardCount]
}

// Upsert validates and stores a group configuration. Invalid configurations
// are rejected rather than clamped, and a full store fails explicitly
// instead of evicting another group.
func (s *ConfigStore) Upsert(groupID uint64, cfg BudgetConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	sh := s.shard(groupID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.entries[groupID]; !exists {
		if int(s.size.Load()) >= s.capacity {
			return ErrStoreFull
		}
		s.size.Add(1)
	}
	sh.entries[groupID] = cfg
	return nil
}

// Lookup returns the stored configuration for a group, unvalidated.
// Callers on the scheduling path must use SafeBudget instead.
func (s *ConfigStore) Lookup(groupID uint64) (BudgetConfig, bool) {
	sh := s.shard(groupID)
	sh.mu.RLock()
	cfg, ok := sh.entries[groupID]
	sh.mu.RUnlock()
	return cfg, ok
}

// SafeBudget returns the group's budget, re-validating the stored entry and
// falling back to the default when the group is absent or the entry fails
// validation. The store could in principle hold tampered data, so read-side
// validation is not optional.
func (s *ConfigStore) SafeBudget(groupID uint64) uint64 {
	cfg, ok := s.Lookup(groupID)
	if !ok {
		return DefaultBudgetNS
	}
	if cfg.Validate() != nil {
		return DefaultBudgetNS
	}
	return cfg.BudgetNS
}

// Len reports the number of configured groups.
func (s *ConfigStore) Len() int {
	return int(s.size.Load())
}

// shardIndex mixes the key so sequential ids spread across shards.
func shardIndex(key uint64) uint64 {
	key ^= key >> 33
	key *= 0xff51afd7ed558ccd
	key ^= key >> 33
	return key
}
