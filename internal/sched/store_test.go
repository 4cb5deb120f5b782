package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigStoreUpsertLookup(t *testing.T) {
	s := NewConfigStore(0)

	cfg := BudgetConfig{BudgetNS: 50 * nsecPerMsec, Importance: 90}
	require.NoError(t, s.Upsert(7, cfg))

	got, ok := s.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, cfg, got)
	assert.Equal(t, 1, s.Len())

	_, ok = s.Lookup(8)
	assert.False(t, ok)
}

func TestConfigStoreRejectsInvalid(t *testing.T) {
	s := NewConfigStore(0)

	err := s.Upsert(1, BudgetConfig{BudgetNS: 0, Importance: 50})
	assert.ErrorIs(t, err, ErrInvalidBudget)

	err = s.Upsert(2, BudgetConfig{BudgetNS: DefaultBudgetNS, Importance: 200})
	assert.ErrorIs(t, err, ErrInvalidImportance)

	// Rejected entries are never stored.
	assert.Equal(t, 0, s.Len())
	_, ok := s.Lookup(1)
	assert.False(t, ok)
}

func TestConfigStoreCapacity(t *testing.T) {
	s := NewConfigStore(2)
	cfg := BudgetConfig{BudgetNS: DefaultBudgetNS, Importance: 50}

	require.NoError(t, s.Upsert(1, cfg))
	require.NoError(t, s.Upsert(2, cfg))
	assert.ErrorIs(t, s.Upsert(3, cfg), ErrStoreFull)

	// Overwriting an existing group does not consume capacity.
	cfg.Importance = 80
	require.NoError(t, s.Upsert(2, cfg))
	got, _ := s.Lookup(2)
	assert.Equal(t, uint32(80), got.Importance)
	assert.Equal(t, 2, s.Len())
}

func TestSafeBudget(t *testing.T) {
	s := NewConfigStore(0)
	require.NoError(t, s.Upsert(7, BudgetConfig{BudgetNS: 50 * nsecPerMsec, Importance: 90}))

	assert.Equal(t, uint64(50*nsecPerMsec), s.SafeBudget(7))
	assert.Equal(t, DefaultBudgetNS, s.SafeBudget(999), "absent group falls back to default")
}

func TestSafeBudgetRevalidatesOnRead(t *testing.T) {
	s := NewConfigStore(0)

	// Plant a tampered entry behind the write-side validation.
	sh := s.shard(13)
	sh.mu.Lock()
	sh.entries[13] = BudgetConfig{BudgetNS: 0, Importance: 90}
	sh.mu.Unlock()

	assert.Equal(t, DefaultBudgetNS, s.SafeBudget(13))
}
