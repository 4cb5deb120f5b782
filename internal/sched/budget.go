package sched

import (
	"errors"
	"fmt"
	"math"
)

const (
	nsecPerMsec = 1_000_000
	nsecPerSec  = 1_000_000_000
)

// Budget bounds. A zero budget would grant infinite priority and a huge one
// risks overflow in the deadline math, so both ends are rejected on write and
// replaced with the default on read.
const (
	DefaultBudgetNS uint64 = 100 * nsecPerMsec
	MinBudgetNS     uint64 = 1 * nsecPerMsec
	MaxBudgetNS     uint64 = 10 * nsecPerSec
)

// Importance bounds. Higher importance shortens the effective budget.
const (
	MinImportance     uint32 = 1
	MaxImportance     uint32 = 100
	DefaultImportance uint32 = 50
)

var (
	ErrInvalidBudget     = errors.New("budget outside allowed bounds")
	ErrInvalidImportance = errors.New("importance outside allowed bounds")
	ErrStoreFull         = errors.New("config store full")
	ErrTableFull         = errors.New("task context table full")
)

// BudgetConfig is the latency budget assigned to one scheduling group.
type BudgetConfig struct {
	BudgetNS   uint64
	Importance uint32
	Flags      uint32
}

// Validate rejects configurations outside the trusted bounds. It runs on
// every write and again on every read, so a tampered store entry can never
// reach the deadline math.
func (c BudgetConfig) Validate() error {
	if c.BudgetNS < MinBudgetNS || c.BudgetNS > MaxBudgetNS {
		return fmt.Errorf("%w: %d ns (allowed %d-%d)", ErrInvalidBudget, c.BudgetNS, MinBudgetNS, MaxBudgetNS)
	}
	if c.Importance < MinImportance || c.Importance > MaxImportance {
		return fmt.Errorf("%w: %d (allowed %d-%d)", ErrInvalidImportance, c.Importance, MinImportance, MaxImportance)
	}
	return nil
}

func clampImportance(imp uint32) uint32 {
	if imp < MinImportance {
		return MinImportance
	}
	if imp > MaxImportance {
		return MaxImportance
	}
	return imp
}

// EffectiveBudget scales a group budget by importance:
//
//	effective = budget * (101 - importance) / 100
//
// Importance 100 keeps 1% of the budget, importance 1 keeps all of it.
// The result is monotonically non-increasing in importance.
func EffectiveBudget(budgetNS uint64, importance uint32) uint64 {
	scaling := uint64(101 - clampImportance(importance))
	return budgetNS * scaling / 100
}

// DeadlineFor computes an absolute deadline, saturating at the maximum
// representable time. A wrapped deadline would sort as "earliest" and invert
// priorities; saturating demotes the task to "latest" instead.
func DeadlineFor(now, effectiveBudget uint64) uint64 {
	if effectiveBudget > math.MaxUint64-now {
		return math.MaxUint64
	}
	return now + effectiveBudget
}
