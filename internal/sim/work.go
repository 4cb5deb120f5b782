package sim

import (
	"context"
	"time"
)

// Workload is the unit of simulated work. It returns ctx.Err() when cut off
// by a slice expiry (preemption) and nil when it finishes.
type Workload func(ctx context.Context) error

// SleepWork returns a workload that sleeps for d in total, resuming where it
// left off after each preemption.
func SleepWork(d time.Duration) Workload {
	remaining := d
	return func(ctx context.Context) error {
		start := time.Now()
		select {
		case <-ctx.Done():
			remaining -= time.Since(start)
			if remaining < 0 {
				remaining = 0
			}
			return ctx.Err()
		case <-time.After(remaining):
			return nil
		}
	}
}
