// Package quota enforces the guest daily and free-tier weekly usage limits on
// top of an atomic counter store.
package quota

import (
	"context"
	"time"
)

// CounterStore is a keyed, windowed counter. A row whose reset time is at or
// before now reads as zero, and the next increment starts a fresh window.
type CounterStore interface {
	Peek(ctx context.Context, key string, now time.Time) (int, error)
	// Increment must be atomic in the backing store; callers never
	// read-modify-write the authoritative count.
	Increment(ctx context.Context, key string, resetAt time.Time, now time.Time) (int, error)
}

type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Limit     int
}

func newResult(used, limit int, resetAt time.Time) Result {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   used < limit,
		Remaining: remaining,
		ResetAt:   resetAt,
		Limit:     limit,
	}
}
