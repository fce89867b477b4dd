package quota

import (
	"context"
	"fmt"
	"time"
)

// FreePolicy limits signed-in users without a paid plan per ISO week.
type FreePolicy struct {
	store CounterStore
	limit int
}

func NewFreePolicy(store CounterStore, limit int) *FreePolicy {
	return &FreePolicy{store: store, limit: limit}
}

func (p *FreePolicy) Limit() int {
	return p.limit
}

func (p *FreePolicy) Preview(ctx context.Context, userID string, now time.Time) (Result, error) {
	key, resetAt := freeKey(userID, now)
	used, err := p.store.Peek(ctx, key, now)
	if err != nil {
		return Result{}, fmt.Errorf("peek user counter: %w", err)
	}
	return newResult(used, p.limit, resetAt), nil
}

func (p *FreePolicy) Consume(ctx context.Context, userID string, now time.Time) (Result, error) {
	preview, err := p.Preview(ctx, userID, now)
	if err != nil || !preview.Allowed {
		return preview, err
	}

	key, resetAt := freeKey(userID, now)
	used, err := p.store.Increment(ctx, key, resetAt, now)
	if err != nil {
		return Result{}, fmt.Errorf("increment user counter: %w", err)
	}

	result := newResult(used, p.limit, resetAt)
	result.Allowed = true
	return result, nil
}

func freeKey(userID string, now time.Time) (string, time.Time) {
	return "quota:user:" + userID + ":" + ISOWeekKey(now), NextISOWeek(now)
}
