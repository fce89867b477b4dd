package quota

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"allinone/internal/repository/memstore"
)

type failingStore struct{ err error }

func (f failingStore) Peek(context.Context, string, time.Time) (int, error) { return 0, f.err }

func (f failingStore) Increment(context.Context, string, time.Time, time.Time) (int, error) {
	return 0, f.err
}

func forwardedHeader(ip string) http.Header {
	h := http.Header{}
	if ip != "" {
		h.Set("X-Forwarded-For", ip+", 10.0.0.1")
	}
	return h
}

func TestGuestConsumeRoundTrip(t *testing.T) {
	ctx := context.Background()
	policy := NewGuestPolicy(memstore.New().Counters(), 3, "salt")
	id := policy.Identify(forwardedHeader("203.0.113.9"), "anon-1")
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	for _, want := range []int{2, 1, 0} {
		res, err := policy.Consume(ctx, id, now)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, want, res.Remaining)
		assert.Equal(t, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), res.ResetAt)
	}

	res, err := policy.Consume(ctx, id, now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	next, err := policy.Consume(ctx, id, now.Add(15*time.Hour))
	require.NoError(t, err)
	assert.True(t, next.Allowed, "new UTC day opens a new window")
	assert.Equal(t, 2, next.Remaining)
}

func TestGuestUsesMaxOfTrackers(t *testing.T) {
	ctx := context.Background()
	policy := NewGuestPolicy(memstore.New().Counters(), 3, "salt")
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	first := policy.Identify(forwardedHeader("203.0.113.9"), "anon-1")
	for i := 0; i < 3; i++ {
		_, err := policy.Consume(ctx, first, now)
		require.NoError(t, err)
	}

	// Rotating only the cookie keeps the address tracker exhausted.
	rotated := policy.Identify(forwardedHeader("203.0.113.9"), "anon-2")
	res, err := policy.Preview(ctx, rotated, now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// Rotating only the address keeps the cookie tracker exhausted.
	moved := policy.Identify(forwardedHeader("198.51.100.7"), "anon-1")
	res, err = policy.Consume(ctx, moved, now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestGuestWithoutForwardedAddressUsesCookieOnly(t *testing.T) {
	ctx := context.Background()
	policy := NewGuestPolicy(memstore.New().Counters(), 3, "salt")
	id := policy.Identify(http.Header{}, "anon-1")
	assert.Empty(t, id.IPHash)

	res, err := policy.Consume(ctx, id, time.Now())
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)
}

func TestPreviewDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	policy := NewFreePolicy(memstore.New().Counters(), 10)
	now := time.Date(2025, 2, 12, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		res, err := policy.Preview(ctx, "user-1", now)
		require.NoError(t, err)
		assert.Equal(t, 10, res.Remaining)
	}
}

func TestFreeWeeklyWindowDoesNotCarryOver(t *testing.T) {
	ctx := context.Background()
	policy := NewFreePolicy(memstore.New().Counters(), 10)
	sunday := time.Date(2025, 2, 16, 23, 59, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		res, err := policy.Consume(ctx, "user-1", sunday)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := policy.Consume(ctx, "user-1", sunday)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Date(2025, 2, 17, 0, 0, 0, 0, time.UTC), res.ResetAt)

	monday := time.Date(2025, 2, 17, 0, 0, 0, 0, time.UTC)
	res, err = policy.Consume(ctx, "user-1", monday)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 9, res.Remaining)
}

func TestConsumeNeverExceedsLimitSequentially(t *testing.T) {
	ctx := context.Background()
	policy := NewGuestPolicy(memstore.New().Counters(), 3, "salt")
	id := policy.Identify(forwardedHeader("203.0.113.9"), "anon-1")
	now := time.Now()

	allowed := 0
	for i := 0; i < 20; i++ {
		res, err := policy.Consume(ctx, id, now)
		require.NoError(t, err)
		if res.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestConcurrentConsumeOvershootIsBounded(t *testing.T) {
	ctx := context.Background()
	const limit, workers = 3, 16
	policy := NewFreePolicy(memstore.New().Counters(), limit)
	now := time.Now()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := policy.Consume(ctx, "user-1", now)
			if err == nil && res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, allowed, limit)
	assert.LessOrEqual(t, allowed, limit+workers-1)
}

func TestStoreErrorsPropagate(t *testing.T) {
	boom := errors.New("store down")
	guest := NewGuestPolicy(failingStore{err: boom}, 3, "salt")
	_, err := guest.Consume(context.Background(), GuestIdentity{AnonID: "a"}, time.Now())
	assert.ErrorIs(t, err, boom)

	free := NewFreePolicy(failingStore{err: boom}, 10)
	_, err = free.Preview(context.Background(), "user-1", time.Now())
	assert.ErrorIs(t, err, boom)
}

func TestForwardedAddress(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, "", ForwardedAddress(h))

	h.Set("X-Real-IP", " 198.51.100.7 ")
	assert.Equal(t, "198.51.100.7", ForwardedAddress(h))

	h.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ForwardedAddress(h))
}

func TestHashAddressIsSalted(t *testing.T) {
	a := HashAddress("salt-a", "203.0.113.9")
	b := HashAddress("salt-b", "203.0.113.9")
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, HashAddress("salt-a", "203.0.113.9"))
}
