package quota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// GuestIdentity carries the two proxies used to track an anonymous visitor.
// IPHash is empty when the request had no forwarding header.
type GuestIdentity struct {
	IPHash string
	AnonID string
}

type GuestPolicy struct {
	store CounterStore
	limit int
	salt  string
}

func NewGuestPolicy(store CounterStore, limit int, salt string) *GuestPolicy {
	return &GuestPolicy{store: store, limit: limit, salt: strings.TrimSpace(salt)}
}

func (p *GuestPolicy) Limit() int {
	return p.limit
}

// Identify builds the guest identity from the forwarded client address and the
// anonymous cookie id.
func (p *GuestPolicy) Identify(header http.Header, anonID string) GuestIdentity {
	id := GuestIdentity{AnonID: anonID}
	if addr := ForwardedAddress(header); addr != "" {
		id.IPHash = HashAddress(p.salt, addr)
	}
	return id
}

func (p *GuestPolicy) Preview(ctx context.Context, id GuestIdentity, now time.Time) (Result, error) {
	ipKey, anonKey, resetAt := guestKeys(id, now)

	ipCount := 0
	if ipKey != "" {
		n, err := p.store.Peek(ctx, ipKey, now)
		if err != nil {
			return Result{}, fmt.Errorf("peek guest ip counter: %w", err)
		}
		ipCount = n
	}
	anonCount, err := p.store.Peek(ctx, anonKey, now)
	if err != nil {
		return Result{}, fmt.Errorf("peek guest anon counter: %w", err)
	}

	return newResult(max(ipCount, anonCount), p.limit, resetAt), nil
}

// Consume checks the pre-increment count against the limit and then increments
// both trackers. Two requests that peek concurrently can both pass the check,
// so the stored count may overshoot the limit by the number of raced requests
// minus one.
func (p *GuestPolicy) Consume(ctx context.Context, id GuestIdentity, now time.Time) (Result, error) {
	preview, err := p.Preview(ctx, id, now)
	if err != nil || !preview.Allowed {
		return preview, err
	}

	ipKey, anonKey, resetAt := guestKeys(id, now)

	ipCount := 0
	if ipKey != "" {
		n, err := p.store.Increment(ctx, ipKey, resetAt, now)
		if err != nil {
			return Result{}, fmt.Errorf("increment guest ip counter: %w", err)
		}
		ipCount = n
	}
	anonCount, err := p.store.Increment(ctx, anonKey, resetAt, now)
	if err != nil {
		return Result{}, fmt.Errorf("increment guest anon counter: %w", err)
	}

	result := newResult(max(ipCount, anonCount), p.limit, resetAt)
	result.Allowed = true
	return result, nil
}

func guestKeys(id GuestIdentity, now time.Time) (ipKey string, anonKey string, resetAt time.Time) {
	day := DayKey(now)
	if id.IPHash != "" {
		ipKey = "quota:guest:ip:" + id.IPHash + ":" + day
	}
	anonKey = "quota:guest:anon:" + id.AnonID + ":" + day
	return ipKey, anonKey, NextUTCDay(now)
}

// ForwardedAddress returns the first X-Forwarded-For entry, falling back to
// X-Real-IP. The socket peer address is not consulted.
func ForwardedAddress(header http.Header) string {
	if forwarded := header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	return strings.TrimSpace(header.Get("X-Real-IP"))
}

func HashAddress(salt, addr string) string {
	sum := sha256.Sum256([]byte(salt + ":" + addr))
	return hex.EncodeToString(sum[:])
}
