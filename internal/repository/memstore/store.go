// Package memstore is an in-process implementation of the repositories, used
// by tests and local tooling. All methods are safe for concurrent use.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"allinone/internal/models"
	"allinone/internal/repository"
)

type Store struct {
	mu sync.RWMutex

	users    map[string]models.User
	sessions map[string]models.Session
	counters map[string]models.UsageCounter
	events   map[string]models.ProcessedEvent
	pending  []models.PendingPurchase
	seq      int
}

func New() *Store {
	return &Store{
		users:    make(map[string]models.User),
		sessions: make(map[string]models.Session),
		counters: make(map[string]models.UsageCounter),
		events:   make(map[string]models.ProcessedEvent),
	}
}

// ==================== Users ====================

type Users struct{ s *Store }

func (s *Store) Users() Users { return Users{s: s} }

func (u Users) Create(_ context.Context, user models.User) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()

	if _, exists := u.s.users[user.ID]; exists {
		return fmt.Errorf("insert user: %w", repository.ErrDuplicate)
	}
	for _, existing := range u.s.users {
		if existing.EmailLower == user.EmailLower {
			return fmt.Errorf("insert user: %w", repository.ErrDuplicate)
		}
	}
	u.s.users[user.ID] = user
	return nil
}

func (u Users) GetByID(_ context.Context, id string) (models.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()

	if user, ok := u.s.users[id]; ok {
		return user, nil
	}
	return models.User{}, repository.ErrUserNotFound
}

func (u Users) FindByEmail(_ context.Context, emailLower string) (models.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()

	for _, user := range u.s.users {
		if user.EmailLower == emailLower {
			return user, nil
		}
	}
	return models.User{}, repository.ErrUserNotFound
}

func (u Users) DeleteByID(_ context.Context, id string) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()

	if _, ok := u.s.users[id]; !ok {
		return repository.ErrUserNotFound
	}
	delete(u.s.users, id)
	return nil
}

func (u Users) VerifyEmail(_ context.Context, tokenHash string, now time.Time) (models.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()

	for id, user := range u.s.users {
		if user.VerificationTokenHash != tokenHash || user.VerificationTokenExpiresAt == nil {
			continue
		}
		if !user.VerificationTokenExpiresAt.After(now) {
			continue
		}
		user.EmailVerified = true
		user.VerificationTokenHash = ""
		user.VerificationTokenExpiresAt = nil
		user.UpdatedAt = now
		u.s.users[id] = user
		return user, nil
	}
	return models.User{}, repository.ErrUserNotFound
}

func (u Users) TouchLogin(_ context.Context, id string, now time.Time) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()

	if user, ok := u.s.users[id]; ok {
		user.LastLoginAt = &now
		user.UpdatedAt = now
		u.s.users[id] = user
	}
	return nil
}

func (u Users) ApplyEntitlement(_ context.Context, id string, ent models.Entitlement) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()

	user, ok := u.s.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	user.Plan = ent.Plan
	user.PlanStatus = ent.PlanStatus
	user.PlanExpiresAt = copyTime(ent.PlanExpiresAt)
	user.StripeCustomerID = ent.StripeCustomerID
	user.StripeSubscriptionID = ent.StripeSubscriptionID
	user.UpdatedAt = time.Now().UTC()
	u.s.users[id] = user
	return nil
}

func (u Users) SetCustomerIDIfEmpty(_ context.Context, id string, customerID string) (bool, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()

	user, ok := u.s.users[id]
	if !ok || user.StripeCustomerID != "" {
		return false, nil
	}
	user.StripeCustomerID = customerID
	user.UpdatedAt = time.Now().UTC()
	u.s.users[id] = user
	return true, nil
}

func (u Users) UpdateByRefs(_ context.Context, customerID, subscriptionID string, update models.EntitlementUpdate) (int64, error) {
	if (customerID == "" && subscriptionID == "") || update.Empty() {
		return 0, nil
	}

	u.s.mu.Lock()
	defer u.s.mu.Unlock()

	var n int64
	for id, user := range u.s.users {
		matched := (customerID != "" && user.StripeCustomerID == customerID) ||
			(subscriptionID != "" && user.StripeSubscriptionID == subscriptionID)
		if !matched {
			continue
		}
		if update.Plan != nil {
			user.Plan = *update.Plan
		}
		if update.PlanStatus != nil {
			user.PlanStatus = *update.PlanStatus
		}
		if update.ClearPlanExpiry {
			user.PlanExpiresAt = nil
		}
		if update.StripeSubscriptionID != nil {
			user.StripeSubscriptionID = *update.StripeSubscriptionID
		}
		user.UpdatedAt = time.Now().UTC()
		u.s.users[id] = user
		n++
	}
	return n, nil
}

func (u Users) ExpireDayPassByCustomer(_ context.Context, customerID string) (int64, error) {
	if customerID == "" {
		return 0, nil
	}

	u.s.mu.Lock()
	defer u.s.mu.Unlock()

	var n int64
	for id, user := range u.s.users {
		if user.StripeCustomerID != customerID || user.Plan != models.PlanDayPass {
			continue
		}
		user.Plan = models.PlanFree
		user.PlanStatus = models.PlanStatusExpired
		user.PlanExpiresAt = nil
		user.UpdatedAt = time.Now().UTC()
		u.s.users[id] = user
		n++
	}
	return n, nil
}

// Put inserts or replaces a user, bypassing uniqueness checks.
func (u Users) Put(user models.User) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	u.s.users[user.ID] = user
}

// ==================== Counters ====================

type Counters struct{ s *Store }

func (s *Store) Counters() Counters { return Counters{s: s} }

func (c Counters) Peek(_ context.Context, key string, now time.Time) (int, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	counter, ok := c.s.counters[key]
	if !ok || !counter.ResetAt.After(now) {
		return 0, nil
	}
	return counter.Count, nil
}

func (c Counters) Increment(_ context.Context, key string, resetAt time.Time, now time.Time) (int, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	counter, ok := c.s.counters[key]
	if !ok || !counter.ResetAt.After(now) {
		createdAt := now
		if ok {
			createdAt = counter.CreatedAt
		}
		counter = models.UsageCounter{Key: key, Count: 0, ResetAt: resetAt, CreatedAt: createdAt}
	}
	counter.Count++
	counter.UpdatedAt = now
	c.s.counters[key] = counter
	return counter.Count, nil
}

func (c Counters) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	var n int64
	for key, counter := range c.s.counters {
		if counter.ResetAt.Before(before) {
			delete(c.s.counters, key)
			n++
		}
	}
	return n, nil
}

// ==================== Pending purchases ====================

type PendingPurchases struct{ s *Store }

// Pending exposes the pending purchase repository backed by s.
func (s *Store) Pending() PendingPurchases { return PendingPurchases{s: s} }

func (p PendingPurchases) Create(_ context.Context, pending models.PendingPurchase) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	p.s.seq++
	if pending.ID == "" {
		pending.ID = fmt.Sprintf("pending-%06d", p.s.seq)
	}
	p.s.pending = append(p.s.pending, pending)
	return nil
}

func (p PendingPurchases) ListUnclaimed(_ context.Context, emailLower string) ([]models.PendingPurchase, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()

	var rows []models.PendingPurchase
	for _, row := range p.s.pending {
		if row.EmailLower == emailLower && row.ClaimedByUserID == nil {
			rows = append(rows, row)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	return rows, nil
}

func (p PendingPurchases) MarkClaimed(_ context.Context, id string, userID string, now time.Time) (bool, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	for i := range p.s.pending {
		row := &p.s.pending[i]
		if row.ID != id || row.ClaimedByUserID != nil {
			continue
		}
		claimer := userID
		row.ClaimedByUserID = &claimer
		row.ClaimedAt = &now
		row.UpdatedAt = now
		return true, nil
	}
	return false, nil
}

// All returns a snapshot of every pending purchase, claimed or not.
func (p PendingPurchases) All() []models.PendingPurchase {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	return append([]models.PendingPurchase(nil), p.s.pending...)
}

// ==================== Processed events ====================

type Events struct{ s *Store }

func (s *Store) Events() Events { return Events{s: s} }

func (e Events) Get(_ context.Context, eventID string) (*models.ProcessedEvent, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()

	if event, ok := e.s.events[eventID]; ok {
		return &event, nil
	}
	return nil, nil
}

func (e Events) InsertInFlight(_ context.Context, eventID string, now time.Time) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	if _, exists := e.s.events[eventID]; exists {
		return fmt.Errorf("insert processed event: %w", repository.ErrDuplicate)
	}
	e.s.events[eventID] = models.ProcessedEvent{StripeEventID: eventID, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (e Events) Touch(_ context.Context, eventID string, now time.Time) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	if event, ok := e.s.events[eventID]; ok {
		event.UpdatedAt = now
		e.s.events[eventID] = event
	}
	return nil
}

func (e Events) MarkProcessed(_ context.Context, eventID string, now time.Time) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	if event, ok := e.s.events[eventID]; ok {
		event.ProcessedAt = &now
		event.UpdatedAt = now
		e.s.events[eventID] = event
	}
	return nil
}

func (e Events) ListInFlightBefore(_ context.Context, before time.Time, limit int64) ([]models.ProcessedEvent, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()

	var out []models.ProcessedEvent
	for _, event := range e.s.events {
		if event.ProcessedAt == nil && event.UpdatedAt.Before(before) {
			out = append(out, event)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ==================== Sessions ====================

type Sessions struct{ s *Store }

func (s *Store) Sessions() Sessions { return Sessions{s: s} }

func (ss Sessions) Create(_ context.Context, session models.Session) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()

	if _, exists := ss.s.sessions[session.TokenHash]; exists {
		return fmt.Errorf("insert session: %w", repository.ErrDuplicate)
	}
	ss.s.sessions[session.TokenHash] = session
	return nil
}

func (ss Sessions) FindByTokenHash(_ context.Context, tokenHash string, now time.Time) (models.Session, error) {
	ss.s.mu.RLock()
	defer ss.s.mu.RUnlock()

	session, ok := ss.s.sessions[tokenHash]
	if !ok || !session.ExpiresAt.After(now) {
		return models.Session{}, repository.ErrSessionNotFound
	}
	return session, nil
}

func (ss Sessions) DeleteByTokenHash(_ context.Context, tokenHash string) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	delete(ss.s.sessions, tokenHash)
	return nil
}

func (ss Sessions) DeleteByUserID(_ context.Context, userID string) (int64, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()

	var n int64
	for hash, session := range ss.s.sessions {
		if session.UserID == userID {
			delete(ss.s.sessions, hash)
			n++
		}
	}
	return n, nil
}

func (ss Sessions) CountByUser(userID string) int {
	ss.s.mu.RLock()
	defer ss.s.mu.RUnlock()

	n := 0
	for _, session := range ss.s.sessions {
		if session.UserID == userID {
			n++
		}
	}
	return n
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
