package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"allinone/internal/entitlement"
	"allinone/internal/metrics"
	"allinone/internal/models"
	"allinone/internal/repository/memstore"
)

var fixedNow = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

type fakeProcessor struct {
	mu        sync.Mutex
	customers int
	createErr error
	prices    map[string]string
	priceErr  error
	sessions  map[string][]CheckoutSession
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		prices:   map[string]string{},
		sessions: map[string][]CheckoutSession{},
	}
}

func (f *fakeProcessor) CreateCustomer(_ context.Context, _, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.customers++
	return fmt.Sprintf("cus_%d", f.customers), nil
}

func (f *fakeProcessor) CheckoutPriceID(_ context.Context, sessionID string) (string, error) {
	if f.priceErr != nil {
		return "", f.priceErr
	}
	return f.prices[sessionID], nil
}

func (f *fakeProcessor) ListCheckoutSessions(_ context.Context, customerID string, limit int) ([]CheckoutSession, error) {
	sessions := f.sessions[customerID]
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

var testPrices = entitlement.NewPriceMap("price_day", "price_month", "price_year")

type fixture struct {
	store      *memstore.Store
	processor  *fakeProcessor
	linker     *Linker
	reconciler *Reconciler
}

func newFixture() *fixture {
	store := memstore.New()
	processor := newFakeProcessor()
	m := metrics.New()
	linker := NewLinker(store.Users(), store.Pending(), processor, m, zerolog.Nop())
	linker.now = func() time.Time { return fixedNow }
	reconciler := NewReconciler(store.Events(), linker, processor, testPrices, m, zerolog.Nop())
	reconciler.now = func() time.Time { return fixedNow }
	return &fixture{store: store, processor: processor, linker: linker, reconciler: reconciler}
}

func (f *fixture) addUser(id, email string) models.User {
	user := models.User{
		ID:         id,
		Email:      email,
		EmailLower: NormalizeEmail(email),
		Plan:       models.PlanFree,
		PlanStatus: models.PlanStatusActive,
		CreatedAt:  fixedNow,
		UpdatedAt:  fixedNow,
	}
	f.store.Users().Put(user)
	return user
}

func (f *fixture) user(id string) models.User {
	user, err := f.store.Users().GetByID(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return user
}

// failingUsers wraps a user store and fails entitlement writes.
type failingUsers struct {
	UserStore
}

var errStoreDown = errors.New("store unavailable")

func (failingUsers) ApplyEntitlement(context.Context, string, models.Entitlement) error {
	return errStoreDown
}

func (failingUsers) UpdateByRefs(context.Context, string, string, models.EntitlementUpdate) (int64, error) {
	return 0, errStoreDown
}

// racingUsers reports a lost SetCustomerIDIfEmpty after storing a competing id.
type racingUsers struct {
	memstore.Users
	winner string
}

func (r racingUsers) SetCustomerIDIfEmpty(ctx context.Context, id string, _ string) (bool, error) {
	if _, err := r.Users.SetCustomerIDIfEmpty(ctx, id, r.winner); err != nil {
		return false, err
	}
	return false, nil
}
