package entitlement

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// memStore implements Store with the same conditional-update semantics the
// SQL repositories provide, guarded by a mutex so concurrent consumes
// behave like row-level atomic updates.
type memStore struct {
	mu       sync.Mutex
	users    map[string]*User
	attempts []QueryAttempt
	payments map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]*User{},
		payments: map[string]bool{},
	}
}

func (s *memStore) addUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *memStore) GetUserByID(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user not found: %s", id)
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) ConsumeFreeCredit(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.FreeCreditsRemaining <= 0 {
		return false, nil
	}
	u.FreeCreditsRemaining--
	return true, nil
}

func (s *memStore) ConsumeSubscriberQuery(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.MonthlyQueriesUsed >= u.MonthlyQueryLimit {
		return false, nil
	}
	u.MonthlyQueriesUsed++
	return true, nil
}

func (s *memStore) InsertQueryAttempt(_ context.Context, attempt QueryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *memStore) ApplyPayment(_ context.Context, userID, transactionID string, _ int64, ts time.Time, expiry time.Time, monthlyLimit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.payments[transactionID] {
		return false, nil
	}
	u, ok := s.users[userID]
	if !ok {
		return false, fmt.Errorf("user not found: %s", userID)
	}
	s.payments[transactionID] = true
	u.IsSubscriber = true
	u.MonthlyQueriesUsed = 0
	u.MonthlyQueryLimit = monthlyLimit
	u.LastPaymentDate = &ts
	u.SubscriptionExpiry = &expiry
	return true, nil
}

func newTestEngine(store Store) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, logger, nil, Config{
		FreeCredits:        5,
		MonthlyQueryLimit:  100,
		SubscriptionWindow: 30 * 24 * time.Hour,
	})
}

func futureTime(d time.Duration) *time.Time {
	t := time.Now().Add(d)
	return &t
}

func TestAuthorize(t *testing.T) {
	engine := newTestEngine(newMemStore())
	now := time.Now()

	cases := []struct {
		name    string
		user    User
		allowed bool
		reason  string
	}{
		{
			name:    "free credits remaining",
			user:    User{FreeCreditsRemaining: 3},
			allowed: true,
		},
		{
			name:   "free tier exhausted",
			user:   User{FreeCreditsRemaining: 0},
			reason: DenyFreeTierExhausted,
		},
		{
			name: "subscriber below limit",
			user: User{
				IsSubscriber:       true,
				MonthlyQueriesUsed: 99,
				MonthlyQueryLimit:  100,
				SubscriptionExpiry: futureTime(24 * time.Hour),
			},
			allowed: true,
		},
		{
			name: "subscriber at limit",
			user: User{
				IsSubscriber:       true,
				MonthlyQueriesUsed: 100,
				MonthlyQueryLimit:  100,
				SubscriptionExpiry: futureTime(24 * time.Hour),
			},
			reason: DenySubscriptionExhausted,
		},
		{
			name: "expired subscriber falls back to free credits",
			user: User{
				IsSubscriber:         true,
				MonthlyQueriesUsed:   0,
				MonthlyQueryLimit:    100,
				SubscriptionExpiry:   futureTime(-time.Hour),
				FreeCreditsRemaining: 2,
			},
			allowed: true,
		},
		{
			name: "expired subscriber without free credits",
			user: User{
				IsSubscriber:       true,
				SubscriptionExpiry: futureTime(-time.Hour),
			},
			reason: DenyFreeTierExhausted,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := engine.Authorize(&tc.user, now)
			if d.Allowed != tc.allowed {
				t.Fatalf("allowed: got %v, want %v (reason %q)", d.Allowed, tc.allowed, d.Reason)
			}
			if !tc.allowed && d.Reason != tc.reason {
				t.Fatalf("reason: got %q, want %q", d.Reason, tc.reason)
			}
		})
	}
}

func TestConsumeFailureNeverCharges(t *testing.T) {
	store := newMemStore()
	store.addUser(&User{ID: "u1", FreeCreditsRemaining: 5})
	engine := newTestEngine(store)

	spent, err := engine.Consume(context.Background(), "u1", "key", LookupOutcome{
		Success:   false,
		Attempts:  2,
		LastError: "timeout na consulta",
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if spent {
		t.Fatal("failed lookup must not spend quota")
	}

	u, _ := store.GetUserByID(context.Background(), "u1")
	if u.FreeCreditsRemaining != 5 || u.MonthlyQueriesUsed != 0 {
		t.Fatalf("counters mutated: free=%d used=%d", u.FreeCreditsRemaining, u.MonthlyQueriesUsed)
	}
	if len(store.attempts) != 1 {
		t.Fatalf("expected audit row, got %d", len(store.attempts))
	}
	att := store.attempts[0]
	if att.Success || att.Attempts != 2 || att.LastError == nil {
		t.Fatalf("attempt record wrong: %+v", att)
	}
}

func TestFreeTierScenario(t *testing.T) {
	store := newMemStore()
	store.addUser(&User{ID: "u1", PhoneNumber: "5599999999999", FreeCreditsRemaining: 5})
	engine := newTestEngine(store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		u, _ := store.GetUserByID(ctx, "u1")
		if d := engine.Authorize(u, time.Now()); !d.Allowed {
			t.Fatalf("lookup %d denied: %s", i+1, d.Reason)
		}
		spent, err := engine.Consume(ctx, "u1", "key", LookupOutcome{Success: true, Attempts: 1})
		if err != nil || !spent {
			t.Fatalf("lookup %d not spent: spent=%v err=%v", i+1, spent, err)
		}
	}

	u, _ := store.GetUserByID(ctx, "u1")
	if u.FreeCreditsRemaining != 0 {
		t.Fatalf("free credits after five lookups: %d", u.FreeCreditsRemaining)
	}
	d := engine.Authorize(u, time.Now())
	if d.Allowed || d.Reason != DenyFreeTierExhausted {
		t.Fatalf("sixth attempt: got %+v", d)
	}
}

func TestSubscriberReachesLimit(t *testing.T) {
	store := newMemStore()
	store.addUser(&User{
		ID:                 "u1",
		IsSubscriber:       true,
		MonthlyQueriesUsed: 99,
		MonthlyQueryLimit:  100,
		SubscriptionExpiry: futureTime(24 * time.Hour),
	})
	engine := newTestEngine(store)
	ctx := context.Background()

	spent, err := engine.Consume(ctx, "u1", "key", LookupOutcome{Success: true, Attempts: 1})
	if err != nil || !spent {
		t.Fatalf("consume: spent=%v err=%v", spent, err)
	}

	u, _ := store.GetUserByID(ctx, "u1")
	if u.MonthlyQueriesUsed != 100 {
		t.Fatalf("monthly used: %d", u.MonthlyQueriesUsed)
	}
	d := engine.Authorize(u, time.Now())
	if d.Allowed || d.Reason != DenySubscriptionExhausted {
		t.Fatalf("expected subscription_exhausted, got %+v", d)
	}
}

// N concurrent successful lookups must never spend more than the
// available balance.
func TestConcurrentConsumeRespectsBalance(t *testing.T) {
	store := newMemStore()
	store.addUser(&User{ID: "u1", FreeCreditsRemaining: 5})
	engine := newTestEngine(store)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			spent, err := engine.Consume(ctx, "u1", "key", LookupOutcome{Success: true, Attempts: 1})
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			results <- spent
		}()
	}
	wg.Wait()
	close(results)

	spentCount := 0
	for spent := range results {
		if spent {
			spentCount++
		}
	}
	if spentCount != 5 {
		t.Fatalf("spent %d units from a balance of 5", spentCount)
	}
	u, _ := store.GetUserByID(ctx, "u1")
	if u.FreeCreditsRemaining != 0 {
		t.Fatalf("balance went to %d", u.FreeCreditsRemaining)
	}
}

// A payment landing between authorize and consume must move the spend to
// the subscription counter.
func TestConsumeReevaluatesTier(t *testing.T) {
	store := newMemStore()
	store.addUser(&User{ID: "u1", FreeCreditsRemaining: 1})
	engine := newTestEngine(store)
	ctx := context.Background()

	u, _ := store.GetUserByID(ctx, "u1")
	if d := engine.Authorize(u, time.Now()); !d.Allowed {
		t.Fatalf("authorize: %+v", d)
	}

	// Payment confirmation arrives while the lookup is in flight.
	if _, err := engine.ApplyPayment(ctx, PaymentEvent{
		TransactionID: "tx-race",
		UserID:        "u1",
		AmountCents:   1490,
		Timestamp:     time.Now(),
	}); err != nil {
		t.Fatalf("apply payment: %v", err)
	}

	spent, err := engine.Consume(ctx, "u1", "key", LookupOutcome{Success: true, Attempts: 1})
	if err != nil || !spent {
		t.Fatalf("consume: spent=%v err=%v", spent, err)
	}

	u, _ = store.GetUserByID(ctx, "u1")
	if u.FreeCreditsRemaining != 1 {
		t.Fatalf("free credit was charged: %d", u.FreeCreditsRemaining)
	}
	if u.MonthlyQueriesUsed != 1 {
		t.Fatalf("subscriber counter: %d", u.MonthlyQueriesUsed)
	}
}

func TestApplyPaymentIdempotent(t *testing.T) {
	store := newMemStore()
	store.addUser(&User{ID: "u1", FreeCreditsRemaining: 0})
	engine := newTestEngine(store)
	ctx := context.Background()

	event := PaymentEvent{
		TransactionID: "tx-1",
		UserID:        "u1",
		AmountCents:   1490,
		Timestamp:     time.Now(),
	}

	res, err := engine.ApplyPayment(ctx, event)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if res != Applied {
		t.Fatalf("first apply: got %s", res)
	}

	// Spend one query, then redeliver the same confirmation. The window
	// must not reset.
	if _, err := engine.Consume(ctx, "u1", "key", LookupOutcome{Success: true, Attempts: 1}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	res, err = engine.ApplyPayment(ctx, event)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if res != AlreadyApplied {
		t.Fatalf("second apply: got %s", res)
	}

	u, _ := store.GetUserByID(ctx, "u1")
	if !u.IsSubscriber {
		t.Fatal("subscriber flag lost")
	}
	if u.MonthlyQueriesUsed != 1 {
		t.Fatalf("redelivery reset the counter: used=%d", u.MonthlyQueriesUsed)
	}
	if u.MonthlyQueryLimit != 100 {
		t.Fatalf("monthly limit: %d", u.MonthlyQueryLimit)
	}
}

func TestApplyPaymentRejectsEmptyTransactionID(t *testing.T) {
	engine := newTestEngine(newMemStore())
	if _, err := engine.ApplyPayment(context.Background(), PaymentEvent{UserID: "u1"}); err == nil {
		t.Fatal("expected error for empty transaction id")
	}
}
