package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bot-danfe/internal/metrics"
)

// Denial reason codes surfaced to callers.
const (
	DenyFreeTierExhausted     = "free_tier_exhausted"
	DenySubscriptionExhausted = "subscription_exhausted"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow is the positive decision.
var Allow = Decision{Allowed: true}

// Deny builds a negative decision with the given reason code.
func Deny(reason string) Decision {
	return Decision{Reason: reason}
}

// LookupOutcome describes the definitive result of an external document
// lookup, after retries.
type LookupOutcome struct {
	Success   bool
	Attempts  int
	LastError string
}

// Store is the persistence contract the engine needs. Mutations must be
// conditional atomic updates scoped to a single user row: the boolean
// return reports whether the update won, never an error.
type Store interface {
	GetUserByID(ctx context.Context, id string) (*User, error)

	// ConsumeFreeCredit decrements free_credits_remaining if it is
	// still positive. Returns false when no credit was left to spend.
	ConsumeFreeCredit(ctx context.Context, userID string) (bool, error)

	// ConsumeSubscriberQuery increments monthly_queries_used if it is
	// still below the limit. Returns false at the limit.
	ConsumeSubscriberQuery(ctx context.Context, userID string) (bool, error)

	InsertQueryAttempt(ctx context.Context, attempt QueryAttempt) error

	// ApplyPayment confirms a payment and grants the subscription in a
	// single transaction, keyed by the provider transaction id.
	// Returns false when that transaction id was already confirmed.
	ApplyPayment(ctx context.Context, userID, transactionID string, amountCents int64, ts time.Time, expiry time.Time, monthlyLimit int) (bool, error)
}

// Config carries the entitlement policy constants.
type Config struct {
	FreeCredits        int
	MonthlyQueryLimit  int
	SubscriptionWindow time.Duration
}

// Engine evaluates and consumes lookup entitlements.
type Engine struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config
}

// New builds an entitlement engine.
func New(store Store, logger *slog.Logger, metricRegistry *metrics.Metrics, cfg Config) *Engine {
	if cfg.MonthlyQueryLimit <= 0 {
		cfg.MonthlyQueryLimit = 100
	}
	if cfg.FreeCredits <= 0 {
		cfg.FreeCredits = 5
	}
	if cfg.SubscriptionWindow <= 0 {
		cfg.SubscriptionWindow = 30 * 24 * time.Hour
	}
	return &Engine{
		store:   store,
		logger:  logger.With("component", "entitlement"),
		metrics: metricRegistry,
		cfg:     cfg,
	}
}

// Authorize decides whether the user may start a lookup. The check is
// advisory: the authoritative spend happens in Consume, so two concurrent
// requests may both pass here and still only one can spend the last credit.
func (e *Engine) Authorize(user *User, now time.Time) Decision {
	if user.SubscriberActive(now) {
		if user.MonthlyQueriesUsed < user.MonthlyQueryLimit {
			return Allow
		}
		e.countDenial(DenySubscriptionExhausted)
		return Deny(DenySubscriptionExhausted)
	}

	if user.FreeCreditsRemaining > 0 {
		return Allow
	}
	e.countDenial(DenyFreeTierExhausted)
	return Deny(DenyFreeTierExhausted)
}

// Consume records a finished lookup attempt and, on success, spends one
// unit of the active tier. Failed lookups are logged but never charged.
// The tier is re-read here rather than trusted from Authorize: a payment
// landing mid-lookup moves the spend to the subscription counter.
// The returned bool reports whether a unit was actually spent.
func (e *Engine) Consume(ctx context.Context, userID, accessKey string, outcome LookupOutcome) (bool, error) {
	attempt := QueryAttempt{
		UserID:    userID,
		AccessKey: accessKey,
		Success:   outcome.Success,
		Attempts:  max(outcome.Attempts, 1),
	}
	if outcome.LastError != "" {
		msg := outcome.LastError
		attempt.LastError = &msg
	}
	if err := e.store.InsertQueryAttempt(ctx, attempt); err != nil {
		e.logger.Error("failed recording query attempt", "error", err, "user_id", userID)
		if e.metrics != nil {
			e.metrics.Errors.WithLabelValues("entitlement").Inc()
		}
		// The audit row is best-effort; the quota decision must not
		// depend on it.
	}

	if !outcome.Success {
		return false, nil
	}

	user, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("reload user %s: %w", userID, err)
	}

	if user.SubscriberActive(time.Now()) {
		spent, err := e.store.ConsumeSubscriberQuery(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("consume subscriber query: %w", err)
		}
		if !spent {
			e.logger.Warn("subscriber query not spent, limit reached concurrently", "user_id", userID)
		}
		return spent, nil
	}

	spent, err := e.store.ConsumeFreeCredit(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("consume free credit: %w", err)
	}
	if !spent {
		e.logger.Warn("free credit not spent, balance drained concurrently", "user_id", userID)
	}
	return spent, nil
}

func (e *Engine) countDenial(reason string) {
	if e.metrics != nil {
		e.metrics.QuotaDenials.WithLabelValues(reason).Inc()
	}
}
