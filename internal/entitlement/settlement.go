package entitlement

import (
	"context"
	"fmt"
	"time"
)

// SettlementResult tells whether a payment confirmation changed state.
type SettlementResult int

const (
	// Applied means the confirmation was seen for the first time and
	// the subscription window was (re)opened.
	Applied SettlementResult = iota
	// AlreadyApplied means the same transaction id was confirmed
	// before; the redelivery is a no-op, not an error.
	AlreadyApplied
)

func (r SettlementResult) String() string {
	if r == Applied {
		return "applied"
	}
	return "already_applied"
}

// PaymentEvent is a normalized payment-provider confirmation. Webhooks
// are delivered at least once, so the same event may arrive repeatedly.
type PaymentEvent struct {
	TransactionID string
	UserID        string
	AmountCents   int64
	Timestamp     time.Time
}

// ApplyPayment settles a confirmed payment against the user's
// entitlement state. Idempotent on TransactionID. Every application opens
// a fresh query window starting at the payment timestamp; the window is
// tied to the payment, not to calendar months.
func (e *Engine) ApplyPayment(ctx context.Context, event PaymentEvent) (SettlementResult, error) {
	if event.TransactionID == "" {
		return AlreadyApplied, fmt.Errorf("payment event missing transaction id")
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	expiry := ts.Add(e.cfg.SubscriptionWindow)

	applied, err := e.store.ApplyPayment(ctx, event.UserID, event.TransactionID, event.AmountCents, ts, expiry, e.cfg.MonthlyQueryLimit)
	if err != nil {
		if e.metrics != nil {
			e.metrics.PaymentEvents.WithLabelValues("error").Inc()
		}
		return AlreadyApplied, fmt.Errorf("apply payment %s: %w", event.TransactionID, err)
	}

	if !applied {
		e.logger.Info("duplicate payment confirmation ignored", "transaction_id", event.TransactionID)
		if e.metrics != nil {
			e.metrics.PaymentEvents.WithLabelValues("duplicate").Inc()
		}
		return AlreadyApplied, nil
	}

	e.logger.Info("payment settled",
		"transaction_id", event.TransactionID,
		"user_id", event.UserID,
		"amount_cents", event.AmountCents,
		"expiry", expiry,
	)
	if e.metrics != nil {
		e.metrics.PaymentEvents.WithLabelValues("applied").Inc()
	}
	return Applied, nil
}
