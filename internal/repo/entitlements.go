package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ConsumeFreeCredit spends one free lookup if any remains. The WHERE
// clause carries the balance check so concurrent spends cannot drive the
// counter below zero.
func (r *PostgresRepository) ConsumeFreeCredit(ctx context.Context, userID string) (bool, error) {
	const q = `
UPDATE users
SET free_credits_remaining = free_credits_remaining - 1,
    updated_at = NOW()
WHERE id = $1
  AND free_credits_remaining > 0;
`
	ct, err := r.pool.Exec(ctx, q, userID)
	if err != nil {
		return false, fmt.Errorf("consume free credit: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// ConsumeSubscriberQuery spends one subscription lookup if the monthly
// counter is still below the limit.
func (r *PostgresRepository) ConsumeSubscriberQuery(ctx context.Context, userID string) (bool, error) {
	const q = `
UPDATE users
SET monthly_queries_used = monthly_queries_used + 1,
    updated_at = NOW()
WHERE id = $1
  AND monthly_queries_used < monthly_query_limit;
`
	ct, err := r.pool.Exec(ctx, q, userID)
	if err != nil {
		return false, fmt.Errorf("consume subscriber query: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// InsertPendingPayment records a freshly initiated charge. A duplicate
// transaction id leaves the existing row untouched.
func (r *PostgresRepository) InsertPendingPayment(ctx context.Context, userID, transactionID string, amountCents int64) error {
	const q = `
INSERT INTO payments (user_id, provider_txn_id, amount_cents, status)
VALUES ($1, $2, $3, 'pending')
ON CONFLICT (provider_txn_id) DO NOTHING;
`
	if _, err := r.pool.Exec(ctx, q, userID, transactionID, amountCents); err != nil {
		return fmt.Errorf("insert pending payment: %w", err)
	}
	return nil
}

// ApplyPayment confirms a payment and opens a new subscription window in
// one transaction. The provider transaction id is the idempotency key:
// the upsert only fires when the payment is not already confirmed, and
// the user row is touched only when the upsert won.
func (r *PostgresRepository) ApplyPayment(ctx context.Context, userID, transactionID string, amountCents int64, ts time.Time, expiry time.Time, monthlyLimit int) (bool, error) {
	applied := false
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		const confirm = `
INSERT INTO payments (user_id, provider_txn_id, amount_cents, status, confirmed_at)
VALUES ($1, $2, $3, 'confirmed', $4)
ON CONFLICT (provider_txn_id) DO UPDATE
SET status = 'confirmed',
    amount_cents = EXCLUDED.amount_cents,
    confirmed_at = EXCLUDED.confirmed_at,
    updated_at = NOW()
WHERE payments.status <> 'confirmed';
`
		ct, err := tx.Exec(ctx, confirm, userID, transactionID, amountCents, ts)
		if err != nil {
			return fmt.Errorf("confirm payment: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return nil
		}

		const grant = `
UPDATE users
SET is_subscriber = TRUE,
    monthly_queries_used = 0,
    monthly_query_limit = $2,
    last_payment_date = $3,
    subscription_expiry = $4,
    updated_at = NOW()
WHERE id = $1;
`
		gct, err := tx.Exec(ctx, grant, userID, monthlyLimit, ts, expiry)
		if err != nil {
			return fmt.Errorf("grant subscription: %w", err)
		}
		if gct.RowsAffected() == 0 {
			return fmt.Errorf("user not found: %s", userID)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}
