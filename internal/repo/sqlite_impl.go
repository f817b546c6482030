package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bot-danfe/internal/entitlement"

	"github.com/google/uuid"
)

// -- Users --

func (r *SQLiteRepository) GetOrCreateUserByPhone(ctx context.Context, phone string, displayName *string) (*entitlement.User, bool, error) {
	// SQLite has no server-side uuid generation, so ids are minted here.
	q := `
INSERT INTO users (id, phone_number, display_name, free_credits_remaining, monthly_query_limit)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (phone_number) DO NOTHING
RETURNING ` + userColumns + `;`

	row := r.db.QueryRowContext(ctx, q, uuid.NewString(), phone, displayName, r.defaults.FreeCredits, r.defaults.MonthlyQueryLimit)
	user, err := scanUserSQL(row)
	if err == nil {
		return user, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("create user: %w", err)
	}

	user, err = r.GetUserByPhone(ctx, phone)
	if err != nil {
		return nil, false, err
	}
	return user, false, nil
}

func (r *SQLiteRepository) GetUserByID(ctx context.Context, id string) (*entitlement.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id = ? LIMIT 1;`
	user, err := scanUserSQL(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return user, nil
}

func (r *SQLiteRepository) GetUserByPhone(ctx context.Context, phone string) (*entitlement.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE phone_number = ? LIMIT 1;`
	user, err := scanUserSQL(r.db.QueryRowContext(ctx, q, phone))
	if err != nil {
		return nil, fmt.Errorf("get user by phone: %w", err)
	}
	return user, nil
}

func scanUserSQL(row *sql.Row) (*entitlement.User, error) {
	var u entitlement.User
	if err := row.Scan(
		&u.ID,
		&u.PhoneNumber,
		&u.DisplayName,
		&u.FreeCreditsRemaining,
		&u.IsSubscriber,
		&u.MonthlyQueriesUsed,
		&u.MonthlyQueryLimit,
		&u.SubscriptionExpiry,
		&u.LastPaymentDate,
		&u.CreatedAt,
		&u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &u, nil
}

// -- Entitlements --

func (r *SQLiteRepository) ConsumeFreeCredit(ctx context.Context, userID string) (bool, error) {
	const q = `
UPDATE users
SET free_credits_remaining = free_credits_remaining - 1,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?
  AND free_credits_remaining > 0;
`
	res, err := r.db.ExecContext(ctx, q, userID)
	if err != nil {
		return false, fmt.Errorf("consume free credit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume free credit rows: %w", err)
	}
	return affected > 0, nil
}

func (r *SQLiteRepository) ConsumeSubscriberQuery(ctx context.Context, userID string) (bool, error) {
	const q = `
UPDATE users
SET monthly_queries_used = monthly_queries_used + 1,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?
  AND monthly_queries_used < monthly_query_limit;
`
	res, err := r.db.ExecContext(ctx, q, userID)
	if err != nil {
		return false, fmt.Errorf("consume subscriber query: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume subscriber query rows: %w", err)
	}
	return affected > 0, nil
}

func (r *SQLiteRepository) InsertPendingPayment(ctx context.Context, userID, transactionID string, amountCents int64) error {
	const q = `
INSERT INTO payments (id, user_id, provider_txn_id, amount_cents, status)
VALUES (?, ?, ?, ?, 'pending')
ON CONFLICT (provider_txn_id) DO NOTHING;
`
	if _, err := r.db.ExecContext(ctx, q, uuid.NewString(), userID, transactionID, amountCents); err != nil {
		return fmt.Errorf("insert pending payment: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ApplyPayment(ctx context.Context, userID, transactionID string, amountCents int64, ts time.Time, expiry time.Time, monthlyLimit int) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const confirm = `
INSERT INTO payments (id, user_id, provider_txn_id, amount_cents, status, confirmed_at)
VALUES (?, ?, ?, ?, 'confirmed', ?)
ON CONFLICT (provider_txn_id) DO UPDATE
SET status = 'confirmed',
    amount_cents = excluded.amount_cents,
    confirmed_at = excluded.confirmed_at,
    updated_at = CURRENT_TIMESTAMP
WHERE payments.status <> 'confirmed';
`
	res, err := tx.ExecContext(ctx, confirm, uuid.NewString(), userID, transactionID, amountCents, ts)
	if err != nil {
		return false, fmt.Errorf("confirm payment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("confirm payment rows: %w", err)
	}
	if affected == 0 {
		return false, tx.Commit()
	}

	const grant = `
UPDATE users
SET is_subscriber = 1,
    monthly_queries_used = 0,
    monthly_query_limit = ?,
    last_payment_date = ?,
    subscription_expiry = ?,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?;
`
	gres, err := tx.ExecContext(ctx, grant, monthlyLimit, ts, expiry, userID)
	if err != nil {
		return false, fmt.Errorf("grant subscription: %w", err)
	}
	gaffected, err := gres.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("grant subscription rows: %w", err)
	}
	if gaffected == 0 {
		return false, fmt.Errorf("user not found: %s", userID)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit payment: %w", err)
	}
	return true, nil
}

// -- Attempts --

func (r *SQLiteRepository) InsertQueryAttempt(ctx context.Context, attempt entitlement.QueryAttempt) error {
	const q = `
INSERT INTO query_attempts (id, user_id, access_key, success, attempts, last_error)
VALUES (?, ?, ?, ?, ?, ?);
`
	_, err := r.db.ExecContext(ctx, q,
		uuid.NewString(),
		attempt.UserID,
		attempt.AccessKey,
		attempt.Success,
		attempt.Attempts,
		attempt.LastError,
	)
	if err != nil {
		return fmt.Errorf("insert query attempt: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) CountSuccessfulAttempts(ctx context.Context, userID string) (int, error) {
	const q = `SELECT COUNT(*) FROM query_attempts WHERE user_id = ? AND success = 1;`
	var count int
	if err := r.db.QueryRowContext(ctx, q, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count successful attempts: %w", err)
	}
	return count, nil
}

func (r *SQLiteRepository) ListRecentAttempts(ctx context.Context, userID string, limit int) ([]entitlement.QueryAttempt, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
SELECT id, user_id, access_key, success, attempts, last_error, created_at
FROM query_attempts
WHERE user_id = ?
ORDER BY created_at DESC
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent attempts: %w", err)
	}
	defer rows.Close()

	var attempts []entitlement.QueryAttempt
	for rows.Next() {
		var a entitlement.QueryAttempt
		if err := rows.Scan(&a.ID, &a.UserID, &a.AccessKey, &a.Success, &a.Attempts, &a.LastError, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return attempts, nil
}
