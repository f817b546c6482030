package repo

import (
	"context"
	"errors"
	"fmt"

	"bot-danfe/internal/entitlement"

	"github.com/jackc/pgx/v5"
)

const userColumns = `id, phone_number, display_name, free_credits_remaining, is_subscriber,
       monthly_queries_used, monthly_query_limit, subscription_expiry, last_payment_date,
       created_at, updated_at`

// GetOrCreateUserByPhone returns the user for a channel address, creating
// the row with the configured free credits when the address is unseen.
// The second return reports whether the row was created by this call.
func (r *PostgresRepository) GetOrCreateUserByPhone(ctx context.Context, phone string, displayName *string) (*entitlement.User, bool, error) {
	q := `
INSERT INTO users (phone_number, display_name, free_credits_remaining, monthly_query_limit)
VALUES ($1, $2, $3, $4)
ON CONFLICT (phone_number) DO NOTHING
RETURNING ` + userColumns + `;`

	row := r.pool.QueryRow(ctx, q, phone, displayName, r.defaults.FreeCredits, r.defaults.MonthlyQueryLimit)
	user, err := scanUser(row)
	if err == nil {
		return user, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("create user: %w", err)
	}

	user, err = r.GetUserByPhone(ctx, phone)
	if err != nil {
		return nil, false, err
	}
	return user, false, nil
}

// GetUserByID returns the user by internal identifier.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id string) (*entitlement.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id = $1 LIMIT 1;`
	user, err := scanUser(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return user, nil
}

// GetUserByPhone returns the user by channel address.
func (r *PostgresRepository) GetUserByPhone(ctx context.Context, phone string) (*entitlement.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE phone_number = $1 LIMIT 1;`
	user, err := scanUser(r.pool.QueryRow(ctx, q, phone))
	if err != nil {
		return nil, fmt.Errorf("get user by phone: %w", err)
	}
	return user, nil
}

func scanUser(row pgx.Row) (*entitlement.User, error) {
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
