package repo

import (
	"context"
	"fmt"

	"bot-danfe/internal/entitlement"
)

// InsertQueryAttempt stores the audit record of one lookup attempt.
func (r *PostgresRepository) InsertQueryAttempt(ctx context.Context, attempt entitlement.QueryAttempt) error {
	const q = `
INSERT INTO query_attempts (user_id, access_key, success, attempts, last_error)
VALUES ($1, $2, $3, $4, $5);
`
	_, err := r.pool.Exec(ctx, q,
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

// CountSuccessfulAttempts returns how many lookups ever succeeded for the
// user, for the status report.
func (r *PostgresRepository) CountSuccessfulAttempts(ctx context.Context, userID string) (int, error) {
	const q = `SELECT COUNT(*) FROM query_attempts WHERE user_id = $1 AND success;`
	var count int
	if err := r.pool.QueryRow(ctx, q, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count successful attempts: %w", err)
	}
	return count, nil
}

// ListRecentAttempts returns the latest attempts for a user, newest first.
func (r *PostgresRepository) ListRecentAttempts(ctx context.Context, userID string, limit int) ([]entitlement.QueryAttempt, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
SELECT id, user_id, access_key, success, attempts, last_error, created_at
FROM query_attempts
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, userID, limit)
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
