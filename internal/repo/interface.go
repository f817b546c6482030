package repo

import (
	"context"
	"io/fs"

	"bot-danfe/internal/entitlement"
)

// Store defines the persistence contract shared by the Postgres and
// SQLite backends. It embeds the narrow store the entitlement engine
// depends on and adds the lifecycle and support operations the rest of
// the bot needs.
type Store interface {
	entitlement.Store

	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Users
	GetOrCreateUserByPhone(ctx context.Context, phone string, displayName *string) (*entitlement.User, bool, error)
	GetUserByPhone(ctx context.Context, phone string) (*entitlement.User, error)

	// Payments
	InsertPendingPayment(ctx context.Context, userID, transactionID string, amountCents int64) error

	// Attempts
	CountSuccessfulAttempts(ctx context.Context, userID string) (int, error)
	ListRecentAttempts(ctx context.Context, userID string, limit int) ([]entitlement.QueryAttempt, error)
}
