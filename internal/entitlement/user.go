// Package entitlement decides whether a user may run a document lookup
// and records the consequences of lookups and payments.
package entitlement

import "time"

// User is the per-user entitlement aggregate. One row per channel
// address; mutated only through the engine and the settlement handler.
type User struct {
	ID                   string
	PhoneNumber          string
	DisplayName          *string
	FreeCreditsRemaining int
	IsSubscriber         bool
	MonthlyQueriesUsed   int
	MonthlyQueryLimit    int
	SubscriptionExpiry   *time.Time
	LastPaymentDate      *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// SubscriberActive reports whether the paid tier drives access at the
// given instant. The flag alone is not enough: a lapsed expiry drops the
// user back to whatever free credits remain.
func (u *User) SubscriberActive(now time.Time) bool {
	if !u.IsSubscriber || u.SubscriptionExpiry == nil {
		return false
	}
	return now.Before(*u.SubscriptionExpiry)
}

// RemainingQueries returns how many lookups the active tier still allows.
func (u *User) RemainingQueries(now time.Time) int {
	if u.SubscriberActive(now) {
		remaining := u.MonthlyQueryLimit - u.MonthlyQueriesUsed
		if remaining < 0 {
			return 0
		}
		return remaining
	}
	return u.FreeCreditsRemaining
}

// QueryAttempt is the audit record of one lookup attempt. Failed attempts
// are recorded but never charged.
type QueryAttempt struct {
	ID        string
	UserID    string
	AccessKey string
	Success   bool
	Attempts  int
	LastError *string
	CreatedAt time.Time
}

// Payment is a subscription charge. TransactionID is the provider's id
// and the settlement idempotency key.
type Payment struct {
	ID            string
	UserID        string
	TransactionID string
	AmountCents   int64
	Status        string
	ConfirmedAt   *time.Time
	CreatedAt     time.Time
}

// Payment status values.
const (
	PaymentPending   = "pending"
	PaymentConfirmed = "confirmed"
	PaymentFailed    = "failed"
)
