package billing

import (
	"time"

	"aitextspeak/internal/types"
)

// GraceEnd computes the instant at which a canceled subscription's paid access
// runs out. Cancellation is not revocation: the user keeps access through the
// period they paid for.
//
// Preference order: the provider-scheduled cancel_at, then the current period
// end, then now (no period information means no remaining paid time).
func GraceEnd(cancelAt, periodEnd *time.Time, now time.Time) time.Time {
	if cancelAt != nil {
		return *cancelAt
	}
	if periodEnd != nil {
		return *periodEnd
	}
	return now
}

// GraceExpired reports whether access should be revoked at the given instant.
func GraceExpired(cancelAt, periodEnd *time.Time, now time.Time) bool {
	return now.After(GraceEnd(cancelAt, periodEnd, now))
}

// ShouldRevoke applies the full revocation predicate for a canceled
// subscription row: grace expired and the user is not an admin. The admin
// check is also enforced in the role store; checking here keeps revocation
// decisions observable before they hit the database.
func ShouldRevoke(sub *types.Subscription, role types.UserRole, now time.Time) bool {
	if role == types.RoleAdmin {
		return false
	}
	if !sub.IsRecurring() {
		// Lifetime purchases never expire.
		return false
	}
	return GraceExpired(sub.CancelAt, sub.CurrentPeriodEnd, now)
}
