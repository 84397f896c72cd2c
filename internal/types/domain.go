// Package types defines the shared domain model for the AITextSpeak billing
// service: subscription rows, the payment ledger, user entitlement, and the
// enums used by the reconciliation core. All other packages depend on this
// package and it depends on nothing internal.
package types

import "time"

// Provider identifies the payment gateway a subscription belongs to.
type Provider string

const (
	ProviderStripe       Provider = "stripe"
	ProviderPayPal       Provider = "paypal"
	ProviderPayPalLegacy Provider = "paypal_legacy"
)

// SubscriptionStatus is the local lifecycle state of a subscription row.
//
// Transitions: incomplete -> active -> {past_due, canceled};
// past_due -> {active, canceled}; active -> paused -> active;
// any -> canceled. Canceled rows are retained, never deleted.
type SubscriptionStatus string

const (
	SubStatusIncomplete SubscriptionStatus = "incomplete"
	SubStatusActive     SubscriptionStatus = "active"
	SubStatusPastDue    SubscriptionStatus = "past_due"
	SubStatusPaused     SubscriptionStatus = "paused"
	SubStatusCanceled   SubscriptionStatus = "canceled"
)

// BillingInterval is the renewal cadence of a recurring plan.
// Empty for one-time (lifetime) purchases.
type BillingInterval string

const (
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
	IntervalNone  BillingInterval = ""
)

// UserRole is the entitlement flag checked by the rest of the application.
// Admin users are never downgraded by the billing core.
type UserRole string

const (
	RoleUser  UserRole = "user"
	RolePro   UserRole = "pro"
	RoleAdmin UserRole = "admin"
)

// CancellationReason classifies why a subscription ended, for churn analytics.
type CancellationReason string

const (
	CancelReasonUser          CancellationReason = "user_cancelled"
	CancelReasonPaymentFailed CancellationReason = "payment_failed"
	CancelReasonExpired       CancellationReason = "expired"
	CancelReasonProviderGone  CancellationReason = "deleted_at_provider"
)

// PlanLifetime is the plan ID assigned to one-time purchases. Lifetime
// subscriptions carry no current_period_end and no grace period concept.
const PlanLifetime = "lifetime"

// Subscription is one row per (user, provider) subscription lifecycle attempt.
// The uniqueness key is (Provider, ProviderSubscriptionID) -- the idempotency
// anchor for every upsert; a redelivered webhook updates, never duplicates.
type Subscription struct {
	ID                     string
	UserID                 string
	Provider               Provider
	ProviderSubscriptionID string
	Status                 SubscriptionStatus
	PlanID                 string
	PlanName               string
	PriceAmountCents       int64
	Currency               string
	BillingInterval        BillingInterval
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAt               *time.Time
	CanceledAt             *time.Time
	CancellationReason     *CancellationReason
	CancellationFeedback   *string
	CancellationComment    *string
	IsLegacy               bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// IsRecurring reports whether the subscription renews (i.e., is not a
// lifetime one-time purchase).
func (s *Subscription) IsRecurring() bool {
	return s.PlanID != PlanLifetime
}

// TransactionType classifies a payment ledger entry.
type TransactionType string

const (
	TxnSubscription  TransactionType = "subscription"
	TxnRenewal       TransactionType = "renewal"
	TxnOneTime       TransactionType = "one_time"
	TxnPaymentFailed TransactionType = "payment_failed"
)

// PaymentRecord is one append-only entry in the payment history ledger.
// GatewayIdentifier (invoice id, capture id, sale id) is the primary dedup
// key; GatewayEventID (webhook delivery id) is secondary.
type PaymentRecord struct {
	ID                string
	UserID            string
	TransactionType   TransactionType
	Gateway           Provider
	GatewayIdentifier string
	GatewayEventID    string
	AmountCents       int64
	Currency          string
	ItemName          string
	CreatedAt         time.Time
}

// Profile is the slice of the user directory this core reads and mutates.
// Only Role is written by the billing core.
type Profile struct {
	UserID string
	Email  string
	Role   UserRole
}

// SweepAnomaly records a provider-side subscription the discovery phase could
// not attribute to any local user. Persisted for admin review.
type SweepAnomaly struct {
	ID                     string
	Provider               Provider
	ProviderSubscriptionID string
	CustomerEmail          string
	Detail                 string
	CreatedAt              time.Time
}
