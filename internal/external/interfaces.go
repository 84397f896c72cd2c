package external

import (
	"context"
	"net/http"
	"time"

	"aitextspeak/internal/types"
)

// ProviderSubscription is the normalized view of a subscription as the
// provider reports it right now. The reconciliation core compares this against
// the local row; all provider-specific field shapes stop here.
type ProviderSubscription struct {
	ID string
	// Status is the provider-native status string (Stripe "active",
	// PayPal "ACTIVE"). Use Active for the normalized judgment.
	Status string
	Active bool
	// CancelAtPeriodEnd is true when a cancellation is scheduled but not yet
	// effective (Stripe cancel_at_period_end).
	CancelAtPeriodEnd  bool
	CancelAt           *time.Time
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	// NextBillingTime is PayPal's billing_info.next_billing_time; it bounds
	// the grace period when a PayPal subscription leaves ACTIVE.
	NextBillingTime  *time.Time
	CustomerEmail    string
	PlanID           string
	PlanName         string
	PriceAmountCents int64
	Currency         string
	Interval         types.BillingInterval
}

// PaymentProvider is the capability interface every gateway implements.
// The sync, auto-heal, and discovery phases run one shared algorithm over it;
// nothing above this package branches on a concrete provider type.
type PaymentProvider interface {
	// Name identifies which provider column this instance writes.
	Name() types.Provider

	// GetSubscription fetches current provider-side state. A subscription
	// deleted upstream returns an AppError with ErrCodeNotFoundSubscription;
	// callers treat that as an implicit cancellation signal, not a failure.
	GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)

	// ListActiveSubscriptions pages through every active subscription on the
	// provider account. An empty next cursor ends iteration.
	ListActiveSubscriptions(ctx context.Context, cursor string) ([]*ProviderSubscription, string, error)

	// CancelSubscription cancels the subscription at the provider.
	CancelSubscription(ctx context.Context, subscriptionID string, reason string) error

	// VerifyWebhook authenticates a raw webhook delivery. Processing an
	// unverified payload is never acceptable.
	VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) error

	// IsSubscriptionID reports whether the identifier names a pollable
	// subscription, as opposed to a one-time payment artifact (checkout
	// session, payment intent, capture id) that has no lifecycle to sync.
	IsSubscriptionID(id string) bool
}

// EmailProvider sends a rendered email. Failures are always best-effort for
// callers on the ingest path.
type EmailProvider interface {
	Send(ctx context.Context, to string, subject string, htmlBody string) error
}
