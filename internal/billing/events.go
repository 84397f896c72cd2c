// Package billing is the reconciliation core: it turns provider webhook
// payloads and sweep observations into subscription rows, ledger entries, and
// role changes. Provider-specific payload shapes are parsed at the boundary
// into one tagged-union Event type; everything past the parser is
// provider-agnostic.
package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"aitextspeak/internal/types"
)

// EventKind tags the union of billing events the core consumes.
type EventKind string

const (
	// EventActivation is a new (or redelivered) subscription activation.
	EventActivation EventKind = "activation"
	// EventRenewal is a successful recurring charge.
	EventRenewal EventKind = "renewal"
	// EventCancellation covers cancellation, expiration, and suspension.
	// The grace rule decides when access is actually revoked.
	EventCancellation EventKind = "cancellation"
	// EventPaymentFailed is a failed recurring charge. Never revokes access.
	EventPaymentFailed EventKind = "payment_failed"
	// EventReactivation reverses a recorded cancellation or pause.
	EventReactivation EventKind = "reactivation"
	// EventOneTime is a one-time (lifetime) purchase.
	EventOneTime EventKind = "one_time"
)

// Event is the normalized billing event. Parsers fail closed: a malformed
// payload is an error, an event type the core does not consume parses to nil.
type Event struct {
	Kind       EventKind
	Provider   types.Provider
	EventID    string
	OccurredAt time.Time

	// UserID is the correlation id stamped at checkout (client_reference_id,
	// metadata, custom_id). May be empty; the service then resolves the user
	// from the existing subscription row or the customer email.
	UserID         string
	SubscriptionID string
	CustomerEmail  string

	// Status is the local status this event implies. Activation events from
	// a not-yet-active provider state carry incomplete; pause events carry
	// paused.
	Status types.SubscriptionStatus

	PlanID      string
	PlanName    string
	AmountCents int64
	Currency    string
	Interval    types.BillingInterval

	PeriodStart *time.Time
	PeriodEnd   *time.Time
	CancelAt    *time.Time
	Reason      types.CancellationReason

	// PaymentID is the gateway identifier for the ledger (invoice id, sale
	// id, capture id; the subscription id itself for activations).
	PaymentID string
}

func invalidEvent(msg string, err error) error {
	return types.NewAppError(types.ErrCodeValidationInvalidEvent, msg, err)
}

// ---------------------------------------------------------------------------
// Stripe
// ---------------------------------------------------------------------------

// Stripe event types consumed by the core.
const (
	stripeCheckoutCompleted = "checkout.session.completed"
	stripeSubUpdated        = "customer.subscription.updated"
	stripeSubDeleted        = "customer.subscription.deleted"
	stripeSubPaused         = "customer.subscription.paused"
	stripeSubResumed        = "customer.subscription.resumed"
	stripeInvoicePaid       = "invoice.paid"
	stripeInvoiceFailed     = "invoice.payment_failed"
)

// stripeEnvelope is the minimal Stripe event shape. Parsing local structs
// instead of the full stripe.Event keeps the boundary decoupled from the SDK
// and makes tests plain JSON.
type stripeEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object             json.RawMessage `json:"object"`
		PreviousAttributes json.RawMessage `json:"previous_attributes"`
	} `json:"data"`
}

type stripeSessionObj struct {
	ID                string `json:"id"`
	Mode              string `json:"mode"`
	ClientReferenceID string `json:"client_reference_id"`
	Subscription      string `json:"subscription"`
	AmountTotal       int64  `json:"amount_total"`
	Currency          string `json:"currency"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

type stripeSubObj struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CancelAt           int64  `json:"cancel_at"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID         string `json:"id"`
				Nickname   string `json:"nickname"`
				UnitAmount int64  `json:"unit_amount"`
				Currency   string `json:"currency"`
				Recurring  *struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoiceObj struct {
	ID            string `json:"id"`
	BillingReason string `json:"billing_reason"`
	Subscription  string `json:"subscription"`
	AmountPaid    int64  `json:"amount_paid"`
	AmountDue     int64  `json:"amount_due"`
	Currency      string `json:"currency"`
	CustomerEmail string `json:"customer_email"`
	Lines         struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
}

// ParseStripeEvent translates a verified Stripe webhook payload into an
// Event. Returns (nil, nil) for event types the core does not consume.
func ParseStripeEvent(payload []byte) (*Event, error) {
	var env stripeEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed stripe event payload", err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, invalidEvent("stripe event missing id or type", nil)
	}

	ev := &Event{
		Provider:   types.ProviderStripe,
		EventID:    env.ID,
		OccurredAt: time.Unix(env.Created, 0).UTC(),
	}

	switch env.Type {
	case stripeCheckoutCompleted:
		var s stripeSessionObj
		if err := json.Unmarshal(env.Data.Object, &s); err != nil {
			return nil, invalidEvent("malformed checkout session object", err)
		}
		ev.UserID = s.ClientReferenceID
		if ev.UserID == "" {
			ev.UserID = s.Metadata["user_id"]
		}
		ev.CustomerEmail = s.CustomerDetails.Email
		ev.PlanID = s.Metadata["plan_id"]
		ev.AmountCents = s.AmountTotal
		ev.Currency = s.Currency
		switch s.Mode {
		case "subscription":
			if s.Subscription == "" {
				return nil, invalidEvent("subscription checkout completed without a subscription id", nil)
			}
			ev.Kind = EventActivation
			ev.Status = types.SubStatusActive
			ev.SubscriptionID = s.Subscription
			// Activation ledger rows carry the subscription id so auto-heal
			// can join ledger against subscriptions.
			ev.PaymentID = s.Subscription
		case "payment":
			ev.Kind = EventOneTime
			ev.Status = types.SubStatusActive
			ev.SubscriptionID = s.ID
			ev.PaymentID = s.ID
			ev.PlanID = types.PlanLifetime
		default:
			return nil, nil
		}
		return ev, nil

	case stripeSubUpdated, stripeSubDeleted:
		var s stripeSubObj
		if err := json.Unmarshal(env.Data.Object, &s); err != nil {
			return nil, invalidEvent("malformed subscription object", err)
		}
		if s.ID == "" {
			return nil, invalidEvent("subscription event missing subscription id", nil)
		}
		ev.SubscriptionID = s.ID
		ev.UserID = s.Metadata["user_id"]
		ev.PeriodEnd = stripeUnixPtr(s.CurrentPeriodEnd)
		if ev.PeriodEnd == nil && len(s.Items.Data) > 0 {
			ev.PeriodEnd = stripeUnixPtr(s.Items.Data[0].CurrentPeriodEnd)
		}

		if env.Type == stripeSubDeleted {
			ev.Kind = EventCancellation
			ev.Status = types.SubStatusCanceled
			ev.Reason = types.CancelReasonUser
			ev.CancelAt = stripeUnixPtr(s.CancelAt)
			return ev, nil
		}

		switch {
		case s.Status == "canceled" || s.Status == "unpaid" || s.Status == "incomplete_expired":
			ev.Kind = EventCancellation
			ev.Status = types.SubStatusCanceled
			ev.Reason = types.CancelReasonUser
			if s.Status != "canceled" {
				ev.Reason = types.CancelReasonPaymentFailed
			}
			ev.CancelAt = stripeUnixPtr(s.CancelAt)
			return ev, nil
		case s.CancelAtPeriodEnd || s.CancelAt > 0:
			// Scheduled cancellation: record metadata now, revoke at period
			// end via the grace rule.
			ev.Kind = EventCancellation
			ev.Status = types.SubStatusActive
			ev.Reason = types.CancelReasonUser
			ev.CancelAt = stripeUnixPtr(s.CancelAt)
			if ev.CancelAt == nil {
				ev.CancelAt = ev.PeriodEnd
			}
			return ev, nil
		default:
			// A scheduled cancellation the customer withdrew shows up as an
			// updated event whose previous attributes carried the cancel
			// fields. Treat it as a reactivation so a locally-canceled row
			// does not drift toward revocation.
			if s.Status == "active" && stripeCancellationWithdrawn(env.Data.PreviousAttributes) {
				ev.Kind = EventReactivation
				ev.Status = types.SubStatusActive
				return ev, nil
			}
			// Plan/quantity updates carry no entitlement consequence here.
			return nil, nil
		}

	case stripeSubPaused:
		var s stripeSubObj
		if err := json.Unmarshal(env.Data.Object, &s); err != nil {
			return nil, invalidEvent("malformed subscription object", err)
		}
		ev.Kind = EventCancellation
		ev.Status = types.SubStatusPaused
		ev.SubscriptionID = s.ID
		ev.UserID = s.Metadata["user_id"]
		ev.PeriodEnd = stripeUnixPtr(s.CurrentPeriodEnd)
		return ev, nil

	case stripeSubResumed:
		var s stripeSubObj
		if err := json.Unmarshal(env.Data.Object, &s); err != nil {
			return nil, invalidEvent("malformed subscription object", err)
		}
		ev.Kind = EventReactivation
		ev.Status = types.SubStatusActive
		ev.SubscriptionID = s.ID
		ev.UserID = s.Metadata["user_id"]
		ev.PeriodEnd = stripeUnixPtr(s.CurrentPeriodEnd)
		return ev, nil

	case stripeInvoicePaid:
		var inv stripeInvoiceObj
		if err := json.Unmarshal(env.Data.Object, &inv); err != nil {
			return nil, invalidEvent("malformed invoice object", err)
		}
		// Only renewal cycles; the initial invoice is covered by checkout
		// completion.
		if inv.BillingReason != "subscription_cycle" {
			return nil, nil
		}
		if inv.Subscription == "" {
			return nil, invalidEvent("renewal invoice without a subscription id", nil)
		}
		ev.Kind = EventRenewal
		ev.Status = types.SubStatusActive
		ev.SubscriptionID = inv.Subscription
		ev.PaymentID = inv.ID
		ev.AmountCents = inv.AmountPaid
		ev.Currency = inv.Currency
		ev.CustomerEmail = inv.CustomerEmail
		if inv.SubscriptionDetails != nil {
			ev.UserID = inv.SubscriptionDetails.Metadata["user_id"]
		}
		if len(inv.Lines.Data) > 0 {
			ev.PeriodEnd = stripeUnixPtr(inv.Lines.Data[0].Period.End)
		}
		return ev, nil

	case stripeInvoiceFailed:
		var inv stripeInvoiceObj
		if err := json.Unmarshal(env.Data.Object, &inv); err != nil {
			return nil, invalidEvent("malformed invoice object", err)
		}
		if inv.Subscription == "" {
			// A failed one-off invoice has no subscription to dun.
			return nil, nil
		}
		ev.Kind = EventPaymentFailed
		ev.Status = types.SubStatusPastDue
		ev.SubscriptionID = inv.Subscription
		ev.PaymentID = inv.ID
		ev.AmountCents = inv.AmountDue
		ev.Currency = inv.Currency
		ev.CustomerEmail = inv.CustomerEmail
		if inv.SubscriptionDetails != nil {
			ev.UserID = inv.SubscriptionDetails.Metadata["user_id"]
		}
		return ev, nil

	default:
		return nil, nil
	}
}

func stripeUnixPtr(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

// stripeCancellationWithdrawn reports whether an updated event's previous
// attributes carried a scheduled cancellation the new state no longer has.
func stripeCancellationWithdrawn(prev json.RawMessage) bool {
	if len(prev) == 0 {
		return false
	}
	var p struct {
		CancelAtPeriodEnd bool  `json:"cancel_at_period_end"`
		CancelAt          int64 `json:"cancel_at"`
		CanceledAt        int64 `json:"canceled_at"`
	}
	if err := json.Unmarshal(prev, &p); err != nil {
		return false
	}
	return p.CancelAtPeriodEnd || p.CancelAt > 0 || p.CanceledAt > 0
}

// ---------------------------------------------------------------------------
// PayPal
// ---------------------------------------------------------------------------

// PayPal event types consumed by the core.
const (
	paypalSubCreated     = "BILLING.SUBSCRIPTION.CREATED"
	paypalSubActivated   = "BILLING.SUBSCRIPTION.ACTIVATED"
	paypalSubCancelled   = "BILLING.SUBSCRIPTION.CANCELLED"
	paypalSubExpired     = "BILLING.SUBSCRIPTION.EXPIRED"
	paypalSubSuspended   = "BILLING.SUBSCRIPTION.SUSPENDED"
	paypalSubRenewed     = "BILLING.SUBSCRIPTION.RENEWED"
	paypalSubReactivated = "BILLING.SUBSCRIPTION.RE-ACTIVATED"
	paypalSubPayFailed   = "BILLING.SUBSCRIPTION.PAYMENT.FAILED"
	paypalSaleCompleted  = "PAYMENT.SALE.COMPLETED"
	paypalSaleDenied     = "PAYMENT.SALE.DENIED"
	paypalSaleRefunded   = "PAYMENT.SALE.REFUNDED"
	paypalSaleReversed   = "PAYMENT.SALE.REVERSED"
	paypalCaptureDone    = "PAYMENT.CAPTURE.COMPLETED"
)

type paypalEnvelope struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime string          `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

// paypalResource is a superset of the resource fields across the consumed
// event types; PayPal reuses one loose shape for subscriptions, sales, and
// captures.
type paypalResource struct {
	ID       string `json:"id"`
	PlanID   string `json:"plan_id"`
	Status   string `json:"status"`
	CustomID string `json:"custom_id"`
	// Custom is the legacy spelling used on sale resources.
	Custom             string `json:"custom"`
	BillingAgreementID string `json:"billing_agreement_id"`
	Subscriber         struct {
		EmailAddress string `json:"email_address"`
	} `json:"subscriber"`
	BillingInfo *struct {
		NextBillingTime string `json:"next_billing_time"`
		LastPayment     *struct {
			Amount paypalMoney `json:"amount"`
		} `json:"last_payment"`
	} `json:"billing_info"`
	// Amount is present on sale resources ({total, currency}).
	Amount *struct {
		Total    string `json:"total"`
		Currency string `json:"currency"`
		// v2 capture spelling.
		Value        string `json:"value"`
		CurrencyCode string `json:"currency_code"`
	} `json:"amount"`
}

type paypalMoney struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

// ParsePayPalEvent translates a verified PayPal webhook payload into an
// Event for the given account (current or legacy). Returns (nil, nil) for
// event types the core does not consume.
func ParsePayPalEvent(provider types.Provider, payload []byte) (*Event, error) {
	var env paypalEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed paypal event payload", err)
	}
	if env.ID == "" || env.EventType == "" {
		return nil, invalidEvent("paypal event missing id or event_type", nil)
	}

	var res paypalResource
	if len(env.Resource) > 0 {
		if err := json.Unmarshal(env.Resource, &res); err != nil {
			return nil, invalidEvent("malformed paypal event resource", err)
		}
	}

	occurred := time.Now().UTC()
	if t, err := time.Parse(time.RFC3339, env.CreateTime); err == nil {
		occurred = t.UTC()
	}

	ev := &Event{
		Provider:      provider,
		EventID:       env.ID,
		OccurredAt:    occurred,
		UserID:        firstNonEmpty(res.CustomID, res.Custom),
		CustomerEmail: res.Subscriber.EmailAddress,
		PlanID:        res.PlanID,
	}
	if res.BillingInfo != nil {
		ev.PeriodEnd = parsePayPalTime(res.BillingInfo.NextBillingTime)
		if lp := res.BillingInfo.LastPayment; lp != nil {
			ev.AmountCents = paypalCents(lp.Amount.Value)
			ev.Currency = lowerCurrency(lp.Amount.CurrencyCode)
		}
	}
	if res.Amount != nil {
		total := firstNonEmpty(res.Amount.Total, res.Amount.Value)
		if total != "" {
			ev.AmountCents = paypalCents(total)
		}
		if cur := firstNonEmpty(res.Amount.Currency, res.Amount.CurrencyCode); cur != "" {
			ev.Currency = lowerCurrency(cur)
		}
	}

	switch env.EventType {
	case paypalSubCreated:
		if res.ID == "" {
			return nil, invalidEvent("paypal subscription event missing resource id", nil)
		}
		// Approval not yet completed: record the row, grant nothing.
		ev.Kind = EventActivation
		ev.Status = types.SubStatusIncomplete
		ev.SubscriptionID = res.ID
		return ev, nil

	case paypalSubActivated:
		if res.ID == "" {
			return nil, invalidEvent("paypal subscription event missing resource id", nil)
		}
		ev.Kind = EventActivation
		ev.Status = types.SubStatusActive
		ev.SubscriptionID = res.ID
		ev.PaymentID = res.ID
		return ev, nil

	case paypalSubCancelled, paypalSubExpired, paypalSubSuspended:
		if res.ID == "" {
			return nil, invalidEvent("paypal subscription event missing resource id", nil)
		}
		ev.Kind = EventCancellation
		ev.Status = types.SubStatusCanceled
		ev.SubscriptionID = res.ID
		switch env.EventType {
		case paypalSubCancelled:
			ev.Reason = types.CancelReasonUser
		case paypalSubExpired:
			ev.Reason = types.CancelReasonExpired
		case paypalSubSuspended:
			ev.Reason = types.CancelReasonPaymentFailed
		}
		// PayPal has no cancel_at; the next billing time bounds the grace
		// period when present.
		ev.CancelAt = ev.PeriodEnd
		return ev, nil

	case paypalSubRenewed:
		if res.ID == "" {
			return nil, invalidEvent("paypal subscription event missing resource id", nil)
		}
		ev.Kind = EventRenewal
		ev.Status = types.SubStatusActive
		ev.SubscriptionID = res.ID
		// RENEWED carries no sale id; the delivery id is the only unique
		// identifier for the ledger.
		ev.PaymentID = env.ID
		return ev, nil

	case paypalSubReactivated:
		if res.ID == "" {
			return nil, invalidEvent("paypal subscription event missing resource id", nil)
		}
		ev.Kind = EventReactivation
		ev.Status = types.SubStatusActive
		ev.SubscriptionID = res.ID
		return ev, nil

	case paypalSubPayFailed:
		if res.ID == "" {
			return nil, invalidEvent("paypal subscription event missing resource id", nil)
		}
		ev.Kind = EventPaymentFailed
		ev.Status = types.SubStatusPastDue
		ev.SubscriptionID = res.ID
		ev.PaymentID = env.ID
		return ev, nil

	case paypalSaleCompleted:
		if res.BillingAgreementID == "" {
			// A sale outside a billing agreement is handled by the capture
			// route, not here.
			return nil, nil
		}
		ev.Kind = EventRenewal
		ev.Status = types.SubStatusActive
		ev.SubscriptionID = res.BillingAgreementID
		ev.PaymentID = res.ID
		return ev, nil

	case paypalSaleDenied, paypalSaleRefunded, paypalSaleReversed:
		if res.BillingAgreementID == "" {
			return nil, nil
		}
		ev.Kind = EventPaymentFailed
		ev.Status = types.SubStatusPastDue
		ev.SubscriptionID = res.BillingAgreementID
		ev.PaymentID = res.ID
		return ev, nil

	case paypalCaptureDone:
		if res.ID == "" {
			return nil, invalidEvent("paypal capture event missing resource id", nil)
		}
		ev.Kind = EventOneTime
		ev.Status = types.SubStatusActive
		ev.SubscriptionID = res.ID
		ev.PaymentID = res.ID
		ev.PlanID = types.PlanLifetime
		return ev, nil

	default:
		return nil, nil
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func parsePayPalTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// paypalCents parses a PayPal decimal amount string into cents.
func paypalCents(s string) int64 {
	var whole, frac int64
	var fracDigits int
	seenDot := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			if seenDot {
				if fracDigits < 2 {
					frac = frac*10 + int64(r-'0')
					fracDigits++
				}
			} else {
				whole = whole*10 + int64(r-'0')
			}
		case r == '.':
			seenDot = true
		default:
			return 0
		}
	}
	for fracDigits < 2 {
		frac *= 10
		fracDigits++
	}
	return whole*100 + frac
}

func lowerCurrency(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

// String implements fmt.Stringer for log readability.
func (k EventKind) String() string { return string(k) }

var _ fmt.Stringer = EventKind("")
