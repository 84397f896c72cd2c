package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"aitextspeak/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeConfig holds the configuration for creating a StripeProvider.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string // Override for testing; defaults to stripeAPIBase
	Logger        *slog.Logger
}

// StripeProvider implements PaymentProvider against the Stripe REST API via
// BaseClient, keeping all Stripe calls behind the shared resilience stack and
// making httptest-based testing straightforward.
type StripeProvider struct {
	base          *BaseClient
	secretKey     string
	webhookSecret string
	baseURL       string
	logger        *slog.Logger
}

// NewStripeProvider creates a StripeProvider. The httpClient timeout should be
// around 20 seconds; Stripe list calls can be slow on large accounts.
func NewStripeProvider(httpClient *http.Client, cfg StripeConfig) *StripeProvider {
	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"AITextSpeak/1.0",
	)
	return NewStripeProviderWithBase(base, cfg)
}

// NewStripeProviderWithBase creates a StripeProvider with a pre-configured
// BaseClient, for tests that want to control retry/breaker behavior.
func NewStripeProviderWithBase(base *BaseClient, cfg StripeConfig) *StripeProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeProvider{
		base:          base,
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		logger:        logger,
	}
}

// Name returns the provider column value for Stripe.
func (s *StripeProvider) Name() types.Provider {
	return types.ProviderStripe
}

// IsSubscriptionID filters out checkout-session and payment-intent
// identifiers that end up in ledger rows but have no subscription lifecycle.
func (s *StripeProvider) IsSubscriptionID(id string) bool {
	return strings.HasPrefix(id, "sub_")
}

// VerifyWebhook validates the Stripe-Signature header via stripe-go, which
// checks both the HMAC signature and the timestamp tolerance.
func (s *StripeProvider) VerifyWebhook(_ context.Context, payload []byte, headers http.Header) error {
	sig := headers.Get("Stripe-Signature")
	if sig == "" {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid, "missing Stripe-Signature header", nil)
	}
	if err := stripe.ValidatePayload(payload, sig, s.webhookSecret); err != nil {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid, "stripe webhook signature verification failed", err)
	}
	return nil
}

// GetSubscription fetches the subscription's current provider-side state.
func (s *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	resp, err := s.doGet(ctx, "/v1/subscriptions/"+url.PathEscape(subscriptionID), url.Values{
		"expand[]": []string{"customer"},
	})
	if err != nil {
		return nil, s.wrapTransportError("GetSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetSubscription")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription response",
			err,
		)
	}

	return mapStripeSubscription(&sub), nil
}

// stripeListPageSize keeps discovery pagination at Stripe's maximum.
const stripeListPageSize = 100

// ListActiveSubscriptions pages through every active subscription on the
// account. The returned cursor is Stripe's starting_after id.
func (s *StripeProvider) ListActiveSubscriptions(ctx context.Context, cursor string) ([]*ProviderSubscription, string, error) {
	params := url.Values{}
	params.Set("status", "active")
	params.Set("limit", fmt.Sprintf("%d", stripeListPageSize))
	params.Add("expand[]", "data.customer")
	if cursor != "" {
		params.Set("starting_after", cursor)
	}

	resp, err := s.doGet(ctx, "/v1/subscriptions", params)
	if err != nil {
		return nil, "", s.wrapTransportError("ListActiveSubscriptions", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", s.handleErrorResponse(resp, "ListActiveSubscriptions")
	}

	var list stripeSubscriptionList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription list response",
			err,
		)
	}

	subs := make([]*ProviderSubscription, 0, len(list.Data))
	for i := range list.Data {
		subs = append(subs, mapStripeSubscription(&list.Data[i]))
	}

	next := ""
	if list.HasMore && len(list.Data) > 0 {
		next = list.Data[len(list.Data)-1].ID
	}
	return subs, next, nil
}

// CancelSubscription cancels the subscription immediately at Stripe.
func (s *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string, reason string) error {
	params := url.Values{}
	if reason != "" {
		params.Set("cancellation_details[comment]", reason)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		s.baseURL+"/v1/subscriptions/"+url.PathEscape(subscriptionID),
		strings.NewReader(params.Encode()))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create Stripe cancel request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	resp, err := s.base.Do(req)
	if err != nil {
		return s.wrapTransportError("CancelSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "CancelSubscription")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Checkout / portal session creation
// ---------------------------------------------------------------------------

// CheckoutMode selects between recurring and one-time Stripe checkouts.
type CheckoutMode string

const (
	CheckoutModeSubscription CheckoutMode = "subscription"
	CheckoutModePayment      CheckoutMode = "payment"
)

// CheckoutParams carries what a checkout session needs. UserID and PlanID are
// stamped into metadata and client_reference_id so the webhook can read them
// back; losing them orphans the eventual activation event.
type CheckoutParams struct {
	UserID        string
	PlanID        string
	PriceID       string
	Mode          CheckoutMode
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
}

// CreateCheckoutSession generates a Stripe Checkout Session URL.
func (s *StripeProvider) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (checkoutURL string, sessionID string, err error) {
	params := url.Values{}
	params.Set("mode", string(p.Mode))
	params.Set("client_reference_id", p.UserID)
	params.Set("success_url", p.SuccessURL)
	params.Set("cancel_url", p.CancelURL)
	params.Set("metadata[user_id]", p.UserID)
	params.Set("metadata[plan_id]", p.PlanID)
	params.Set("line_items[0][price]", p.PriceID)
	params.Set("line_items[0][quantity]", "1")
	if p.CustomerEmail != "" {
		params.Set("customer_email", p.CustomerEmail)
	}
	if p.Mode == CheckoutModeSubscription {
		// Propagate metadata onto the subscription object itself so
		// subscription lifecycle webhooks can attribute without a session.
		params.Set("subscription_data[metadata][user_id]", p.UserID)
		params.Set("subscription_data[metadata][plan_id]", p.PlanID)
	}

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return "", "", s.wrapTransportError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response",
			err,
		)
	}
	return session.URL, session.ID, nil
}

// CreatePortalSession generates a Billing Portal URL for the customer owning
// the given email. The customer is resolved by email search; a user who never
// checked out has no portal to open.
func (s *StripeProvider) CreatePortalSession(ctx context.Context, customerEmail string, returnURL string) (string, error) {
	customerID, err := s.findCustomerByEmail(ctx, customerEmail)
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("return_url", returnURL)

	resp, err := s.doPost(ctx, "/v1/billing_portal/sessions", params)
	if err != nil {
		return "", s.wrapTransportError("CreatePortalSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "CreatePortalSession")
	}

	var session stripePortalSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe portal session response",
			err,
		)
	}
	return session.URL, nil
}

// findCustomerByEmail resolves a Stripe customer ID from an email address.
func (s *StripeProvider) findCustomerByEmail(ctx context.Context, email string) (string, error) {
	params := url.Values{}
	params.Set("query", fmt.Sprintf("email:'%s'", email))

	resp, err := s.doGet(ctx, "/v1/customers/search", params)
	if err != nil {
		return "", s.wrapTransportError("findCustomerByEmail", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "findCustomerByEmail")
	}

	var result stripeCustomerSearch
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer search response",
			err,
		)
	}
	if len(result.Data) == 0 {
		return "", types.NewAppError(
			types.ErrCodeNotFoundUser,
			fmt.Sprintf("no Stripe customer for email %s", email),
			nil,
		)
	}
	return result.Data[0].ID, nil
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func (s *StripeProvider) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeProvider) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeProvider) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error handling
// ---------------------------------------------------------------------------

// stripeErrorResponse is the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to an AppError.
// A resource_missing error becomes ErrCodeNotFoundSubscription: the sweep
// treats a subscription deleted upstream as an implicit cancellation signal.
func (s *StripeProvider) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	e := stripeErr.Error
	switch {
	case e.Code == "resource_missing" || resp.StatusCode == http.StatusNotFound:
		return types.NewAppError(
			types.ErrCodeNotFoundSubscription,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, e.Message),
			nil,
		)
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, e.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, e.Message),
			nil,
		)
	}
}

// wrapTransportError wraps a BaseClient transport error with call context.
func (s *StripeProvider) wrapTransportError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe response types (for JSON deserialization)
// ---------------------------------------------------------------------------

type stripeSubscription struct {
	ID                 string                  `json:"id"`
	Status             string                  `json:"status"`
	CancelAtPeriodEnd  bool                    `json:"cancel_at_period_end"`
	CancelAt           int64                   `json:"cancel_at"`
	CurrentPeriodStart int64                   `json:"current_period_start"`
	CurrentPeriodEnd   int64                   `json:"current_period_end"`
	Customer           json.RawMessage         `json:"customer"`
	Items              stripeSubscriptionItems `json:"items"`
	Metadata           map[string]string       `json:"metadata"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	Price stripePrice `json:"price"`
	// Newer API versions report the billing period on the item.
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

type stripePrice struct {
	ID         string           `json:"id"`
	Nickname   string           `json:"nickname"`
	UnitAmount int64            `json:"unit_amount"`
	Currency   string           `json:"currency"`
	Recurring  *stripeRecurring `json:"recurring"`
}

type stripeRecurring struct {
	Interval string `json:"interval"`
}

type stripeCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type stripeCustomerSearch struct {
	Data []stripeCustomer `json:"data"`
}

type stripeSubscriptionList struct {
	Data    []stripeSubscription `json:"data"`
	HasMore bool                 `json:"has_more"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripePortalSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// ---------------------------------------------------------------------------
// Mapping
// ---------------------------------------------------------------------------

// mapStripeSubscription normalizes a Stripe subscription into the
// provider-agnostic view.
func mapStripeSubscription(sub *stripeSubscription) *ProviderSubscription {
	ps := &ProviderSubscription{
		ID:                 sub.ID,
		Status:             sub.Status,
		Active:             sub.Status == "active" || sub.Status == "trialing",
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CancelAt:           unixPtr(sub.CancelAt),
		CurrentPeriodStart: unixPtr(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   unixPtr(sub.CurrentPeriodEnd),
		CustomerEmail:      customerEmail(sub.Customer),
	}

	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		ps.PlanID = item.Price.ID
		ps.PlanName = item.Price.Nickname
		ps.PriceAmountCents = item.Price.UnitAmount
		ps.Currency = item.Price.Currency
		if item.Price.Recurring != nil {
			ps.Interval = types.BillingInterval(item.Price.Recurring.Interval)
		}
		// Item-level period fields win when the top-level ones are absent.
		if ps.CurrentPeriodStart == nil {
			ps.CurrentPeriodStart = unixPtr(item.CurrentPeriodStart)
		}
		if ps.CurrentPeriodEnd == nil {
			ps.CurrentPeriodEnd = unixPtr(item.CurrentPeriodEnd)
		}
	}

	return ps
}

// customerEmail extracts the email when the customer field was expanded to an
// object; an unexpanded string id yields no email.
func customerEmail(raw json.RawMessage) string {
	if len(raw) == 0 || raw[0] != '{' {
		return ""
	}
	var c stripeCustomer
	if err := json.Unmarshal(raw, &c); err != nil {
		return ""
	}
	return c.Email
}

// unixPtr converts a Unix timestamp to *time.Time, mapping 0 to nil.
func unixPtr(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

// Compile-time assertion that StripeProvider satisfies PaymentProvider.
var _ PaymentProvider = (*StripeProvider)(nil)
