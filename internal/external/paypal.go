package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"aitextspeak/internal/types"
)

// paypalAPIBase is the default (live) PayPal API base URL.
const paypalAPIBase = "https://api-m.paypal.com"

// PayPalConfig holds the configuration for creating a PayPalProvider.
// The legacy business account is simply a second instance with IsLegacy set
// and its own credentials.
type PayPalConfig struct {
	ClientID  string
	Secret    string
	WebhookID string
	BaseURL   string // Override for sandbox/testing; defaults to paypalAPIBase
	IsLegacy  bool
	Logger    *slog.Logger
}

// PayPalProvider implements PaymentProvider against the PayPal REST API via
// BaseClient. Access tokens are obtained with the client-credentials grant
// and cached until shortly before expiry.
type PayPalProvider struct {
	base      *BaseClient
	clientID  string
	secret    string
	webhookID string
	baseURL   string
	isLegacy  bool
	logger    *slog.Logger

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewPayPalProvider creates a PayPalProvider.
func NewPayPalProvider(httpClient *http.Client, cfg PayPalConfig) *PayPalProvider {
	name := "paypal"
	if cfg.IsLegacy {
		name = "paypal-legacy"
	}
	base := NewBaseClient(
		httpClient,
		name,
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"AITextSpeak/1.0",
	)
	return NewPayPalProviderWithBase(base, cfg)
}

// NewPayPalProviderWithBase creates a PayPalProvider with a pre-configured
// BaseClient, for tests.
func NewPayPalProviderWithBase(base *BaseClient, cfg PayPalConfig) *PayPalProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = paypalAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &PayPalProvider{
		base:      base,
		clientID:  cfg.ClientID,
		secret:    cfg.Secret,
		webhookID: cfg.WebhookID,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		isLegacy:  cfg.IsLegacy,
		logger:    logger,
	}
}

// Name returns the provider column value for this PayPal account.
func (p *PayPalProvider) Name() types.Provider {
	if p.isLegacy {
		return types.ProviderPayPalLegacy
	}
	return types.ProviderPayPal
}

// IsSubscriptionID filters out sale/capture identifiers. PayPal billing
// subscription ids carry the I- prefix.
func (p *PayPalProvider) IsSubscriptionID(id string) bool {
	return strings.HasPrefix(id, "I-")
}

// ---------------------------------------------------------------------------
// OAuth token management
// ---------------------------------------------------------------------------

// tokenExpirySlack refreshes the cached token this long before it expires.
const tokenExpirySlack = 60 * time.Second

func (p *PayPalProvider) getAccessToken(ctx context.Context) (string, error) {
	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()

	if p.accessToken != "" && time.Now().Before(p.tokenExpiry.Add(-tokenExpirySlack)) {
		return p.accessToken, nil
	}

	body := strings.NewReader("grant_type=client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/oauth2/token", body)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create PayPal token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.clientID, p.secret)

	resp, err := p.base.Do(req)
	if err != nil {
		return "", p.wrapTransportError("getAccessToken", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", p.handleErrorResponse(resp, "getAccessToken")
	}

	var tok paypalTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode PayPal token response", err)
	}
	if tok.AccessToken == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamPayPal, "PayPal returned an empty access token", nil)
	}

	p.accessToken = tok.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return p.accessToken, nil
}

// ---------------------------------------------------------------------------
// Webhook verification
// ---------------------------------------------------------------------------

// paypalVerifyRequest is the verify-webhook-signature RPC request body.
type paypalVerifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

type paypalVerifyResponse struct {
	VerificationStatus string `json:"verification_status"`
}

// VerifyWebhook authenticates a webhook delivery through PayPal's
// verify-webhook-signature RPC against this account's configured webhook id.
func (p *PayPalProvider) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) error {
	verify := paypalVerifyRequest{
		AuthAlgo:         headers.Get("Paypal-Auth-Algo"),
		CertURL:          headers.Get("Paypal-Cert-Url"),
		TransmissionID:   headers.Get("Paypal-Transmission-Id"),
		TransmissionSig:  headers.Get("Paypal-Transmission-Sig"),
		TransmissionTime: headers.Get("Paypal-Transmission-Time"),
		WebhookID:        p.webhookID,
		WebhookEvent:     json.RawMessage(payload),
	}
	if verify.TransmissionID == "" || verify.TransmissionSig == "" {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid, "missing PayPal transmission headers", nil)
	}

	resp, err := p.doJSON(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", verify)
	if err != nil {
		return p.wrapTransportError("VerifyWebhook", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return p.handleErrorResponse(resp, "VerifyWebhook")
	}

	var result paypalVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode PayPal verification response", err)
	}
	if result.VerificationStatus != "SUCCESS" {
		return types.NewAppError(
			types.ErrCodeAuthSignatureInvalid,
			fmt.Sprintf("paypal webhook verification returned %s", result.VerificationStatus),
			nil,
		)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Subscription RPCs
// ---------------------------------------------------------------------------

// GetSubscription fetches the subscription's current provider-side state.
func (p *PayPalProvider) GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	resp, err := p.doJSON(ctx, http.MethodGet, "/v1/billing/subscriptions/"+url.PathEscape(subscriptionID), nil)
	if err != nil {
		return nil, p.wrapTransportError("GetSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.handleErrorResponse(resp, "GetSubscription")
	}

	var sub paypalSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode PayPal subscription response", err)
	}
	return p.mapSubscription(&sub), nil
}

const paypalListPageSize = 20

// ListActiveSubscriptions pages through active subscriptions. The cursor is
// the 1-based page number as a decimal string.
func (p *PayPalProvider) ListActiveSubscriptions(ctx context.Context, cursor string) ([]*ProviderSubscription, string, error) {
	page := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return nil, "", types.NewAppError(
				types.ErrCodeValidationMissingField,
				fmt.Sprintf("invalid PayPal list cursor %q", cursor),
				err,
			)
		}
		page = n
	}

	path := fmt.Sprintf("/v1/billing/subscriptions?status=ACTIVE&page=%d&page_size=%d&total_required=true", page, paypalListPageSize)
	resp, err := p.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", p.wrapTransportError("ListActiveSubscriptions", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", p.handleErrorResponse(resp, "ListActiveSubscriptions")
	}

	var list paypalSubscriptionList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode PayPal subscription list", err)
	}

	subs := make([]*ProviderSubscription, 0, len(list.Subscriptions))
	for i := range list.Subscriptions {
		subs = append(subs, p.mapSubscription(&list.Subscriptions[i]))
	}

	next := ""
	if page < list.TotalPages {
		next = strconv.Itoa(page + 1)
	}
	return subs, next, nil
}

// CancelSubscription cancels the subscription at PayPal. PayPal replies 204.
func (p *PayPalProvider) CancelSubscription(ctx context.Context, subscriptionID string, reason string) error {
	if reason == "" {
		reason = "cancelled by billing service"
	}
	body := map[string]string{"reason": reason}

	resp, err := p.doJSON(ctx, http.MethodPost, "/v1/billing/subscriptions/"+url.PathEscape(subscriptionID)+"/cancel", body)
	if err != nil {
		return p.wrapTransportError("CancelSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return p.handleErrorResponse(resp, "CancelSubscription")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Checkout creation
// ---------------------------------------------------------------------------

// SubscriptionParams carries what a PayPal subscription checkout needs.
// UserID is stored as custom_id so the activation webhook can attribute the
// subscription.
type SubscriptionParams struct {
	PlanID    string
	UserID    string
	ReturnURL string
	CancelURL string
}

// CreateSubscription starts a PayPal subscription approval flow and returns
// the approval URL the user must visit plus the subscription id.
func (p *PayPalProvider) CreateSubscription(ctx context.Context, params SubscriptionParams) (approvalURL string, subscriptionID string, err error) {
	body := map[string]any{
		"plan_id":   params.PlanID,
		"custom_id": params.UserID,
		"application_context": map[string]string{
			"return_url": params.ReturnURL,
			"cancel_url": params.CancelURL,
		},
	}

	resp, err := p.doJSON(ctx, http.MethodPost, "/v1/billing/subscriptions", body)
	if err != nil {
		return "", "", p.wrapTransportError("CreateSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", "", p.handleErrorResponse(resp, "CreateSubscription")
	}

	var created paypalSubscription
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode PayPal subscription creation response", err)
	}
	return created.approveLink(), created.ID, nil
}

// OrderParams carries what a one-time PayPal order needs.
type OrderParams struct {
	AmountCents int64
	Currency    string
	ItemName    string
	UserID      string
	ReturnURL   string
	CancelURL   string
}

// CreateOrder starts a one-time PayPal order approval flow.
func (p *PayPalProvider) CreateOrder(ctx context.Context, params OrderParams) (approvalURL string, orderID string, err error) {
	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"custom_id":   params.UserID,
			"description": params.ItemName,
			"amount": map[string]string{
				"currency_code": strings.ToUpper(params.Currency),
				"value":         centsToDecimal(params.AmountCents),
			},
		}},
		"application_context": map[string]string{
			"return_url": params.ReturnURL,
			"cancel_url": params.CancelURL,
		},
	}

	resp, err := p.doJSON(ctx, http.MethodPost, "/v2/checkout/orders", body)
	if err != nil {
		return "", "", p.wrapTransportError("CreateOrder", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", "", p.handleErrorResponse(resp, "CreateOrder")
	}

	var created paypalOrder
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode PayPal order creation response", err)
	}
	return created.approveLink(), created.ID, nil
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

// doJSON performs an authenticated JSON request against the PayPal API.
func (p *PayPalProvider) doJSON(ctx context.Context, method, path string, body any) (*http.Response, error) {
	token, err := p.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal PayPal request body", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create PayPal request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return p.base.Do(req)
}

// ---------------------------------------------------------------------------
// Error handling
// ---------------------------------------------------------------------------

type paypalErrorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// handleErrorResponse maps a non-success PayPal response to an AppError.
// A 404 or RESOURCE_NOT_FOUND becomes ErrCodeNotFoundSubscription so the
// sweep can treat upstream deletion as cancellation.
func (p *PayPalProvider) handleErrorResponse(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(resp.Body)

	var ppErr paypalErrorResponse
	_ = json.Unmarshal(body, &ppErr)

	switch {
	case resp.StatusCode == http.StatusNotFound || ppErr.Name == "RESOURCE_NOT_FOUND":
		return types.NewAppError(
			types.ErrCodeNotFoundSubscription,
			fmt.Sprintf("%s: PayPal resource not found: %s", operation, ppErr.Message),
			nil,
		)
	case resp.StatusCode == http.StatusUnauthorized:
		return types.NewAppError(
			types.ErrCodeUpstreamPayPal,
			fmt.Sprintf("%s: PayPal rejected credentials (%d)", operation, resp.StatusCode),
			nil,
		)
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: PayPal rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: PayPal server error: %s", operation, ppErr.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamPayPal,
			fmt.Sprintf("%s: PayPal error (%d) %s: %s", operation, resp.StatusCode, ppErr.Name, ppErr.Message),
			nil,
		)
	}
}

func (p *PayPalProvider) wrapTransportError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamPayPal,
		fmt.Sprintf("%s: PayPal request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// PayPal response types (for JSON deserialization)
// ---------------------------------------------------------------------------

type paypalTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type paypalSubscription struct {
	ID          string             `json:"id"`
	PlanID      string             `json:"plan_id"`
	Status      string             `json:"status"`
	CustomID    string             `json:"custom_id"`
	StartTime   string             `json:"start_time"`
	Subscriber  paypalSubscriber   `json:"subscriber"`
	BillingInfo *paypalBillingInfo `json:"billing_info"`
	Links       []paypalLink       `json:"links"`
}

type paypalSubscriber struct {
	EmailAddress string `json:"email_address"`
}

type paypalBillingInfo struct {
	NextBillingTime string             `json:"next_billing_time"`
	LastPayment     *paypalLastPayment `json:"last_payment"`
}

type paypalLastPayment struct {
	Amount paypalAmount `json:"amount"`
	Time   string       `json:"time"`
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalSubscriptionList struct {
	Subscriptions []paypalSubscription `json:"subscriptions"`
	TotalPages    int                  `json:"total_pages"`
}

type paypalOrder struct {
	ID    string       `json:"id"`
	Links []paypalLink `json:"links"`
}

func (s *paypalSubscription) approveLink() string {
	return findLink(s.Links, "approve")
}

func (o *paypalOrder) approveLink() string {
	return findLink(o.Links, "approve")
}

func findLink(links []paypalLink, rel string) string {
	for _, l := range links {
		if l.Rel == rel {
			return l.Href
		}
	}
	return ""
}

// ---------------------------------------------------------------------------
// Mapping
// ---------------------------------------------------------------------------

// mapSubscription normalizes a PayPal subscription into the provider-agnostic
// view. PayPal has no period-end concept; NextBillingTime stands in for it
// when the grace rule runs.
func (p *PayPalProvider) mapSubscription(sub *paypalSubscription) *ProviderSubscription {
	ps := &ProviderSubscription{
		ID:            sub.ID,
		Status:        sub.Status,
		Active:        sub.Status == "ACTIVE",
		CustomerEmail: sub.Subscriber.EmailAddress,
		PlanID:        sub.PlanID,
	}

	ps.CurrentPeriodStart = parseRFC3339Ptr(sub.StartTime)
	if sub.BillingInfo != nil {
		ps.NextBillingTime = parseRFC3339Ptr(sub.BillingInfo.NextBillingTime)
		ps.CurrentPeriodEnd = ps.NextBillingTime
		if lp := sub.BillingInfo.LastPayment; lp != nil {
			ps.PriceAmountCents = decimalToCents(lp.Amount.Value)
			ps.Currency = strings.ToLower(lp.Amount.CurrencyCode)
		}
	}

	return ps
}

func parseRFC3339Ptr(s string) *time.Time {
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

// decimalToCents parses a PayPal decimal amount ("19.00") into cents.
// Malformed amounts yield zero; the ledger treats amount as informational.
func decimalToCents(s string) int64 {
	if s == "" {
		return 0
	}
	whole, frac, _ := strings.Cut(s, ".")
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0
	}
	cents := w * 100
	if frac != "" {
		if len(frac) > 2 {
			frac = frac[:2]
		}
		for len(frac) < 2 {
			frac += "0"
		}
		f, err := strconv.ParseInt(frac, 10, 64)
		if err == nil {
			cents += f
		}
	}
	return cents
}

// centsToDecimal renders cents as a PayPal decimal amount string.
func centsToDecimal(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

// Compile-time assertion that PayPalProvider satisfies PaymentProvider.
var _ PaymentProvider = (*PayPalProvider)(nil)
