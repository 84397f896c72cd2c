package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"aitextspeak/internal/core"
	"aitextspeak/internal/external"
	"aitextspeak/internal/types"
)

type mockStripeCheckout struct {
	mock.Mock
}

func (m *mockStripeCheckout) CreateCheckoutSession(ctx context.Context, p external.CheckoutParams) (string, string, error) {
	args := m.Called(ctx, p)
	return args.String(0), args.String(1), args.Error(2)
}

func (m *mockStripeCheckout) CreatePortalSession(ctx context.Context, customerEmail string, returnURL string) (string, error) {
	args := m.Called(ctx, customerEmail, returnURL)
	return args.String(0), args.Error(1)
}

type mockPayPalCheckout struct {
	mock.Mock
}

func (m *mockPayPalCheckout) CreateSubscription(ctx context.Context, params external.SubscriptionParams) (string, string, error) {
	args := m.Called(ctx, params)
	return args.String(0), args.String(1), args.Error(2)
}

func (m *mockPayPalCheckout) CreateOrder(ctx context.Context, params external.OrderParams) (string, string, error) {
	args := m.Called(ctx, params)
	return args.String(0), args.String(1), args.Error(2)
}

type checkoutFixture struct {
	stripe *mockStripeCheckout
	paypal *mockPayPalCheckout
	router *chi.Mux
}

func newCheckoutFixture(t *testing.T) *checkoutFixture {
	t.Helper()
	f := &checkoutFixture{
		stripe: new(mockStripeCheckout),
		paypal: new(mockPayPalCheckout),
		router: chi.NewRouter(),
	}
	h := NewCheckoutHandler(f.stripe, f.paypal, core.NewValidator(), "https://app.aitextspeak.com", nil)
	h.RegisterRoutes(f.router, types.SecretString("internal-key"))
	return f
}

func (f *checkoutFixture) post(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("X-Api-Key", "internal-key")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestCheckoutSession_Subscription(t *testing.T) {
	f := newCheckoutFixture(t)

	var params external.CheckoutParams
	f.stripe.On("CreateCheckoutSession", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			params = args.Get(1).(external.CheckoutParams)
		}).
		Return("https://checkout.stripe.com/c/pay_1", "cs_1", nil)

	rec := f.post("/v1/checkout/session", `{"user_id":"user_1","plan_id":"pro_monthly","price_id":"price_1","email":"buyer@example.com"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cs_1")
	assert.Equal(t, "user_1", params.UserID)
	assert.Equal(t, external.CheckoutModeSubscription, params.Mode)
	assert.Equal(t, "https://app.aitextspeak.com/billing/success", params.SuccessURL)
}

func TestCheckoutSession_LifetimeUsesPaymentMode(t *testing.T) {
	f := newCheckoutFixture(t)

	var params external.CheckoutParams
	f.stripe.On("CreateCheckoutSession", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			params = args.Get(1).(external.CheckoutParams)
		}).
		Return("https://checkout.stripe.com/c/pay_2", "cs_2", nil)

	rec := f.post("/v1/checkout/session", `{"user_id":"user_1","plan_id":"lifetime","price_id":"price_life"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, external.CheckoutModePayment, params.Mode)
}

func TestCheckoutSession_MissingFieldRejected(t *testing.T) {
	f := newCheckoutFixture(t)

	rec := f.post("/v1/checkout/session", `{"user_id":"user_1","price_id":"price_1"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.ErrCodeValidationMissingField))
	f.stripe.AssertNotCalled(t, "CreateCheckoutSession", mock.Anything, mock.Anything)
}

func TestCheckout_RequiresInternalKey(t *testing.T) {
	f := newCheckoutFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/checkout/session",
		strings.NewReader(`{"user_id":"user_1","plan_id":"pro_monthly","price_id":"price_1"}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	f.stripe.AssertNotCalled(t, "CreateCheckoutSession", mock.Anything, mock.Anything)
}

func TestCheckoutPortal(t *testing.T) {
	f := newCheckoutFixture(t)

	f.stripe.On("CreatePortalSession", mock.Anything, "buyer@example.com", "https://app.aitextspeak.com/account").
		Return("https://billing.stripe.com/p/session_1", nil)

	rec := f.post("/v1/checkout/portal", `{"email":"buyer@example.com"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "billing.stripe.com")
}

func TestCheckoutPortal_UpstreamErrorMapped(t *testing.T) {
	f := newCheckoutFixture(t)

	f.stripe.On("CreatePortalSession", mock.Anything, mock.Anything, mock.Anything).
		Return("", types.NewAppError(types.ErrCodeUpstreamStripe, "stripe unavailable", nil))

	rec := f.post("/v1/checkout/portal", `{"email":"buyer@example.com"}`)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCheckoutPayPal_Recurring(t *testing.T) {
	f := newCheckoutFixture(t)

	var params external.SubscriptionParams
	f.paypal.On("CreateSubscription", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			params = args.Get(1).(external.SubscriptionParams)
		}).
		Return("https://www.paypal.com/approve/1", "I-NEW1", nil)

	rec := f.post("/v1/checkout/paypal", `{"user_id":"user_1","plan_id":"pro_yearly","paypal_plan_id":"P-123"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "I-NEW1")
	assert.Equal(t, "P-123", params.PlanID)
	assert.Equal(t, "user_1", params.UserID)
}

func TestCheckoutPayPal_RecurringRequiresPlan(t *testing.T) {
	f := newCheckoutFixture(t)

	rec := f.post("/v1/checkout/paypal", `{"user_id":"user_1","plan_id":"pro_yearly"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	f.paypal.AssertNotCalled(t, "CreateSubscription", mock.Anything, mock.Anything)
}

func TestCheckoutPayPal_Lifetime(t *testing.T) {
	f := newCheckoutFixture(t)

	var params external.OrderParams
	f.paypal.On("CreateOrder", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			params = args.Get(1).(external.OrderParams)
		}).
		Return("https://www.paypal.com/approve/2", "ORDER-1", nil)

	rec := f.post("/v1/checkout/paypal", `{"user_id":"user_1","plan_id":"lifetime","amount_cents":9900,"currency":"USD","item_name":"Lifetime access"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(9900), params.AmountCents)
	f.paypal.AssertNotCalled(t, "CreateSubscription", mock.Anything, mock.Anything)
}

func TestCheckoutPayPal_LifetimeRequiresAmount(t *testing.T) {
	f := newCheckoutFixture(t)

	rec := f.post("/v1/checkout/paypal", `{"user_id":"user_1","plan_id":"lifetime"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	f.paypal.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
}
