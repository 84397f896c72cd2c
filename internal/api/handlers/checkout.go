package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"aitextspeak/internal/core"
	"aitextspeak/internal/external"
	"aitextspeak/internal/types"
)

// StripeCheckout is the slice of StripeProvider the checkout RPCs need.
type StripeCheckout interface {
	CreateCheckoutSession(ctx context.Context, p external.CheckoutParams) (checkoutURL string, sessionID string, err error)
	CreatePortalSession(ctx context.Context, customerEmail string, returnURL string) (string, error)
}

// PayPalCheckout is the slice of PayPalProvider the checkout RPCs need.
type PayPalCheckout interface {
	CreateSubscription(ctx context.Context, params external.SubscriptionParams) (approvalURL string, subscriptionID string, err error)
	CreateOrder(ctx context.Context, params external.OrderParams) (approvalURL string, orderID string, err error)
}

// CheckoutHandler exposes thin RPC wrappers over the gateway checkout flows.
// Its single real job is stamping userID/planID into gateway metadata so the
// eventual webhook can attribute the purchase; losing them orphans the
// activation event until auto-heal or discovery picks it up.
type CheckoutHandler struct {
	stripe    StripeCheckout
	paypal    PayPalCheckout
	validator *core.Validator
	appURL    string
	logger    *slog.Logger
}

// NewCheckoutHandler creates a CheckoutHandler. appURL is the public
// dashboard URL used for redirect targets, without trailing slash.
func NewCheckoutHandler(
	stripe StripeCheckout,
	paypal PayPalCheckout,
	validator *core.Validator,
	appURL string,
	logger *slog.Logger,
) *CheckoutHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckoutHandler{
		stripe:    stripe,
		paypal:    paypal,
		validator: validator,
		appURL:    appURL,
		logger:    logger,
	}
}

// RegisterRoutes mounts the checkout endpoints behind the internal API key.
func (h *CheckoutHandler) RegisterRoutes(r chi.Router, key types.SecretString) {
	r.Route("/v1/checkout", func(r chi.Router) {
		r.Use(core.RequireInternalKey(key))
		r.Post("/session", h.HandleCreateSession)
		r.Post("/portal", h.HandleCreatePortal)
		r.Post("/paypal", h.HandleCreatePayPal)
	})
}

type checkoutSessionRequest struct {
	UserID  string `json:"user_id" validate:"required"`
	PlanID  string `json:"plan_id" validate:"required"`
	PriceID string `json:"price_id" validate:"required"`
	Email   string `json:"email" validate:"omitempty,email"`
}

type checkoutSessionResponse struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id"`
}

// HandleCreateSession creates a Stripe Checkout Session. The lifetime plan
// uses a one-time payment session; everything else is a subscription.
func (h *CheckoutHandler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req checkoutSessionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	mode := external.CheckoutModeSubscription
	if req.PlanID == types.PlanLifetime {
		mode = external.CheckoutModePayment
	}

	checkoutURL, sessionID, err := h.stripe.CreateCheckoutSession(r.Context(), external.CheckoutParams{
		UserID:        req.UserID,
		PlanID:        req.PlanID,
		PriceID:       req.PriceID,
		Mode:          mode,
		CustomerEmail: req.Email,
		SuccessURL:    h.appURL + "/billing/success",
		CancelURL:     h.appURL + "/billing/cancel",
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "checkout session created",
		"user_id", req.UserID,
		"plan_id", req.PlanID,
		"session_id", sessionID,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: checkoutSessionResponse{
		URL:       checkoutURL,
		SessionID: sessionID,
	}})
}

type portalRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type portalResponse struct {
	URL string `json:"url"`
}

// HandleCreatePortal creates a Stripe Billing Portal session for the
// customer owning the given email.
func (h *CheckoutHandler) HandleCreatePortal(w http.ResponseWriter, r *http.Request) {
	var req portalRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	portalURL, err := h.stripe.CreatePortalSession(r.Context(), req.Email, h.appURL+"/account")
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: portalResponse{URL: portalURL}})
}

type paypalCheckoutRequest struct {
	UserID string `json:"user_id" validate:"required"`
	PlanID string `json:"plan_id" validate:"required"`
	// PayPalPlanID is the provider-side billing plan, required for
	// recurring plans.
	PayPalPlanID string `json:"paypal_plan_id" validate:"omitempty"`
	// AmountCents, Currency, and ItemName describe the one-time order for
	// the lifetime plan.
	AmountCents int64  `json:"amount_cents" validate:"omitempty,gt=0"`
	Currency    string `json:"currency" validate:"omitempty,len=3"`
	ItemName    string `json:"item_name"`
}

type paypalCheckoutResponse struct {
	URL string `json:"url"`
	ID  string `json:"id"`
}

// HandleCreatePayPal starts a PayPal approval flow: a subscription for
// recurring plans, a capture order for the lifetime plan.
func (h *CheckoutHandler) HandleCreatePayPal(w http.ResponseWriter, r *http.Request) {
	var req paypalCheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	var (
		approvalURL string
		id          string
		err         error
	)

	if req.PlanID == types.PlanLifetime {
		if req.AmountCents <= 0 {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"amount_cents is required for the lifetime plan",
				nil,
			))
			return
		}
		approvalURL, id, err = h.paypal.CreateOrder(r.Context(), external.OrderParams{
			AmountCents: req.AmountCents,
			Currency:    req.Currency,
			ItemName:    req.ItemName,
			UserID:      req.UserID,
			ReturnURL:   h.appURL + "/billing/success",
			CancelURL:   h.appURL + "/billing/cancel",
		})
	} else {
		if req.PayPalPlanID == "" {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"paypal_plan_id is required for recurring plans",
				nil,
			))
			return
		}
		approvalURL, id, err = h.paypal.CreateSubscription(r.Context(), external.SubscriptionParams{
			PlanID:    req.PayPalPlanID,
			UserID:    req.UserID,
			ReturnURL: h.appURL + "/billing/success",
			CancelURL: h.appURL + "/billing/cancel",
		})
	}
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "paypal approval flow created",
		"user_id", req.UserID,
		"plan_id", req.PlanID,
		"id", id,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: paypalCheckoutResponse{
		URL: approvalURL,
		ID:  id,
	}})
}
