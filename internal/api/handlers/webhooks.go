// Package handlers contains the HTTP handlers of the billing service:
// webhook ingestors, the reconciliation cron endpoint, and the checkout RPC
// wrappers called by the frontend proxy.
//
// Webhook endpoints are NOT behind auth middleware; they are called directly
// by the payment gateways. Security comes from signature verification on the
// raw body, which must happen before any parsing.
package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"aitextspeak/internal/billing"
	"aitextspeak/internal/core"
	"aitextspeak/internal/external"
	"aitextspeak/internal/types"
)

// maxWebhookBodySize is the maximum allowed webhook payload size (64 KB).
// Gateway payloads are small; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// EventApplier is the billing core as the webhook layer sees it.
type EventApplier interface {
	Apply(ctx context.Context, ev *billing.Event, now time.Time) error
}

// WebhookVerifier is the slice of PaymentProvider the ingestors need.
type WebhookVerifier interface {
	VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) error
}

// WebhookHandler ingests gateway webhook deliveries. Each provider route
// verifies with its own credentials; the legacy PayPal route exists only when
// the legacy account is still configured.
type WebhookHandler struct {
	stripe       WebhookVerifier
	paypal       WebhookVerifier
	paypalLegacy WebhookVerifier
	service      EventApplier
	logger       *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler. paypalLegacy may be nil, in
// which case the legacy route is not mounted.
func NewWebhookHandler(
	stripe WebhookVerifier,
	paypal WebhookVerifier,
	paypalLegacy WebhookVerifier,
	service EventApplier,
	logger *slog.Logger,
) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		stripe:       stripe,
		paypal:       paypal,
		paypalLegacy: paypalLegacy,
		service:      service,
		logger:       logger,
	}
}

// RegisterRoutes mounts the webhook endpoints.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.HandleStripe)
	r.Post("/webhooks/paypal", h.HandlePayPal)
	if h.paypalLegacy != nil {
		r.Post("/webhooks/paypal-legacy", h.HandlePayPalLegacy)
	}
}

// HandleStripe processes a Stripe webhook delivery.
func (h *WebhookHandler) HandleStripe(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, h.stripe, types.ProviderStripe, billing.ParseStripeEvent)
}

// HandlePayPal processes a PayPal webhook delivery for the current account.
func (h *WebhookHandler) HandlePayPal(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, h.paypal, types.ProviderPayPal, func(payload []byte) (*billing.Event, error) {
		return billing.ParsePayPalEvent(types.ProviderPayPal, payload)
	})
}

// HandlePayPalLegacy processes deliveries from the retired PayPal account.
// Events are tagged with the legacy provider so activation rows carry
// IsLegacy and the sweep knows which credentials to poll with.
func (h *WebhookHandler) HandlePayPalLegacy(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, h.paypalLegacy, types.ProviderPayPalLegacy, func(payload []byte) (*billing.Event, error) {
		return billing.ParsePayPalEvent(types.ProviderPayPalLegacy, payload)
	})
}

// handle runs the shared ingest pipeline: read, verify, parse, apply.
//
// Response semantics:
//   - signature failure: 401, never process the payload
//   - malformed payload: 400 (fail closed)
//   - event type we do not consume: 200, nothing to do
//   - apply failure: mapped error status so the gateway redelivers
func (h *WebhookHandler) handle(
	w http.ResponseWriter,
	r *http.Request,
	verifier WebhookVerifier,
	provider types.Provider,
	parse func([]byte) (*billing.Event, error),
) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body",
			"provider", provider,
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"failed to read request body",
			err,
		))
		return
	}

	if err := verifier.VerifyWebhook(r.Context(), payload, r.Header); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed",
			"provider", provider,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	ev, err := parse(payload)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "webhook payload rejected",
			"provider", provider,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	if ev == nil {
		// An event type this service does not consume.
		core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]bool{"received": true}})
		return
	}

	h.logger.InfoContext(r.Context(), "processing webhook event",
		"provider", provider,
		"event_id", ev.EventID,
		"kind", ev.Kind,
	)

	if err := h.service.Apply(r.Context(), ev, time.Now().UTC()); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"provider", provider,
			"event_id", ev.EventID,
			"kind", ev.Kind,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]bool{"received": true}})
}

var _ WebhookVerifier = (external.PaymentProvider)(nil)
