package queue

import (
	"context"
	"log/slog"

	"aitextspeak/internal/billing"
	"aitextspeak/internal/types"
)

// EmailNotifier adapts the Dispatcher to the billing core's Notifier
// interface. Enqueue failures are logged and swallowed: losing an email is
// acceptable, failing a billing mutation over it is not.
type EmailNotifier struct {
	dispatcher   *Dispatcher
	adminAddress string
	enabled      bool
	logger       *slog.Logger
}

// NewEmailNotifier creates an EmailNotifier. When enabled is false every
// method is a logged no-op, for local development without a queue.
func NewEmailNotifier(dispatcher *Dispatcher, adminAddress string, enabled bool, logger *slog.Logger) *EmailNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailNotifier{
		dispatcher:   dispatcher,
		adminAddress: adminAddress,
		enabled:      enabled,
		logger:       logger,
	}
}

func (n *EmailNotifier) Welcome(ctx context.Context, email, planName string) {
	n.enqueue(ctx, types.EmailTask{
		Kind:   types.EmailWelcome,
		To:     email,
		Fields: map[string]string{"plan_name": planName},
	})
}

func (n *EmailNotifier) PaymentFailed(ctx context.Context, email, planName string) {
	n.enqueue(ctx, types.EmailTask{
		Kind:   types.EmailPaymentFailed,
		To:     email,
		Fields: map[string]string{"plan_name": planName},
	})
}

func (n *EmailNotifier) AdminNewSubscription(ctx context.Context, provider types.Provider, subscriptionID, email, planName string) {
	n.enqueue(ctx, types.EmailTask{
		Kind: types.EmailAdminNewSubscription,
		To:   n.adminAddress,
		Fields: map[string]string{
			"provider":        string(provider),
			"subscription_id": subscriptionID,
			"customer_email":  email,
			"plan_name":       planName,
		},
	})
}

func (n *EmailNotifier) AdminCancellation(ctx context.Context, provider types.Provider, subscriptionID string, reason types.CancellationReason) {
	n.enqueue(ctx, types.EmailTask{
		Kind: types.EmailAdminCancellation,
		To:   n.adminAddress,
		Fields: map[string]string{
			"provider":        string(provider),
			"subscription_id": subscriptionID,
			"reason":          string(reason),
		},
	})
}

func (n *EmailNotifier) enqueue(ctx context.Context, task types.EmailTask) {
	if !n.enabled {
		n.logger.DebugContext(ctx, "email disabled; task dropped", "kind", task.Kind)
		return
	}
	if task.To == "" {
		n.logger.WarnContext(ctx, "email task has no recipient; dropped", "kind", task.Kind)
		return
	}
	if err := n.dispatcher.Enqueue(ctx, task); err != nil {
		n.logger.ErrorContext(ctx, "email task enqueue failed",
			"kind", task.Kind,
			"error", err,
		)
	}
}

var _ billing.Notifier = (*EmailNotifier)(nil)
