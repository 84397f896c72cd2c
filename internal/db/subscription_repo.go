package db

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"aitextspeak/internal/types"
)

// SubscriptionRepo manages the subscriptions table: one mutable row per
// (user, provider) subscription lifecycle.
//
// Key invariant: the conflict target for every write is the natural provider
// key (provider, provider_subscription_id). Concurrent upserts from racing
// webhook deliveries converge because both writers derive from the same
// provider-reported truth.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a SubscriptionRepo backed by the given database
// connection (pool or transaction).
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

const subscriptionColumns = `id, user_id, provider, provider_subscription_id, status,
	plan_id, plan_name, price_amount_cents, currency, billing_interval,
	current_period_start, current_period_end, cancel_at, canceled_at,
	cancellation_reason, cancellation_feedback, cancellation_comment,
	is_legacy, created_at, updated_at`

// Upsert inserts or updates a subscription row keyed by the natural provider
// key. A redelivered activation webhook refreshes metadata on the existing
// row instead of creating a duplicate.
func (r *SubscriptionRepo) Upsert(ctx context.Context, sub *types.Subscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (
		     user_id, provider, provider_subscription_id, status,
		     plan_id, plan_name, price_amount_cents, currency, billing_interval,
		     current_period_start, current_period_end, cancel_at, canceled_at,
		     cancellation_reason, cancellation_feedback, cancellation_comment,
		     is_legacy, created_at, updated_at
		 ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,NOW(),NOW())
		 ON CONFLICT (provider, provider_subscription_id) DO UPDATE SET
		     status = EXCLUDED.status,
		     plan_id = EXCLUDED.plan_id,
		     plan_name = EXCLUDED.plan_name,
		     price_amount_cents = EXCLUDED.price_amount_cents,
		     currency = EXCLUDED.currency,
		     billing_interval = EXCLUDED.billing_interval,
		     current_period_start = EXCLUDED.current_period_start,
		     current_period_end = EXCLUDED.current_period_end,
		     cancel_at = EXCLUDED.cancel_at,
		     canceled_at = EXCLUDED.canceled_at,
		     cancellation_reason = EXCLUDED.cancellation_reason,
		     cancellation_feedback = EXCLUDED.cancellation_feedback,
		     cancellation_comment = EXCLUDED.cancellation_comment,
		     updated_at = NOW()`,
		sub.UserID, sub.Provider, sub.ProviderSubscriptionID, sub.Status,
		sub.PlanID, sub.PlanName, sub.PriceAmountCents, sub.Currency, sub.BillingInterval,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAt, sub.CanceledAt,
		sub.CancellationReason, sub.CancellationFeedback, sub.CancellationComment,
		sub.IsLegacy,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription", err)
	}
	return nil
}

// CreateIfAbsent inserts a subscription row only if none exists for the
// natural provider key. Returns true if a row was created. Used by the
// auto-heal and discovery phases where a concurrent webhook may have already
// created the record (race-safe no-op).
func (r *SubscriptionRepo) CreateIfAbsent(ctx context.Context, sub *types.Subscription) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (
		     user_id, provider, provider_subscription_id, status,
		     plan_id, plan_name, price_amount_cents, currency, billing_interval,
		     current_period_start, current_period_end, is_legacy, created_at, updated_at
		 ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW(),NOW())
		 ON CONFLICT (provider, provider_subscription_id) DO NOTHING`,
		sub.UserID, sub.Provider, sub.ProviderSubscriptionID, sub.Status,
		sub.PlanID, sub.PlanName, sub.PriceAmountCents, sub.Currency, sub.BillingInterval,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.IsLegacy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetByProviderID fetches a subscription by its natural provider key.
// Returns a not-found AppError if no row exists.
func (r *SubscriptionRepo) GetByProviderID(ctx context.Context, provider types.Provider, providerSubID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE provider = $1 AND provider_subscription_id = $2`,
		provider, providerSubID,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to fetch subscription", err)
	}
	return sub, nil
}

// ListActiveByProvider returns the locally-active recurring subscriptions for
// one provider. Lifetime rows are excluded: they have no provider-side
// lifecycle to poll.
func (r *SubscriptionRepo) ListActiveByProvider(ctx context.Context, provider types.Provider) ([]*types.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE provider = $1 AND status = $2 AND plan_id <> $3
		 ORDER BY created_at`,
		provider, types.SubStatusActive, types.PlanLifetime,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list active subscriptions", err)
	}
	defer rows.Close()

	var subs []*types.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription row", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "subscription row iteration failed", err)
	}
	return subs, nil
}

// ExistsByProviderID reports whether a row exists for the natural provider key.
func (r *SubscriptionRepo) ExistsByProviderID(ctx context.Context, provider types.Provider, providerSubID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM subscriptions
		     WHERE provider = $1 AND provider_subscription_id = $2
		 )`,
		provider, providerSubID,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check subscription existence", err)
	}
	return exists, nil
}

// ListPendingRevocations returns canceled recurring subscriptions whose grace
// period ended before the cutoff and whose user still holds the paid role.
// Admins are excluded in the query itself.
//
// The grace end is the scheduled cancel_at when present, otherwise the last
// known period end, otherwise the cancellation instant.
func (r *SubscriptionRepo) ListPendingRevocations(ctx context.Context, cutoff time.Time) ([]*types.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+prefixColumns("s", subscriptionColumns)+`
		 FROM subscriptions s
		 JOIN profiles p ON p.id = s.user_id
		 WHERE s.status = $1
		   AND s.plan_id <> $2
		   AND p.role = $3
		   AND COALESCE(s.cancel_at, s.current_period_end, s.canceled_at) < $4
		 ORDER BY s.created_at`,
		types.SubStatusCanceled, types.PlanLifetime, types.RolePro, cutoff,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list pending revocations", err)
	}
	defer rows.Close()

	var subs []*types.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription row", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "subscription row iteration failed", err)
	}
	return subs, nil
}

// MarkCanceled records cancellation metadata on the row without touching
// plan/pricing fields. Access revocation is a separate, entitlement-level
// decision made by the caller.
func (r *SubscriptionRepo) MarkCanceled(
	ctx context.Context,
	provider types.Provider,
	providerSubID string,
	canceledAt time.Time,
	cancelAt *time.Time,
	reason types.CancellationReason,
) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $1,
		     canceled_at = $2,
		     cancel_at = $3,
		     cancellation_reason = $4,
		     updated_at = NOW()
		 WHERE provider = $5 AND provider_subscription_id = $6`,
		types.SubStatusCanceled, canceledAt, cancelAt, reason, provider, providerSubID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark subscription canceled", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// UpdateStatus sets the subscription status and refreshes the period end when
// provided. Used for past_due, paused, and reactivation transitions.
func (r *SubscriptionRepo) UpdateStatus(
	ctx context.Context,
	provider types.Provider,
	providerSubID string,
	status types.SubscriptionStatus,
	periodEnd *time.Time,
) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $1,
		     current_period_end = COALESCE($2, current_period_end),
		     updated_at = NOW()
		 WHERE provider = $3 AND provider_subscription_id = $4`,
		status, periodEnd, provider, providerSubID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// ClearCancellation reverses a recorded cancellation on reactivation: the
// status returns to active and all cancellation metadata is wiped.
func (r *SubscriptionRepo) ClearCancellation(ctx context.Context, provider types.Provider, providerSubID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $1,
		     canceled_at = NULL,
		     cancel_at = NULL,
		     cancellation_reason = NULL,
		     cancellation_feedback = NULL,
		     cancellation_comment = NULL,
		     updated_at = NOW()
		 WHERE provider = $2 AND provider_subscription_id = $3`,
		types.SubStatusActive, provider, providerSubID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to clear cancellation", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// prefixColumns qualifies each column in a comma-separated list with a table
// alias, for joined queries.
func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// scanSubscription reads one subscription row in subscriptionColumns order.
func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var sub types.Subscription
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.Provider, &sub.ProviderSubscriptionID, &sub.Status,
		&sub.PlanID, &sub.PlanName, &sub.PriceAmountCents, &sub.Currency, &sub.BillingInterval,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAt, &sub.CanceledAt,
		&sub.CancellationReason, &sub.CancellationFeedback, &sub.CancellationComment,
		&sub.IsLegacy, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
