package db

import (
	"context"
	"log/slog"
	"time"

	"aitextspeak/internal/types"
)

// PaymentRepo manages the append-only payment_history ledger.
//
// Insert enforces the three-layer dedup guard that keeps the ledger
// exactly-once in the face of at-least-once webhook delivery and a
// concurrently running reconciliation sweep:
//  1. Reject when a row with the same gateway_identifier already exists.
//  2. Reject when a row for the same (user_id, amount_cents) was inserted
//     within the dedup window (two providers/events describing the same
//     human transaction with different identifiers).
//  3. Insert; a unique-constraint violation from the store is reclassified
//     as a successful duplicate detection, not an error (race between
//     concurrent deliveries).
type PaymentRepo struct {
	db          DBTX
	dedupWindow time.Duration
	logger      *slog.Logger
}

// DefaultDedupWindow is the (user, amount) heuristic guard applied when no
// explicit window is configured.
const DefaultDedupWindow = 5 * time.Minute

// NewPaymentRepo creates a PaymentRepo. A non-positive dedupWindow falls back
// to DefaultDedupWindow.
func NewPaymentRepo(db DBTX, dedupWindow time.Duration, logger *slog.Logger) *PaymentRepo {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentRepo{db: db, dedupWindow: dedupWindow, logger: logger}
}

// InsertResult reports the outcome of a ledger insert.
type InsertResult struct {
	// Inserted is true when a new row was written.
	Inserted bool
	// Duplicate is true when the record was recognized as already ledgered.
	// Inserted and Duplicate are mutually exclusive.
	Duplicate bool
}

// Insert appends a payment record, applying the dedup guard described on the
// type. Duplicate detection is success, not failure: handlers must not
// trigger provider redelivery for an already-ledgered event.
func (r *PaymentRepo) Insert(ctx context.Context, p *types.PaymentRecord) (InsertResult, error) {
	// Layer 1: natural-key existence check.
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM payment_history WHERE gateway_identifier = $1
		 )`,
		p.GatewayIdentifier,
	).Scan(&exists)
	if err != nil {
		return InsertResult{}, types.NewAppError(types.ErrCodeInternalDB, "failed to check ledger for duplicate identifier", err)
	}
	if exists {
		r.logger.InfoContext(ctx, "ledger insert skipped: gateway identifier already recorded",
			"gateway_identifier", p.GatewayIdentifier,
			"user_id", p.UserID,
		)
		return InsertResult{Duplicate: true}, nil
	}

	// Layer 2: (user, amount) time-window heuristic. Failed payments are
	// exempt: a burst of retries legitimately produces several rows.
	if p.TransactionType != types.TxnPaymentFailed {
		err = r.db.QueryRow(ctx,
			`SELECT EXISTS (
			     SELECT 1 FROM payment_history
			     WHERE user_id = $1 AND amount_cents = $2 AND created_at > $3
			 )`,
			p.UserID, p.AmountCents, time.Now().UTC().Add(-r.dedupWindow),
		).Scan(&exists)
		if err != nil {
			return InsertResult{}, types.NewAppError(types.ErrCodeInternalDB, "failed to check ledger dedup window", err)
		}
		if exists {
			r.logger.InfoContext(ctx, "ledger insert skipped: same user and amount within dedup window",
				"user_id", p.UserID,
				"amount_cents", p.AmountCents,
				"window", r.dedupWindow.String(),
			)
			return InsertResult{Duplicate: true}, nil
		}
	}

	// Layer 3: insert, reclassifying a unique violation as duplicate success.
	_, err = r.db.Exec(ctx,
		`INSERT INTO payment_history (
		     user_id, transaction_type, gateway, gateway_identifier,
		     gateway_event_id, amount_cents, currency, item_name, created_at
		 ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())`,
		p.UserID, p.TransactionType, p.Gateway, p.GatewayIdentifier,
		p.GatewayEventID, p.AmountCents, p.Currency, p.ItemName,
	)
	if err != nil {
		if isUniqueViolation(err) {
			r.logger.InfoContext(ctx, "ledger insert raced a concurrent delivery; treating as duplicate",
				"gateway_identifier", p.GatewayIdentifier,
			)
			return InsertResult{Duplicate: true}, nil
		}
		return InsertResult{}, types.NewAppError(types.ErrCodeInternalDB, "failed to insert payment record", err)
	}

	return InsertResult{Inserted: true}, nil
}

// OrphanPayment is a recent subscription payment with no matching
// subscriptions row: the charge succeeded but the activation webhook was
// dropped. Auto-heal re-creates the missing subscription from it.
type OrphanPayment struct {
	UserID            string
	Gateway           types.Provider
	GatewayIdentifier string
	AmountCents       int64
	Currency          string
	ItemName          string
	CreatedAt         time.Time
}

// ListOrphanSubscriptionPayments returns subscription-type ledger rows newer
// than the cutoff whose gateway identifier has no subscriptions row.
func (r *PaymentRepo) ListOrphanSubscriptionPayments(ctx context.Context, cutoff time.Time) ([]OrphanPayment, error) {
	rows, err := r.db.Query(ctx,
		`SELECT ph.user_id, ph.gateway, ph.gateway_identifier,
		        ph.amount_cents, ph.currency, ph.item_name, ph.created_at
		 FROM payment_history ph
		 LEFT JOIN subscriptions s
		   ON s.provider = ph.gateway
		  AND s.provider_subscription_id = ph.gateway_identifier
		 WHERE ph.transaction_type = $1
		   AND ph.created_at > $2
		   AND s.id IS NULL
		 ORDER BY ph.created_at`,
		types.TxnSubscription, cutoff,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list orphan subscription payments", err)
	}
	defer rows.Close()

	var orphans []OrphanPayment
	for rows.Next() {
		var o OrphanPayment
		if err := rows.Scan(&o.UserID, &o.Gateway, &o.GatewayIdentifier,
			&o.AmountCents, &o.Currency, &o.ItemName, &o.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan orphan payment row", err)
		}
		orphans = append(orphans, o)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "orphan payment iteration failed", err)
	}
	return orphans, nil
}
