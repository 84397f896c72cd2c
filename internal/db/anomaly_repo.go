package db

import (
	"context"
	"log/slog"

	"aitextspeak/internal/types"
)

// AnomalyRepo persists provider-side subscriptions the discovery phase could
// not attribute to any local user, for later admin review.
type AnomalyRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewAnomalyRepo creates an AnomalyRepo.
func NewAnomalyRepo(db DBTX, logger *slog.Logger) *AnomalyRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnomalyRepo{db: db, logger: logger}
}

// Record stores an anomaly. Repeated sweeps hitting the same unattributable
// subscription refresh the detail instead of accumulating duplicate rows.
func (r *AnomalyRepo) Record(ctx context.Context, a *types.SweepAnomaly) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO sweep_anomalies (
		     provider, provider_subscription_id, customer_email, detail, created_at
		 ) VALUES ($1,$2,$3,$4,NOW())
		 ON CONFLICT (provider, provider_subscription_id) DO UPDATE SET
		     customer_email = EXCLUDED.customer_email,
		     detail = EXCLUDED.detail`,
		a.Provider, a.ProviderSubscriptionID, a.CustomerEmail, a.Detail,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record sweep anomaly", err)
	}
	return nil
}

// List returns the most recent anomalies, newest first.
func (r *AnomalyRepo) List(ctx context.Context, limit int) ([]*types.SweepAnomaly, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, provider, provider_subscription_id, customer_email, detail, created_at
		 FROM sweep_anomalies
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list sweep anomalies", err)
	}
	defer rows.Close()

	var anomalies []*types.SweepAnomaly
	for rows.Next() {
		var a types.SweepAnomaly
		if err := rows.Scan(&a.ID, &a.Provider, &a.ProviderSubscriptionID,
			&a.CustomerEmail, &a.Detail, &a.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan anomaly row", err)
		}
		anomalies = append(anomalies, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "anomaly row iteration failed", err)
	}
	return anomalies, nil
}
