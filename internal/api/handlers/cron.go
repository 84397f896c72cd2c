package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"aitextspeak/internal/core"
	"aitextspeak/internal/scheduler"
	"aitextspeak/internal/types"
)

// SweepRunner is the reconciliation core as the cron endpoint sees it.
type SweepRunner interface {
	Run(ctx context.Context, now time.Time) *scheduler.SweepReport
}

// SweepRecorder publishes sweep outcome metrics. May be nil.
type SweepRecorder interface {
	SweepCompleted(ctx context.Context, report *scheduler.SweepReport)
}

// CronHandler exposes the reconciliation sweep to the external cron caller.
// The endpoint is guarded by the cron bearer secret, not the internal API
// key; the cron service holds no other credentials.
type CronHandler struct {
	sweeper SweepRunner
	metrics SweepRecorder
	logger  *slog.Logger
}

// NewCronHandler creates a CronHandler. metrics may be nil.
func NewCronHandler(sweeper SweepRunner, metrics SweepRecorder, logger *slog.Logger) *CronHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CronHandler{sweeper: sweeper, metrics: metrics, logger: logger}
}

// RegisterRoutes mounts the reconcile endpoint behind the cron secret.
// Both GET and POST are accepted; cron services differ on which they send.
func (h *CronHandler) RegisterRoutes(r chi.Router, secret types.SecretString) {
	guard := core.RequireCronSecret(secret)
	r.With(guard).Get("/internal/cron/reconcile", h.HandleReconcile)
	r.With(guard).Post("/internal/cron/reconcile", h.HandleReconcile)
}

// HandleReconcile runs one full sweep synchronously and returns the report.
// The sweep never fails as a whole; per-item failures are tallied inside the
// report, so this endpoint always answers 200 once authorized.
func (h *CronHandler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	report := h.sweeper.Run(r.Context(), time.Now().UTC())

	if h.metrics != nil {
		h.metrics.SweepCompleted(r.Context(), report)
	}

	h.logger.InfoContext(r.Context(), "reconciliation sweep completed",
		"duration_ms", report.DurationMS,
		"revoked", len(report.RevokedUserIDs),
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: report})
}
