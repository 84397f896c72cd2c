// Package scheduler implements the periodic reconciliation sweep for the
// AITextSpeak billing service.
//
// The sweep is the safety net under at-least-once webhook delivery. It runs
// three fault-isolated phases against each payment provider:
//
//  1. Sync: verify every locally-active recurring subscription against the
//     provider and converge local state, finishing any revocation whose grace
//     period has lapsed.
//  2. Auto-heal: find recent subscription payments in the ledger with no
//     subscription row (the activation webhook was dropped) and re-create the
//     missing rows.
//  3. Discovery: page through the provider's active subscriptions and record
//     any that are unknown locally, flagging the unattributable ones for
//     admin review.
//
// A failure in one phase or for one provider never aborts the rest; every
// phase reports its own error tally.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"aitextspeak/internal/billing"
	"aitextspeak/internal/db"
	"aitextspeak/internal/external"
	"aitextspeak/internal/types"
)

// maxDiscoveryPages bounds how many provider list pages one sweep walks, so a
// pagination bug upstream cannot spin the sweep forever.
const maxDiscoveryPages = 50

// SubscriptionStore is the subscription surface the sweep consumes.
type SubscriptionStore interface {
	ListActiveByProvider(ctx context.Context, provider types.Provider) ([]*types.Subscription, error)
	ListPendingRevocations(ctx context.Context, cutoff time.Time) ([]*types.Subscription, error)
	ExistsByProviderID(ctx context.Context, provider types.Provider, providerSubID string) (bool, error)
	CreateIfAbsent(ctx context.Context, sub *types.Subscription) (bool, error)
	MarkCanceled(ctx context.Context, provider types.Provider, providerSubID string, canceledAt time.Time, cancelAt *time.Time, reason types.CancellationReason) error
	UpdateStatus(ctx context.Context, provider types.Provider, providerSubID string, status types.SubscriptionStatus, periodEnd *time.Time) error
}

// LedgerStore is the payment history surface the auto-heal phase consumes.
type LedgerStore interface {
	ListOrphanSubscriptionPayments(ctx context.Context, cutoff time.Time) ([]db.OrphanPayment, error)
}

// ProfileStore reads users and writes the entitlement role.
type ProfileStore interface {
	GetByEmailInsensitive(ctx context.Context, email string) (*types.Profile, error)
	Grant(ctx context.Context, userID string, role types.UserRole) error
	Revoke(ctx context.Context, userID string) error
}

// AnomalyStore persists discovery findings that need a human.
type AnomalyStore interface {
	Record(ctx context.Context, anomaly *types.SweepAnomaly) error
}

// Sweeper runs the reconciliation sweep. It is driven both by the protected
// cron endpoint and by the in-process interval loop.
type Sweeper struct {
	subs      SubscriptionStore
	ledger    LedgerStore
	profiles  ProfileStore
	anomalies AnomalyStore
	providers []external.PaymentProvider

	graceSlop  time.Duration
	healWindow time.Duration
	logger     *slog.Logger
}

// SweeperConfig holds the configuration for creating a Sweeper.
type SweeperConfig struct {
	Subscriptions SubscriptionStore
	Ledger        LedgerStore
	Profiles      ProfileStore
	Anomalies     AnomalyStore
	Providers     []external.PaymentProvider

	// GraceSlop widens every grace end evaluated by the sweep. The cron
	// cadence is coarse; without slop a sweep running just after a period
	// end would revoke access the webhook path would still have granted.
	GraceSlop time.Duration
	// HealWindow bounds how far back auto-heal scans the ledger.
	HealWindow time.Duration

	Logger *slog.Logger
}

// NewSweeper creates a Sweeper with the given configuration.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		subs:       cfg.Subscriptions,
		ledger:     cfg.Ledger,
		profiles:   cfg.Profiles,
		anomalies:  cfg.Anomalies,
		providers:  cfg.Providers,
		graceSlop:  cfg.GraceSlop,
		healWindow: cfg.HealWindow,
		logger:     logger,
	}
}

// ProviderSyncReport tallies the sync phase for one provider.
type ProviderSyncReport struct {
	Provider types.Provider `json:"provider"`
	Checked  int            `json:"checked"`
	Skipped  int            `json:"skipped"`
	Synced   int            `json:"synced"`
	Canceled int            `json:"canceled"`
	Errors   int            `json:"errors"`
	// RevokedUserIDs lists users whose access the sync phase revoked.
	RevokedUserIDs []string `json:"revoked_user_ids,omitempty"`
}

// HealReport tallies the auto-heal phase.
type HealReport struct {
	Scanned int `json:"scanned"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// ProviderDiscoveryReport tallies the discovery phase for one provider.
type ProviderDiscoveryReport struct {
	Provider  types.Provider `json:"provider"`
	Listed    int            `json:"listed"`
	Created   int            `json:"created"`
	Anomalies int            `json:"anomalies"`
	Errors    int            `json:"errors"`
}

// SweepReport is the JSON summary returned by the cron endpoint and logged by
// the interval loop.
type SweepReport struct {
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`

	// RevokedUserIDs lists users revoked because a previously recorded
	// cancellation's grace period lapsed between sweeps.
	RevokedUserIDs []string `json:"revoked_user_ids,omitempty"`
	RevokeErrors   int      `json:"revoke_errors,omitempty"`

	Sync      []ProviderSyncReport      `json:"sync"`
	Heal      HealReport                `json:"heal"`
	Discovery []ProviderDiscoveryReport `json:"discovery"`
}

// Run executes one full sweep as of now and returns the report. Run never
// returns an error: each phase isolates its failures into the report.
func (s *Sweeper) Run(ctx context.Context, now time.Time) *SweepReport {
	started := time.Now()
	report := &SweepReport{StartedAt: now}

	s.revokeExpired(ctx, now, report)

	for _, provider := range s.providers {
		report.Sync = append(report.Sync, s.syncProvider(ctx, provider, now))
	}

	report.Heal = s.heal(ctx, now)

	for _, provider := range s.providers {
		report.Discovery = append(report.Discovery, s.discover(ctx, provider))
	}

	report.DurationMS = time.Since(started).Milliseconds()
	s.logger.InfoContext(ctx, "reconciliation sweep complete",
		"duration_ms", report.DurationMS,
		"revoked", len(report.RevokedUserIDs),
		"healed", report.Heal.Created,
	)
	return report
}

// revokeExpired finishes deferred revocations: subscriptions canceled earlier
// whose grace period has now lapsed. The webhook path records the
// cancellation; this is the only place a within-grace cancellation ever turns
// into a revocation.
func (s *Sweeper) revokeExpired(ctx context.Context, now time.Time, report *SweepReport) {
	// The slop is subtracted from the cutoff: a grace end must be at least
	// graceSlop in the past before the sweep acts on it.
	subs, err := s.subs.ListPendingRevocations(ctx, now.Add(-s.graceSlop))
	if err != nil {
		s.logger.ErrorContext(ctx, "listing pending revocations failed", "error", err)
		report.RevokeErrors++
		return
	}

	for _, sub := range subs {
		if err := s.profiles.Revoke(ctx, sub.UserID); err != nil {
			s.logger.ErrorContext(ctx, "deferred revocation failed",
				"user_id", sub.UserID, "error", err)
			report.RevokeErrors++
			continue
		}
		s.logger.InfoContext(ctx, "access revoked after grace period",
			"user_id", sub.UserID,
			"provider", sub.Provider,
			"subscription_id", sub.ProviderSubscriptionID,
		)
		report.RevokedUserIDs = append(report.RevokedUserIDs, sub.UserID)
	}
}

// syncProvider verifies every locally-active subscription for one provider
// against the provider's view and converges local state.
func (s *Sweeper) syncProvider(ctx context.Context, provider external.PaymentProvider, now time.Time) ProviderSyncReport {
	report := ProviderSyncReport{Provider: provider.Name()}

	subs, err := s.subs.ListActiveByProvider(ctx, provider.Name())
	if err != nil {
		s.logger.ErrorContext(ctx, "listing active subscriptions failed",
			"provider", provider.Name(), "error", err)
		report.Errors++
		return report
	}

	for _, sub := range subs {
		// One-time purchase identifiers (checkout sessions, captures) share
		// the table but have no provider-side lifecycle to poll.
		if !provider.IsSubscriptionID(sub.ProviderSubscriptionID) {
			report.Skipped++
			continue
		}
		report.Checked++

		remote, err := provider.GetSubscription(ctx, sub.ProviderSubscriptionID)
		if err != nil {
			if isNotFound(err) {
				// The provider no longer knows this subscription at all.
				// There is no period left to honor.
				s.cancelNow(ctx, &report, sub, now, types.CancelReasonProviderGone)
				continue
			}
			s.logger.ErrorContext(ctx, "provider lookup failed during sync",
				"provider", provider.Name(),
				"subscription_id", sub.ProviderSubscriptionID,
				"error", err,
			)
			report.Errors++
			continue
		}

		if remote.Active {
			s.syncActive(ctx, &report, sub, remote, now)
		} else {
			s.syncInactive(ctx, &report, sub, remote, now)
		}
	}

	return report
}

// syncActive converges a row whose provider-side subscription is still live:
// scheduled cancellations and period-end drift are written back.
func (s *Sweeper) syncActive(ctx context.Context, report *ProviderSyncReport, sub *types.Subscription, remote *external.ProviderSubscription, now time.Time) {
	if remote.CancelAtPeriodEnd || remote.CancelAt != nil {
		cancelAt := remote.CancelAt
		if cancelAt == nil {
			cancelAt = remoteEnd(remote, sub)
		}
		// Scheduled but not yet effective: metadata only, access retained.
		if err := s.subs.MarkCanceled(ctx, sub.Provider, sub.ProviderSubscriptionID, now, cancelAt, types.CancelReasonUser); err != nil {
			s.logger.ErrorContext(ctx, "recording scheduled cancellation failed",
				"subscription_id", sub.ProviderSubscriptionID, "error", err)
			report.Errors++
			return
		}
		s.logger.InfoContext(ctx, "scheduled cancellation recorded by sweep",
			"provider", sub.Provider,
			"subscription_id", sub.ProviderSubscriptionID,
			"cancel_at", cancelAt,
		)
		report.Synced++
		return
	}

	end := remoteEnd(remote, sub)
	if end != nil && (sub.CurrentPeriodEnd == nil || !end.Equal(*sub.CurrentPeriodEnd)) {
		if err := s.subs.UpdateStatus(ctx, sub.Provider, sub.ProviderSubscriptionID, types.SubStatusActive, end); err != nil {
			s.logger.ErrorContext(ctx, "refreshing period end failed",
				"subscription_id", sub.ProviderSubscriptionID, "error", err)
			report.Errors++
			return
		}
		report.Synced++
	}
}

// syncInactive converges a row the provider reports as no longer active. The
// grace rule, widened by the sweep slop, decides whether access goes now or
// on a later sweep. Grace derives from provider-reported times only; a lapsed
// subscription with no remote period left revokes in the same pass.
func (s *Sweeper) syncInactive(ctx context.Context, report *ProviderSyncReport, sub *types.Subscription, remote *external.ProviderSubscription, now time.Time) {
	reason := cancelReason(remote.Status)
	end := remoteOnlyEnd(remote)
	graceEnd := billing.GraceEnd(remote.CancelAt, end, now).Add(s.graceSlop)

	if !now.Before(graceEnd) {
		s.cancelNow(ctx, report, sub, now, reason)
		return
	}

	// Within grace: record the cancellation so revokeExpired picks it up
	// once the grace period lapses.
	cancelAt := remote.CancelAt
	if cancelAt == nil {
		cancelAt = end
	}
	if err := s.subs.MarkCanceled(ctx, sub.Provider, sub.ProviderSubscriptionID, now, cancelAt, reason); err != nil {
		s.logger.ErrorContext(ctx, "recording cancellation failed",
			"subscription_id", sub.ProviderSubscriptionID, "error", err)
		report.Errors++
		return
	}
	s.logger.InfoContext(ctx, "provider-side lapse recorded; access retained until grace end",
		"provider", sub.Provider,
		"subscription_id", sub.ProviderSubscriptionID,
		"remote_status", remote.Status,
	)
	report.Canceled++
}

// cancelNow marks the row canceled and revokes access in the same pass.
func (s *Sweeper) cancelNow(ctx context.Context, report *ProviderSyncReport, sub *types.Subscription, now time.Time, reason types.CancellationReason) {
	if err := s.subs.MarkCanceled(ctx, sub.Provider, sub.ProviderSubscriptionID, now, nil, reason); err != nil {
		s.logger.ErrorContext(ctx, "marking subscription canceled failed",
			"subscription_id", sub.ProviderSubscriptionID, "error", err)
		report.Errors++
		return
	}
	if err := s.profiles.Revoke(ctx, sub.UserID); err != nil {
		s.logger.ErrorContext(ctx, "revoking access failed",
			"user_id", sub.UserID, "error", err)
		report.Errors++
		return
	}
	s.logger.InfoContext(ctx, "subscription canceled and access revoked by sweep",
		"provider", sub.Provider,
		"subscription_id", sub.ProviderSubscriptionID,
		"user_id", sub.UserID,
		"reason", reason,
	)
	report.Canceled++
	report.RevokedUserIDs = append(report.RevokedUserIDs, sub.UserID)
}

// heal re-creates subscription rows for recent subscription payments whose
// activation webhook never landed.
func (s *Sweeper) heal(ctx context.Context, now time.Time) HealReport {
	report := HealReport{}

	orphans, err := s.ledger.ListOrphanSubscriptionPayments(ctx, now.Add(-s.healWindow))
	if err != nil {
		s.logger.ErrorContext(ctx, "listing orphan payments failed", "error", err)
		report.Errors++
		return report
	}
	report.Scanned = len(orphans)

	byName := s.providersByName()
	for _, orphan := range orphans {
		provider, ok := byName[orphan.Gateway]
		if !ok {
			// No client configured for this gateway (legacy account retired).
			report.Skipped++
			continue
		}
		if !provider.IsSubscriptionID(orphan.GatewayIdentifier) {
			report.Skipped++
			continue
		}

		remote, err := provider.GetSubscription(ctx, orphan.GatewayIdentifier)
		if err != nil {
			if isNotFound(err) {
				s.logger.WarnContext(ctx, "orphan payment references a subscription the provider no longer has",
					"gateway", orphan.Gateway,
					"gateway_identifier", orphan.GatewayIdentifier,
				)
				report.Skipped++
				continue
			}
			s.logger.ErrorContext(ctx, "provider lookup failed during heal",
				"gateway_identifier", orphan.GatewayIdentifier, "error", err)
			report.Errors++
			continue
		}

		created, err := s.subs.CreateIfAbsent(ctx, &types.Subscription{
			UserID:                 orphan.UserID,
			Provider:               orphan.Gateway,
			ProviderSubscriptionID: orphan.GatewayIdentifier,
			Status:                 statusFromRemote(remote),
			PlanID:                 remote.PlanID,
			PlanName:               coalesce(remote.PlanName, orphan.ItemName),
			PriceAmountCents:       orphan.AmountCents,
			Currency:               orphan.Currency,
			BillingInterval:        remote.Interval,
			CurrentPeriodStart:     remote.CurrentPeriodStart,
			CurrentPeriodEnd:       remoteEnd(remote, nil),
			IsLegacy:               orphan.Gateway == types.ProviderPayPalLegacy,
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "re-creating subscription failed",
				"gateway_identifier", orphan.GatewayIdentifier, "error", err)
			report.Errors++
			continue
		}
		if !created {
			// A webhook landed between the orphan query and now.
			report.Skipped++
			continue
		}

		if remote.Active {
			if err := s.profiles.Grant(ctx, orphan.UserID, types.RolePro); err != nil {
				s.logger.ErrorContext(ctx, "granting role during heal failed",
					"user_id", orphan.UserID, "error", err)
				report.Errors++
				continue
			}
		}
		s.logger.InfoContext(ctx, "healed missing subscription from ledger",
			"gateway", orphan.Gateway,
			"gateway_identifier", orphan.GatewayIdentifier,
			"user_id", orphan.UserID,
		)
		report.Created++
	}

	return report
}

// discover pages through the provider's active subscriptions and records any
// unknown locally. Unattributable ones become anomalies for admin review.
func (s *Sweeper) discover(ctx context.Context, provider external.PaymentProvider) ProviderDiscoveryReport {
	report := ProviderDiscoveryReport{Provider: provider.Name()}

	cursor := ""
	for page := 0; page < maxDiscoveryPages; page++ {
		remotes, next, err := provider.ListActiveSubscriptions(ctx, cursor)
		if err != nil {
			s.logger.ErrorContext(ctx, "listing provider subscriptions failed",
				"provider", provider.Name(), "error", err)
			report.Errors++
			return report
		}

		for _, remote := range remotes {
			report.Listed++
			s.discoverOne(ctx, &report, provider, remote)
		}

		if next == "" {
			break
		}
		cursor = next
	}

	return report
}

func (s *Sweeper) discoverOne(ctx context.Context, report *ProviderDiscoveryReport, provider external.PaymentProvider, remote *external.ProviderSubscription) {
	exists, err := s.subs.ExistsByProviderID(ctx, provider.Name(), remote.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "existence check failed during discovery",
			"subscription_id", remote.ID, "error", err)
		report.Errors++
		return
	}
	if exists {
		return
	}

	// The provider is charging someone we have no record of. Attribution
	// goes through the payer email; there is no checkout correlation id to
	// recover at this point.
	var userID string
	if remote.CustomerEmail != "" {
		profile, err := s.profiles.GetByEmailInsensitive(ctx, remote.CustomerEmail)
		if err == nil {
			userID = profile.UserID
		} else if !isNotFound(err) {
			report.Errors++
			return
		}
	}

	if userID == "" {
		if err := s.anomalies.Record(ctx, &types.SweepAnomaly{
			Provider:               provider.Name(),
			ProviderSubscriptionID: remote.ID,
			CustomerEmail:          remote.CustomerEmail,
			Detail:                 "active at provider with no local subscription and no matching user",
		}); err != nil {
			s.logger.ErrorContext(ctx, "recording anomaly failed",
				"subscription_id", remote.ID, "error", err)
			report.Errors++
			return
		}
		s.logger.WarnContext(ctx, "unattributable provider subscription recorded for review",
			"provider", provider.Name(),
			"subscription_id", remote.ID,
		)
		report.Anomalies++
		return
	}

	created, err := s.subs.CreateIfAbsent(ctx, &types.Subscription{
		UserID:                 userID,
		Provider:               provider.Name(),
		ProviderSubscriptionID: remote.ID,
		Status:                 types.SubStatusActive,
		PlanID:                 remote.PlanID,
		PlanName:               remote.PlanName,
		PriceAmountCents:       remote.PriceAmountCents,
		Currency:               remote.Currency,
		BillingInterval:        remote.Interval,
		CurrentPeriodStart:     remote.CurrentPeriodStart,
		CurrentPeriodEnd:       remoteEnd(remote, nil),
		IsLegacy:               provider.Name() == types.ProviderPayPalLegacy,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "recording discovered subscription failed",
			"subscription_id", remote.ID, "error", err)
		report.Errors++
		return
	}
	if !created {
		return
	}

	if err := s.profiles.Grant(ctx, userID, types.RolePro); err != nil {
		s.logger.ErrorContext(ctx, "granting role during discovery failed",
			"user_id", userID, "error", err)
		report.Errors++
		return
	}
	s.logger.InfoContext(ctx, "recorded subscription discovered at provider",
		"provider", provider.Name(),
		"subscription_id", remote.ID,
		"user_id", userID,
	)
	report.Created++
}

// RunLoop executes the sweep every interval until ctx is canceled. The first
// run happens one full interval after startup; the cron endpoint covers the
// gap and a restart never stampedes the providers. onComplete, if non-nil,
// receives every report (metrics publication).
func (s *Sweeper) RunLoop(ctx context.Context, interval time.Duration, onComplete func(context.Context, *SweepReport)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "reconciliation loop started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "reconciliation loop stopped")
			return
		case <-ticker.C:
			report := s.Run(ctx, time.Now().UTC())
			if onComplete != nil {
				onComplete(ctx, report)
			}
		}
	}
}

func (s *Sweeper) providersByName() map[types.Provider]external.PaymentProvider {
	byName := make(map[types.Provider]external.PaymentProvider, len(s.providers))
	for _, p := range s.providers {
		byName[p.Name()] = p
	}
	return byName
}

// remoteOnlyEnd picks the provider-reported period end with no local
// fallback. An inactive subscription gets no credit from a stale local row.
func remoteOnlyEnd(remote *external.ProviderSubscription) *time.Time {
	if remote.CurrentPeriodEnd != nil {
		return remote.CurrentPeriodEnd
	}
	return remote.NextBillingTime
}

// remoteEnd picks the provider's period end, falling back to the next billing
// time (PayPal) and then the local row's period end.
func remoteEnd(remote *external.ProviderSubscription, local *types.Subscription) *time.Time {
	if remote.CurrentPeriodEnd != nil {
		return remote.CurrentPeriodEnd
	}
	if remote.NextBillingTime != nil {
		return remote.NextBillingTime
	}
	if local != nil {
		return local.CurrentPeriodEnd
	}
	return nil
}

// cancelReason classifies a provider-reported inactive status.
func cancelReason(remoteStatus string) types.CancellationReason {
	switch strings.ToLower(remoteStatus) {
	case "suspended", "past_due", "unpaid":
		return types.CancelReasonPaymentFailed
	case "expired", "incomplete_expired":
		return types.CancelReasonExpired
	default:
		return types.CancelReasonUser
	}
}

func statusFromRemote(remote *external.ProviderSubscription) types.SubscriptionStatus {
	if remote.Active {
		return types.SubStatusActive
	}
	return types.SubStatusCanceled
}

func coalesce(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func isNotFound(err error) bool {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == types.ErrCodeNotFoundSubscription || appErr.Code == types.ErrCodeNotFoundUser
}
