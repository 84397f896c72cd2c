package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"aitextspeak/internal/db"
	"aitextspeak/internal/types"
)

// SubscriptionStore is the slice of the subscription repository the billing
// core consumes.
type SubscriptionStore interface {
	Upsert(ctx context.Context, sub *types.Subscription) error
	CreateIfAbsent(ctx context.Context, sub *types.Subscription) (bool, error)
	GetByProviderID(ctx context.Context, provider types.Provider, providerSubID string) (*types.Subscription, error)
	MarkCanceled(ctx context.Context, provider types.Provider, providerSubID string, canceledAt time.Time, cancelAt *time.Time, reason types.CancellationReason) error
	UpdateStatus(ctx context.Context, provider types.Provider, providerSubID string, status types.SubscriptionStatus, periodEnd *time.Time) error
	ClearCancellation(ctx context.Context, provider types.Provider, providerSubID string) error
}

// Ledger is the payment history surface the billing core consumes.
type Ledger interface {
	Insert(ctx context.Context, p *types.PaymentRecord) (db.InsertResult, error)
}

// ProfileStore reads users and writes the entitlement role.
type ProfileStore interface {
	GetByID(ctx context.Context, userID string) (*types.Profile, error)
	GetByEmailInsensitive(ctx context.Context, email string) (*types.Profile, error)
	Grant(ctx context.Context, userID string, role types.UserRole) error
	Revoke(ctx context.Context, userID string) error
}

// Notifier dispatches billing emails. Implementations are best-effort:
// delivery failure must never fail the billing mutation, so the methods
// return nothing and log internally.
type Notifier interface {
	Welcome(ctx context.Context, email, planName string)
	PaymentFailed(ctx context.Context, email, planName string)
	AdminNewSubscription(ctx context.Context, provider types.Provider, subscriptionID, email, planName string)
	AdminCancellation(ctx context.Context, provider types.Provider, subscriptionID string, reason types.CancellationReason)
}

// Metrics records billing event outcomes. Implementations must tolerate a nil
// receiver being avoided at the call site; the service checks for nil.
type Metrics interface {
	EventApplied(ctx context.Context, provider types.Provider, kind EventKind, outcome string)
}

// Event application outcomes reported to Metrics.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
)

// Service applies normalized billing events to local state. It is the single
// write path shared by all webhook ingestors and the reconciliation sweep, so
// every mutation goes through the same idempotency and entitlement rules.
type Service struct {
	subs     SubscriptionStore
	ledger   Ledger
	profiles ProfileStore
	notifier Notifier
	metrics  Metrics
	logger   *slog.Logger
}

// NewService creates a billing Service. notifier and metrics may be nil.
func NewService(
	subs SubscriptionStore,
	ledger Ledger,
	profiles ProfileStore,
	notifier Notifier,
	metrics Metrics,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		subs:     subs,
		ledger:   ledger,
		profiles: profiles,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
	}
}

// Apply dispatches one event to its handler. now is injected so the grace
// rule is deterministic under test and so the sweep can evaluate "as of" a
// single instant across a batch.
func (s *Service) Apply(ctx context.Context, ev *Event, now time.Time) error {
	if ev == nil {
		return nil
	}

	var err error
	switch ev.Kind {
	case EventActivation:
		err = s.applyActivation(ctx, ev)
	case EventRenewal:
		err = s.applyRenewal(ctx, ev)
	case EventCancellation:
		err = s.applyCancellation(ctx, ev, now)
	case EventPaymentFailed:
		err = s.applyPaymentFailed(ctx, ev)
	case EventReactivation:
		err = s.applyReactivation(ctx, ev)
	case EventOneTime:
		err = s.applyOneTime(ctx, ev)
	default:
		err = types.NewAppError(types.ErrCodeValidationInvalidEvent, "unknown event kind "+string(ev.Kind), nil)
	}

	if err != nil {
		s.record(ctx, ev, OutcomeError)
		return err
	}
	return nil
}

func (s *Service) record(ctx context.Context, ev *Event, outcome string) {
	if s.metrics != nil {
		s.metrics.EventApplied(ctx, ev.Provider, ev.Kind, outcome)
	}
}

// resolveUser finds the user an event belongs to, in preference order: the
// correlation id stamped at checkout, the existing subscription row, then the
// payer email. Failure to attribute is ErrCodeEventNoUser so the ingestor can
// answer 422 and the provider retries once metadata race conditions settle.
func (s *Service) resolveUser(ctx context.Context, ev *Event) (string, error) {
	if ev.UserID != "" {
		return ev.UserID, nil
	}

	if ev.SubscriptionID != "" {
		sub, err := s.subs.GetByProviderID(ctx, ev.Provider, ev.SubscriptionID)
		if err == nil && sub.UserID != "" {
			return sub.UserID, nil
		}
		if err != nil && !isNotFound(err) {
			return "", err
		}
	}

	if ev.CustomerEmail != "" {
		profile, err := s.profiles.GetByEmailInsensitive(ctx, ev.CustomerEmail)
		if err == nil {
			return profile.UserID, nil
		}
		if !isNotFound(err) {
			return "", err
		}
	}

	return "", types.NewAppErrorWithDetails(types.ErrCodeEventNoUser,
		"event cannot be attributed to a user", nil,
		map[string]any{
			"provider":        ev.Provider,
			"event_id":        ev.EventID,
			"subscription_id": ev.SubscriptionID,
		})
}

func (s *Service) applyActivation(ctx context.Context, ev *Event) error {
	userID, err := s.resolveUser(ctx, ev)
	if err != nil {
		return err
	}

	sub := &types.Subscription{
		UserID:                 userID,
		Provider:               ev.Provider,
		ProviderSubscriptionID: ev.SubscriptionID,
		Status:                 ev.Status,
		PlanID:                 ev.PlanID,
		PlanName:               ev.PlanName,
		PriceAmountCents:       ev.AmountCents,
		Currency:               ev.Currency,
		BillingInterval:        ev.Interval,
		CurrentPeriodStart:     ev.PeriodStart,
		CurrentPeriodEnd:       ev.PeriodEnd,
		IsLegacy:               ev.Provider == types.ProviderPayPalLegacy,
	}
	if err := s.subs.Upsert(ctx, sub); err != nil {
		return err
	}

	// A not-yet-active activation (approval pending) records the row and
	// stops. No money moved, no entitlement changes.
	if ev.Status != types.SubStatusActive {
		s.logger.InfoContext(ctx, "recorded pending subscription",
			"provider", ev.Provider, "subscription_id", ev.SubscriptionID)
		s.record(ctx, ev, OutcomeApplied)
		return nil
	}

	res, err := s.ledger.Insert(ctx, &types.PaymentRecord{
		UserID:            userID,
		TransactionType:   types.TxnSubscription,
		Gateway:           ev.Provider,
		GatewayIdentifier: ev.PaymentID,
		GatewayEventID:    ev.EventID,
		AmountCents:       ev.AmountCents,
		Currency:          ev.Currency,
		ItemName:          ev.PlanName,
	})
	if err != nil {
		return err
	}

	if err := s.profiles.Grant(ctx, userID, types.RolePro); err != nil {
		return err
	}

	if res.Inserted {
		if s.notifier != nil {
			s.notifier.Welcome(ctx, ev.CustomerEmail, ev.PlanName)
			s.notifier.AdminNewSubscription(ctx, ev.Provider, ev.SubscriptionID, ev.CustomerEmail, ev.PlanName)
		}
		s.record(ctx, ev, OutcomeApplied)
	} else {
		s.logger.InfoContext(ctx, "activation already ledgered; state converged without side effects",
			"provider", ev.Provider, "subscription_id", ev.SubscriptionID)
		s.record(ctx, ev, OutcomeDuplicate)
	}
	return nil
}

func (s *Service) applyRenewal(ctx context.Context, ev *Event) error {
	userID, err := s.resolveUser(ctx, ev)
	if err != nil {
		return err
	}

	res, err := s.ledger.Insert(ctx, &types.PaymentRecord{
		UserID:            userID,
		TransactionType:   types.TxnRenewal,
		Gateway:           ev.Provider,
		GatewayIdentifier: ev.PaymentID,
		GatewayEventID:    ev.EventID,
		AmountCents:       ev.AmountCents,
		Currency:          ev.Currency,
		ItemName:          ev.PlanName,
	})
	if err != nil {
		return err
	}

	// Status and entitlement converge regardless of whether the ledger row
	// was new: a renewal asserts the subscription is paid up.
	if err := s.subs.UpdateStatus(ctx, ev.Provider, ev.SubscriptionID, types.SubStatusActive, ev.PeriodEnd); err != nil {
		if isNotFound(err) {
			// The activation webhook never arrived. The ledger row above is
			// exactly what the auto-heal phase looks for.
			s.logger.WarnContext(ctx, "renewal for unknown subscription; ledgered for auto-heal",
				"provider", ev.Provider, "subscription_id", ev.SubscriptionID)
			s.record(ctx, ev, OutcomeApplied)
			return nil
		}
		return err
	}

	if err := s.profiles.Grant(ctx, userID, types.RolePro); err != nil {
		return err
	}

	if res.Duplicate {
		s.record(ctx, ev, OutcomeDuplicate)
	} else {
		s.record(ctx, ev, OutcomeApplied)
	}
	return nil
}

func (s *Service) applyCancellation(ctx context.Context, ev *Event, now time.Time) error {
	// Pause is a soft stop: the status changes, the role stays until the
	// provider reports a real cancellation or the sweep sees it lapse.
	if ev.Status == types.SubStatusPaused {
		if err := s.subs.UpdateStatus(ctx, ev.Provider, ev.SubscriptionID, types.SubStatusPaused, ev.PeriodEnd); err != nil {
			if isNotFound(err) {
				s.logger.WarnContext(ctx, "pause for unknown subscription ignored",
					"provider", ev.Provider, "subscription_id", ev.SubscriptionID)
				s.record(ctx, ev, OutcomeSkipped)
				return nil
			}
			return err
		}
		s.record(ctx, ev, OutcomeApplied)
		return nil
	}

	err := s.subs.MarkCanceled(ctx, ev.Provider, ev.SubscriptionID, ev.OccurredAt, ev.CancelAt, ev.Reason)
	if err != nil {
		if isNotFound(err) {
			// Cancellation of a subscription we never recorded. Nothing to
			// revoke; log and acknowledge so the provider stops redelivering.
			s.logger.WarnContext(ctx, "cancellation for unknown subscription ignored",
				"provider", ev.Provider, "subscription_id", ev.SubscriptionID)
			s.record(ctx, ev, OutcomeSkipped)
			return nil
		}
		return err
	}

	sub, err := s.subs.GetByProviderID(ctx, ev.Provider, ev.SubscriptionID)
	if err != nil {
		return err
	}

	if s.notifier != nil {
		s.notifier.AdminCancellation(ctx, ev.Provider, ev.SubscriptionID, ev.Reason)
	}

	if !GraceExpired(sub.CancelAt, sub.CurrentPeriodEnd, now) {
		s.logger.InfoContext(ctx, "cancellation recorded; access retained until grace end",
			"provider", ev.Provider,
			"subscription_id", ev.SubscriptionID,
			"grace_end", GraceEnd(sub.CancelAt, sub.CurrentPeriodEnd, now),
		)
		s.record(ctx, ev, OutcomeApplied)
		return nil
	}

	if err := s.profiles.Revoke(ctx, sub.UserID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "access revoked on cancellation",
		"provider", ev.Provider,
		"subscription_id", ev.SubscriptionID,
		"user_id", sub.UserID,
		"reason", ev.Reason,
	)
	s.record(ctx, ev, OutcomeApplied)
	return nil
}

func (s *Service) applyPaymentFailed(ctx context.Context, ev *Event) error {
	userID, err := s.resolveUser(ctx, ev)
	if err != nil {
		return err
	}

	// A failed payment never revokes access. The provider duns and either
	// recovers (renewal arrives) or gives up (cancellation arrives).
	if err := s.subs.UpdateStatus(ctx, ev.Provider, ev.SubscriptionID, types.SubStatusPastDue, nil); err != nil {
		if !isNotFound(err) {
			return err
		}
		s.logger.WarnContext(ctx, "payment failure for unknown subscription",
			"provider", ev.Provider, "subscription_id", ev.SubscriptionID)
	}

	if _, err := s.ledger.Insert(ctx, &types.PaymentRecord{
		UserID:            userID,
		TransactionType:   types.TxnPaymentFailed,
		Gateway:           ev.Provider,
		GatewayIdentifier: ev.PaymentID,
		GatewayEventID:    ev.EventID,
		AmountCents:       ev.AmountCents,
		Currency:          ev.Currency,
		ItemName:          ev.PlanName,
	}); err != nil {
		return err
	}

	if s.notifier != nil && ev.CustomerEmail != "" {
		s.notifier.PaymentFailed(ctx, ev.CustomerEmail, ev.PlanName)
	}
	s.record(ctx, ev, OutcomeApplied)
	return nil
}

func (s *Service) applyReactivation(ctx context.Context, ev *Event) error {
	if err := s.subs.ClearCancellation(ctx, ev.Provider, ev.SubscriptionID); err != nil {
		if isNotFound(err) {
			s.logger.WarnContext(ctx, "reactivation for unknown subscription ignored",
				"provider", ev.Provider, "subscription_id", ev.SubscriptionID)
			s.record(ctx, ev, OutcomeSkipped)
			return nil
		}
		return err
	}

	userID, err := s.resolveUser(ctx, ev)
	if err != nil {
		return err
	}
	if err := s.profiles.Grant(ctx, userID, types.RolePro); err != nil {
		return err
	}
	s.record(ctx, ev, OutcomeApplied)
	return nil
}

func (s *Service) applyOneTime(ctx context.Context, ev *Event) error {
	userID, err := s.resolveUser(ctx, ev)
	if err != nil {
		return err
	}

	// Lifetime purchases get a subscription row for uniform entitlement
	// queries, with no period end and no renewal lifecycle.
	created, err := s.subs.CreateIfAbsent(ctx, &types.Subscription{
		UserID:                 userID,
		Provider:               ev.Provider,
		ProviderSubscriptionID: ev.SubscriptionID,
		Status:                 types.SubStatusActive,
		PlanID:                 types.PlanLifetime,
		PlanName:               ev.PlanName,
		PriceAmountCents:       ev.AmountCents,
		Currency:               ev.Currency,
		BillingInterval:        types.IntervalNone,
		IsLegacy:               ev.Provider == types.ProviderPayPalLegacy,
	})
	if err != nil {
		return err
	}

	res, err := s.ledger.Insert(ctx, &types.PaymentRecord{
		UserID:            userID,
		TransactionType:   types.TxnOneTime,
		Gateway:           ev.Provider,
		GatewayIdentifier: ev.PaymentID,
		GatewayEventID:    ev.EventID,
		AmountCents:       ev.AmountCents,
		Currency:          ev.Currency,
		ItemName:          ev.PlanName,
	})
	if err != nil {
		return err
	}

	if err := s.profiles.Grant(ctx, userID, types.RolePro); err != nil {
		return err
	}

	if created && res.Inserted {
		if s.notifier != nil {
			s.notifier.Welcome(ctx, ev.CustomerEmail, ev.PlanName)
			s.notifier.AdminNewSubscription(ctx, ev.Provider, ev.SubscriptionID, ev.CustomerEmail, ev.PlanName)
		}
		s.record(ctx, ev, OutcomeApplied)
	} else {
		s.record(ctx, ev, OutcomeDuplicate)
	}
	return nil
}

// isNotFound reports whether err is a not-found AppError of any flavor.
func isNotFound(err error) bool {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == types.ErrCodeNotFoundSubscription || appErr.Code == types.ErrCodeNotFoundUser
}
