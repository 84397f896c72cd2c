package scheduler

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"aitextspeak/internal/db"
	"aitextspeak/internal/external"
	"aitextspeak/internal/types"
)

// --- mocks ---

type mockSubStore struct {
	mock.Mock
}

func (m *mockSubStore) ListActiveByProvider(ctx context.Context, provider types.Provider) ([]*types.Subscription, error) {
	args := m.Called(ctx, provider)
	if subs := args.Get(0); subs != nil {
		return subs.([]*types.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSubStore) ListPendingRevocations(ctx context.Context, cutoff time.Time) ([]*types.Subscription, error) {
	args := m.Called(ctx, cutoff)
	if subs := args.Get(0); subs != nil {
		return subs.([]*types.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSubStore) ExistsByProviderID(ctx context.Context, provider types.Provider, providerSubID string) (bool, error) {
	args := m.Called(ctx, provider, providerSubID)
	return args.Bool(0), args.Error(1)
}

func (m *mockSubStore) CreateIfAbsent(ctx context.Context, sub *types.Subscription) (bool, error) {
	args := m.Called(ctx, sub)
	return args.Bool(0), args.Error(1)
}

func (m *mockSubStore) MarkCanceled(ctx context.Context, provider types.Provider, providerSubID string, canceledAt time.Time, cancelAt *time.Time, reason types.CancellationReason) error {
	return m.Called(ctx, provider, providerSubID, canceledAt, cancelAt, reason).Error(0)
}

func (m *mockSubStore) UpdateStatus(ctx context.Context, provider types.Provider, providerSubID string, status types.SubscriptionStatus, periodEnd *time.Time) error {
	return m.Called(ctx, provider, providerSubID, status, periodEnd).Error(0)
}

type mockLedgerStore struct {
	mock.Mock
}

func (m *mockLedgerStore) ListOrphanSubscriptionPayments(ctx context.Context, cutoff time.Time) ([]db.OrphanPayment, error) {
	args := m.Called(ctx, cutoff)
	if orphans := args.Get(0); orphans != nil {
		return orphans.([]db.OrphanPayment), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockProfileStore struct {
	mock.Mock
}

func (m *mockProfileStore) GetByEmailInsensitive(ctx context.Context, email string) (*types.Profile, error) {
	args := m.Called(ctx, email)
	if p := args.Get(0); p != nil {
		return p.(*types.Profile), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProfileStore) Grant(ctx context.Context, userID string, role types.UserRole) error {
	return m.Called(ctx, userID, role).Error(0)
}

func (m *mockProfileStore) Revoke(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

type mockAnomalyStore struct {
	mock.Mock
}

func (m *mockAnomalyStore) Record(ctx context.Context, anomaly *types.SweepAnomaly) error {
	return m.Called(ctx, anomaly).Error(0)
}

type mockProvider struct {
	mock.Mock
	name types.Provider
}

func (m *mockProvider) Name() types.Provider { return m.name }

func (m *mockProvider) GetSubscription(ctx context.Context, id string) (*external.ProviderSubscription, error) {
	args := m.Called(ctx, id)
	if sub := args.Get(0); sub != nil {
		return sub.(*external.ProviderSubscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) ListActiveSubscriptions(ctx context.Context, cursor string) ([]*external.ProviderSubscription, string, error) {
	args := m.Called(ctx, cursor)
	var subs []*external.ProviderSubscription
	if s := args.Get(0); s != nil {
		subs = s.([]*external.ProviderSubscription)
	}
	return subs, args.String(1), args.Error(2)
}

func (m *mockProvider) CancelSubscription(ctx context.Context, id string, reason string) error {
	return m.Called(ctx, id, reason).Error(0)
}

func (m *mockProvider) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) error {
	return m.Called(ctx, payload, headers).Error(0)
}

func (m *mockProvider) IsSubscriptionID(id string) bool {
	return m.Called(id).Bool(0)
}

var _ external.PaymentProvider = (*mockProvider)(nil)

// --- fixtures ---

var sweepNow = time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC)

type sweepFixture struct {
	subs      *mockSubStore
	ledger    *mockLedgerStore
	profiles  *mockProfileStore
	anomalies *mockAnomalyStore
	provider  *mockProvider
	sweeper   *Sweeper
}

func newSweepFixture(providerName types.Provider) *sweepFixture {
	f := &sweepFixture{
		subs:      &mockSubStore{},
		ledger:    &mockLedgerStore{},
		profiles:  &mockProfileStore{},
		anomalies: &mockAnomalyStore{},
		provider:  &mockProvider{name: providerName},
	}
	f.sweeper = NewSweeper(SweeperConfig{
		Subscriptions: f.subs,
		Ledger:        f.ledger,
		Profiles:      f.profiles,
		Anomalies:     f.anomalies,
		Providers:     []external.PaymentProvider{f.provider},
		GraceSlop:     24 * time.Hour,
		HealWindow:    168 * time.Hour,
	})
	return f
}

// expectQuietPhases stubs the phases a test is not exercising.
func (f *sweepFixture) expectQuietPhases(sync, revoke, heal, discover bool) {
	if revoke {
		f.subs.On("ListPendingRevocations", mock.Anything, mock.Anything).
			Return([]*types.Subscription(nil), nil)
	}
	if sync {
		f.subs.On("ListActiveByProvider", mock.Anything, f.provider.name).
			Return([]*types.Subscription(nil), nil)
	}
	if heal {
		f.ledger.On("ListOrphanSubscriptionPayments", mock.Anything, mock.Anything).
			Return([]db.OrphanPayment(nil), nil)
	}
	if discover {
		f.provider.On("ListActiveSubscriptions", mock.Anything, "").
			Return([]*external.ProviderSubscription(nil), "", nil)
	}
}

func activeSub(provider types.Provider, id string) *types.Subscription {
	end := sweepNow.Add(15 * 24 * time.Hour)
	return &types.Subscription{
		ID:                     "row_1",
		UserID:                 "user_1",
		Provider:               provider,
		ProviderSubscriptionID: id,
		Status:                 types.SubStatusActive,
		PlanID:                 "pro_monthly",
		CurrentPeriodEnd:       &end,
	}
}

func notFoundErr() error {
	return types.NewAppError(types.ErrCodeNotFoundSubscription, "not found", nil)
}

// --- sync phase ---

func TestSweep_Sync_ProviderGoneCancelsAndRevokes(t *testing.T) {
	f := newSweepFixture(types.ProviderStripe)
	f.expectQuietPhases(false, true, true, true)

	sub := activeSub(types.ProviderStripe, "sub_gone")
	f.subs.On("ListActiveByProvider", mock.Anything, types.ProviderStripe).
		Return([]*types.Subscription{sub}, nil)
	f.provider.On("IsSubscriptionID", "sub_gone").Return(true)
	f.provider.On("GetSubscription", mock.Anything, "sub_gone").Return(nil, notFoundErr())
	f.subs.On("MarkCanceled", mock.Anything, types.ProviderStripe, "sub_gone",
		sweepNow, (*time.Time)(nil), types.CancelReasonProviderGone).Return(nil)
	f.profiles.On("Revoke", mock.Anything, "user_1").Return(nil)

	report := f.sweeper.Run(context.Background(), sweepNow)

	require.Len(t, report.Sync, 1)
	assert.Equal(t, 1, report.Sync[0].Canceled)
	assert.Equal(t, []string{"user_1"}, report.Sync[0].RevokedUserIDs)
	f.subs.AssertExpectations(t)
	f.profiles.AssertExpectations(t)
}

func TestSweep_Sync_LapsedBeyondGraceRevokes(t *testing.T) {
	f := newSweepFixture(types.ProviderPayPal)
	f.expectQuietPhases(false, true, true, true)

	sub := activeSub(types.ProviderPayPal, "I-LAPSED")
	// Next billing time long past: grace plus slop has expired.
	nextBilling := sweepNow.Add(-10 * 24 * time.Hour)
	f.subs.On("ListActiveByProvider", mock.Anything, types.ProviderPayPal).
		Return([]*types.Subscription{sub}, nil)
	f.provider.On("IsSubscriptionID", "I-LAPSED").Return(true)
	f.provider.On("GetSubscription", mock.Anything, "I-LAPSED").
		Return(&external.ProviderSubscription{
			ID:              "I-LAPSED",
			Status:          "SUSPENDED",
			Active:          false,
			NextBillingTime: &nextBilling,
		}, nil)
	f.subs.On("MarkCanceled", mock.Anything, types.ProviderPayPal, "I-LAPSED",
		sweepNow, (*time.Time)(nil), types.CancelReasonPaymentFailed).Return(nil)
	f.profiles.On("Revoke", mock.Anything, "user_1").Return(nil)

	report := f.sweeper.Run(context.Background(), sweepNow)

	assert.Equal(t, 1, report.Sync[0].Canceled)
	assert.Equal(t, []string{"user_1"}, report.Sync[0].RevokedUserIDs)
}

func TestSweep_Sync_SuspendedWithoutRemotePeriodRevokesNow(t *testing.T) {
	f := newSweepFixture(types.ProviderPayPal)
	f.sweeper.graceSlop = 0
	f.expectQuietPhases(false, true, true, true)

	// The local row still shows half a billing period remaining, but the
	// provider reports the subscription suspended with no next billing time.
	// Grace end is now; the stale local period end earns no credit.
	sub := activeSub(types.ProviderPayPal, "I-SUSPENDED")
	f.subs.On("ListActiveByProvider", mock.Anything, types.ProviderPayPal).
		Return([]*types.Subscription{sub}, nil)
	f.provider.On("IsSubscriptionID", "I-SUSPENDED").Return(true)
	f.provider.On("GetSubscription", mock.Anything, "I-SUSPENDED").
		Return(&external.ProviderSubscription{
			ID:     "I-SUSPENDED",
			Status: "SUSPENDED",
			Active: false,
		}, nil)
	f.subs.On("MarkCanceled", mock.Anything, types.ProviderPayPal, "I-SUSPENDED",
		sweepNow, (*time.Time)(nil), types.CancelReasonPaymentFailed).Return(nil)
	f.profiles.On("Revoke", mock.Anything, "user_1").Return(nil)

	report := f.sweeper.Run(context.Background(), sweepNow)

	assert.Equal(t, 1, report.Sync[0].Canceled)
	assert.Equal(t, []string{"user_1"}, report.Sync[0].RevokedUserIDs)
	f.subs.AssertExpectations(t)
	f.profiles.AssertExpectations(t)
}

func TestSweep_Sync_LapsedWithinGraceRetainsAccess(t *testing.T) {
	f := newSweepFixture(types.ProviderPayPal)
	f.expectQuietPhases(false, true, true, true)

	sub := activeSub(types.ProviderPayPal, "I-GRACE")
	nextBilling := sweepNow.Add(6 * 24 * time.Hour)
	f.subs.On("ListActiveByProvider", mock.Anything, types.ProviderPayPal).
		Return([]*types.Subscription{sub}, nil)
	f.provider.On("IsSubscriptionID", "I-GRACE").Return(true)
	f.provider.On("GetSubscription", mock.Anything, "I-GRACE").
		Return(&external.ProviderSubscription{
			ID:              "I-GRACE",
			Status:          "CANCELLED",
			Active:          false,
			NextBillingTime: &nextBilling,
		}, nil)
	f.subs.On("MarkCanceled", mock.Anything, types.ProviderPayPal, "I-GRACE",
		sweepNow, &nextBilling, types.CancelReasonUser).Return(nil)

	report := f.sweeper.Run(context.Background(), sweepNow)

	assert.Equal(t, 1, report.Sync[0].Canceled)
	assert.Empty(t, report.Sync[0].RevokedUserIDs)
	f.profiles.AssertNotCalled(t, "Revoke", mock.Anything, mock.Anything)
}

func TestSweep_Sync_ScheduledCancelRecordsMetadataOnly(t *testing.T) {
	f := newSweepFixture(types.ProviderStripe)
	f.expectQuietPhases(false, true, true, true)

	sub := activeSub(types.ProviderStripe, "sub_sched")
	cancelAt := sweepNow.Add(12 * 24 * time.Hour)
	f.subs.On("ListActiveByProvider", mock.Anything, types.ProviderStripe).
		Return([]*types.Subscription{sub}, nil)
	f.provider.On("IsSubscriptionID", "sub_sched").Return(true)
	f.provider.On("GetSubscription", mock.Anything, "sub_sched").
		Return(&external.ProviderSubscription{
			ID:                "sub_sched",
			Status:            "active",
			Active:            true,
			CancelAtPeriodEnd: true,
			CancelAt:          &cancelAt,
		}, nil)
	f.subs.On("MarkCanceled", mock.Anything, types.ProviderStripe, "sub_sched",
		sweepNow, &cancelAt, types.CancelReasonUser).Return(nil)

	report := f.sweeper.Run(context.Background(), sweepNow)

	assert.Equal(t, 1, report.Sync[0].Synced)
	f.profiles.AssertNotCalled(t, "Revoke", mock.Anything, mock.Anything)
}

func TestSweep_Sync_NonSubscriptionIDSkipped(t *testing.T) {
	f := newSweepFixture(types.ProviderStripe)
	f.expectQuietPhases(false, true, true, true)

	sub := activeSub(types.ProviderStripe, "cs_session_1")
	f.subs.On("ListActiveByProvider", mock.Anything, types.ProviderStripe).
		Return([]*types.Subscription{sub}, nil)
	f.provider.On("IsSubscriptionID", "cs_session_1").Return(false)

	report := f.sweeper.Run(context.Background(), sweepNow)

	assert.Equal(t, 1, report.Sync[0].Skipped)
	assert.Equal(t, 0, report.Sync[0].Checked)
	f.provider.AssertNotCalled(t, "GetSubscription", mock.Anything, mock.Anything)
}

func TestSweep_Sync_ProviderErrorIsolatedPerSubscription(t *testing.T) {
	f := newSweepFixture(types.ProviderStripe)
	f.expectQuietPhases(false, true, true, true)

	bad := activeSub(types.ProviderStripe, "sub_err")
	good := activeSub(types.ProviderStripe, "sub_ok")
	f.subs.On("ListActiveByProvider", mock.Anything, types.ProviderStripe).
		Return([]*types.Subscription{bad, good}, nil)
	f.provider.On("IsSubscriptionID", mock.Anything).Return(true)
	f.provider.On("GetSubscription", mock.Anything, "sub_err").
		Return(nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "stripe down", nil))
	f.provider.On("GetSubscription", mock.Anything, "sub_ok").
		Return(&external.ProviderSubscription{
			ID:               "sub_ok",
			Status:           "active",
			Active:           true,
			CurrentPeriodEnd: good.CurrentPeriodEnd,
		}, nil)

	report := f.sweeper.Run(context.Background(), sweepNow)

	assert.Equal(t, 2, report.Sync[0].Checked)
	assert.Equal(t, 1, report.Sync[0].Errors)
}

func TestSweep_RevokeExpiredGrace(t *testing.T) {
	f := newSweepFixture(types.ProviderStripe)
	f.expectQuietPhases(true, false, true, true)

	f.subs.On("ListPendingRevocations", mock.Anything, sweepNow.Add(-24*time.Hour)).
		Return([]*types.Subscription{
			{UserID: "user_7", Provider: types.ProviderStripe, ProviderSubscriptionID: "sub_old"},
		}, nil)
	f.profiles.On("Revoke", mock.Anything, "user_7").Return(nil)

	report := f.sweeper.Run(context.Background(), sweepNow)

	assert.Equal(t, []string{"user_7"}, report.RevokedUserIDs)
	f.profiles.AssertExpectations(t)
}

// --- heal phase ---

func TestSweep_Heal_RecreatesMissingSubscription(t *testing.T) {
	f := newSweepFixture(types.ProviderPayPal)
	f.expectQuietPhases(true, true, false, true)

	periodEnd := sweepNow.Add(20 * 24 * time.Hour)
	f.ledger.On("ListOrphanSubscriptionPayments", mock.Anything, sweepNow.Add(-168*time.Hour)).
		Return([]db.OrphanPayment{{
			UserID:            "user_2",
			Gateway:           types.ProviderPayPal,
			GatewayIdentifier: "I-ORPHAN",
			AmountCents:       1900,
			Currency:          "usd",
			ItemName:          "Pro Monthly",
		}}, nil)
	f.provider.On("IsSubscriptionID", "I-ORPHAN").Return(true)
	f.provider.On("GetSubscription", mock.Anything, "I-ORPHAN").
		Return(&external.ProviderSubscription{
			ID:               "I-ORPHAN",
			Status:           "ACTIVE",
			Active:           true,
			PlanID:           "P-PRO",
			CurrentPeriodEnd: &periodEnd,
		}, nil)
	f.subs.On("CreateIfAbsent", mock.Anything, mock.MatchedBy(func(sub *types.Subscription) bool {
		return sub.UserID == "user_2" &&
			sub.ProviderSubscriptionID == "I-ORPHAN" &&
			sub.Status == types.SubStatusActive &&
			sub.PlanName == "Pro Monthly"
	})).Return(true, nil)
	f.profiles.On("Grant", mock.Anything, "user_2", types.RolePro).Return(nil)

	report := f.sweeper.Run(context.Background(), sweepNow)

	assert.Equal(t, 1, report.Heal.Scanned)
	assert.Equal(t, 1, report.Heal.Created)
	f.subs.AssertExpectations(t)
	f.profiles.AssertExpectations(t)
}

func TestSweep_Heal_UnconfiguredGatewaySkipped(t *testing.T) {
	f := newSweepFixture(types.ProviderStripe)
	f.expectQuietPhases(true, true, false, true)

	f.ledger.On("ListOrphanSubscriptionPayments", mock.Anything, mock.Anything).
		Return([]db.OrphanPayment{{
			UserID:            "user_3",
			Gateway:           types.ProviderPayPalLegacy,
			GatewayIdentifier: "I-OLD",
		}}, nil)

	report := f.sweeper.Run(context.Background(), sweepNow)

	assert.Equal(t, 1, report.Heal.Skipped)
	assert.Equal(t, 0, report.Heal.Created)
}

func TestSweep_Heal_WebhookRaceNotDoubleCreated(t *testing.T) {
	f := newSweepFixture(types.ProviderStripe)
	f.expectQuietPhases(true, true, false, true)

	f.ledger.On("ListOrphanSubscriptionPayments", mock.Anything, mock.Anything).
		Return([]db.OrphanPayment{{
			UserID:            "user_4",
			Gateway:           types.ProviderStripe,
			GatewayIdentifier: "sub_raced",
		}}, nil)
	f.provider.On("IsSubscriptionID", "sub_raced").Return(true)
	f.provider.On("GetSubscription", mock.Anything, "sub_raced").
		Return(&external.ProviderSubscription{ID: "sub_raced", Active: true}, nil)
	f.subs.On("CreateIfAbsent", mock.Anything, mock.Anything).Return(false, nil)

	report := f.sweeper.Run(context.Background(), sweepNow)

	assert.Equal(t, 0, report.Heal.Created)
	assert.Equal(t, 1, report.Heal.Skipped)
	f.profiles.AssertNotCalled(t, "Grant", mock.Anything, mock.Anything, mock.Anything)
}

// --- discovery phase ---

func TestSweep_Discovery_KnownSubscriptionIgnored(t *testing.T) {
	f := newSweepFixture(types.ProviderStripe)
	f.expectQuietPhases(true, true, true, false)

	f.provider.On("ListActiveSubscriptions", mock.Anything, "").
		Return([]*external.ProviderSubscription{{ID: "sub_known", Active: true}}, "", nil)
	f.subs.On("ExistsByProviderID", mock.Anything, types.ProviderStripe, "sub_known").
		Return(true, nil)

	report := f.sweeper.Run(context.Background(), sweepNow)

	assert.Equal(t, 1, report.Discovery[0].Listed)
	assert.Equal(t, 0, report.Discovery[0].Created)
	assert.Equal(t, 0, report.Discovery[0].Anomalies)
}

func TestSweep_Discovery_UnknownAttributedByEmail(t *testing.T) {
	f := newSweepFixture(types.ProviderStripe)
	f.expectQuietPhases(true, true, true, false)

	f.provider.On("ListActiveSubscriptions", mock.Anything, "").
		Return([]*external.ProviderSubscription{{
			ID:            "sub_new",
			Active:        true,
			CustomerEmail: "Found@Example.com",
			PlanID:        "pro_monthly",
		}}, "", nil)
	f.subs.On("ExistsByProviderID", mock.Anything, types.ProviderStripe, "sub_new").
		Return(false, nil)
	f.profiles.On("GetByEmailInsensitive", mock.Anything, "Found@Example.com").
		Return(&types.Profile{UserID: "user_5", Email: "found@example.com", Role: types.RoleUser}, nil)
	f.subs.On("CreateIfAbsent", mock.Anything, mock.MatchedBy(func(sub *types.Subscription) bool {
		return sub.UserID == "user_5" && sub.ProviderSubscriptionID == "sub_new"
	})).Return(true, nil)
	f.profiles.On("Grant", mock.Anything, "user_5", types.RolePro).Return(nil)

	report := f.sweeper.Run(context.Background(), sweepNow)

	assert.Equal(t, 1, report.Discovery[0].Created)
	f.anomalies.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
}

func TestSweep_Discovery_UnattributableBecomesAnomaly(t *testing.T) {
	f := newSweepFixture(types.ProviderPayPal)
	f.expectQuietPhases(true, true, true, false)

	f.provider.On("ListActiveSubscriptions", mock.Anything, "").
		Return([]*external.ProviderSubscription{{
			ID:            "I-MYSTERY",
			Active:        true,
			CustomerEmail: "stranger@example.com",
		}}, "", nil)
	f.subs.On("ExistsByProviderID", mock.Anything, types.ProviderPayPal, "I-MYSTERY").
		Return(false, nil)
	f.profiles.On("GetByEmailInsensitive", mock.Anything, "stranger@example.com").
		Return(nil, types.NewAppError(types.ErrCodeNotFoundUser, "no profile", nil))
	f.anomalies.On("Record", mock.Anything, mock.MatchedBy(func(a *types.SweepAnomaly) bool {
		return a.Provider == types.ProviderPayPal &&
			a.ProviderSubscriptionID == "I-MYSTERY" &&
			a.CustomerEmail == "stranger@example.com"
	})).Return(nil)

	report := f.sweeper.Run(context.Background(), sweepNow)

	assert.Equal(t, 1, report.Discovery[0].Anomalies)
	assert.Equal(t, 0, report.Discovery[0].Created)
	f.anomalies.AssertExpectations(t)
}

func TestSweep_Discovery_Pagination(t *testing.T) {
	f := newSweepFixture(types.ProviderStripe)
	f.expectQuietPhases(true, true, true, false)

	f.provider.On("ListActiveSubscriptions", mock.Anything, "").
		Return([]*external.ProviderSubscription{{ID: "sub_1", Active: true}}, "sub_1", nil)
	f.provider.On("ListActiveSubscriptions", mock.Anything, "sub_1").
		Return([]*external.ProviderSubscription{{ID: "sub_2", Active: true}}, "", nil)
	f.subs.On("ExistsByProviderID", mock.Anything, types.ProviderStripe, mock.Anything).
		Return(true, nil)

	report := f.sweeper.Run(context.Background(), sweepNow)

	assert.Equal(t, 2, report.Discovery[0].Listed)
}

func TestSweep_PhaseFailureDoesNotAbortOthers(t *testing.T) {
	f := newSweepFixture(types.ProviderStripe)

	f.subs.On("ListPendingRevocations", mock.Anything, mock.Anything).
		Return(nil, errors.New("db down"))
	f.subs.On("ListActiveByProvider", mock.Anything, types.ProviderStripe).
		Return(nil, errors.New("db down"))
	f.ledger.On("ListOrphanSubscriptionPayments", mock.Anything, mock.Anything).
		Return([]db.OrphanPayment(nil), nil)
	f.provider.On("ListActiveSubscriptions", mock.Anything, "").
		Return([]*external.ProviderSubscription(nil), "", nil)

	report := f.sweeper.Run(context.Background(), sweepNow)

	assert.Equal(t, 1, report.RevokeErrors)
	require.Len(t, report.Sync, 1)
	assert.Equal(t, 1, report.Sync[0].Errors)
	// Heal and discovery still ran.
	assert.Equal(t, 0, report.Heal.Errors)
	require.Len(t, report.Discovery, 1)
}
