package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"aitextspeak/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

func uniqueViolationErr() error {
	return &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "subscriptions_provider_key"}
}

// --- SubscriptionRepo Tests ---

func testSubscription() *types.Subscription {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	return &types.Subscription{
		UserID:                 "user_1",
		Provider:               types.ProviderStripe,
		ProviderSubscriptionID: "sub_abc123",
		Status:                 types.SubStatusActive,
		PlanID:                 "pro_monthly",
		PlanName:               "Pro Monthly",
		PriceAmountCents:       1900,
		Currency:               "usd",
		BillingInterval:        types.IntervalMonth,
		CurrentPeriodStart:     &start,
		CurrentPeriodEnd:       &end,
	}
}

func TestSubscriptionRepo_Upsert_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Upsert(context.Background(), testSubscription())
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestSubscriptionRepo_Upsert_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.Upsert(context.Background(), testSubscription())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestSubscriptionRepo_CreateIfAbsent_Created(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	created, err := repo.CreateIfAbsent(context.Background(), testSubscription())
	require.NoError(t, err)
	assert.True(t, created)
}

func TestSubscriptionRepo_CreateIfAbsent_AlreadyExists(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	// ON CONFLICT DO NOTHING reports zero rows affected.
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	created, err := repo.CreateIfAbsent(context.Background(), testSubscription())
	require.NoError(t, err)
	assert.False(t, created)
}

func TestSubscriptionRepo_CreateIfAbsent_RaceUniqueViolation(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, uniqueViolationErr())

	created, err := repo.CreateIfAbsent(context.Background(), testSubscription())
	require.NoError(t, err)
	assert.False(t, created)
}

func TestSubscriptionRepo_GetByProviderID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByProviderID(context.Background(), types.ProviderStripe, "sub_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
}

func TestSubscriptionRepo_MarkCanceled_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	cancelAt := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	err := repo.MarkCanceled(
		context.Background(),
		types.ProviderStripe, "sub_abc123",
		time.Now().UTC(), &cancelAt,
		types.CancelReasonUser,
	)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestSubscriptionRepo_MarkCanceled_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.MarkCanceled(
		context.Background(),
		types.ProviderPayPal, "I-MISSING",
		time.Now().UTC(), nil,
		types.CancelReasonProviderGone,
	)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
}

func TestSubscriptionRepo_UpdateStatus_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	end := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	err := repo.UpdateStatus(context.Background(), types.ProviderStripe, "sub_abc123", types.SubStatusPastDue, &end)
	require.NoError(t, err)
}

func TestSubscriptionRepo_ListPendingRevocations_QueryError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, errors.New("connection refused"))

	_, err := repo.ListPendingRevocations(context.Background(), time.Now().UTC())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestPrefixColumns(t *testing.T) {
	assert.Equal(t, "s.id, s.user_id, s.status", prefixColumns("s", "id, user_id,\n\tstatus"))
}

func TestSubscriptionRepo_ClearCancellation_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.ClearCancellation(context.Background(), types.ProviderStripe, "sub_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
}
