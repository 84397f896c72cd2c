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

// --- Mock Rows for Query ---

// mockRows implements pgx.Rows for testing Query results.
type mockRows struct {
	data    [][]any
	idx     int
	closed  bool
	scanErr error
	errVal  error
}

func newMockRows(data [][]any) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx]
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = row[i].(string)
		case *int64:
			*v = row[i].(int64)
		case *time.Time:
			*v = row[i].(time.Time)
		case *types.Provider:
			*v = row[i].(types.Provider)
		}
	}
	return nil
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// --- PaymentRepo Tests ---

func testPayment() *types.PaymentRecord {
	return &types.PaymentRecord{
		UserID:            "user_1",
		TransactionType:   types.TxnRenewal,
		Gateway:           types.ProviderStripe,
		GatewayIdentifier: "in_12345",
		GatewayEventID:    "evt_67890",
		AmountCents:       1900,
		Currency:          "usd",
		ItemName:          "Pro Monthly",
	}
}

func existsRow(exists bool) *mockRow {
	return &mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*bool) = exists
		return nil
	}}
}

func TestPaymentRepo_Insert_New(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db, 5*time.Minute, nil)

	// Identifier check, then window check, both clean.
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(existsRow(false)).Twice()
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	res, err := repo.Insert(context.Background(), testPayment())
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.False(t, res.Duplicate)
	db.AssertExpectations(t)
}

func TestPaymentRepo_Insert_DuplicateIdentifier(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db, 5*time.Minute, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(existsRow(true)).Once()

	res, err := repo.Insert(context.Background(), testPayment())
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.False(t, res.Inserted)
	// No further queries after the identifier hit.
	db.AssertNumberOfCalls(t, "QueryRow", 1)
	db.AssertNotCalled(t, "Exec")
}

func TestPaymentRepo_Insert_DuplicateWithinWindow(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db, 5*time.Minute, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(existsRow(false)).Once()
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(existsRow(true)).Once()

	res, err := repo.Insert(context.Background(), testPayment())
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	db.AssertNotCalled(t, "Exec")
}

func TestPaymentRepo_Insert_FailedPaymentSkipsWindowCheck(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db, 5*time.Minute, nil)

	p := testPayment()
	p.TransactionType = types.TxnPaymentFailed
	p.GatewayIdentifier = "in_retry_2"

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(existsRow(false)).Once()
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	res, err := repo.Insert(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	// Only the identifier check ran: retries of a failing charge are all kept.
	db.AssertNumberOfCalls(t, "QueryRow", 1)
}

func TestPaymentRepo_Insert_RaceReclassifiedAsDuplicate(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db, 5*time.Minute, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(existsRow(false)).Twice()
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, uniqueViolationErr())

	res, err := repo.Insert(context.Background(), testPayment())
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.False(t, res.Inserted)
}

func TestPaymentRepo_Insert_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db, 5*time.Minute, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection refused")})

	_, err := repo.Insert(context.Background(), testPayment())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestPaymentRepo_ListOrphanSubscriptionPayments(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db, 5*time.Minute, nil)

	paidAt := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	rows := newMockRows([][]any{
		{"user_1", types.ProviderPayPal, "I-ORPHAN1", int64(1900), "usd", "Pro Monthly", paidAt},
	})

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(rows, nil)

	cutoff := paidAt.Add(-7 * 24 * time.Hour)
	orphans, err := repo.ListOrphanSubscriptionPayments(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "I-ORPHAN1", orphans[0].GatewayIdentifier)
	assert.Equal(t, types.ProviderPayPal, orphans[0].Gateway)
	assert.Equal(t, int64(1900), orphans[0].AmountCents)
}
