package repo

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdfundBack/internal/pledge/fsm"
	"crowdfundBack/internal/repositories"
)

var pendingCols = []string{"id", "external_order_id", "project_id", "reward_id", "payer_id", "amount", "currency", "state", "capture_id", "captured_amount", "failure_reason", "created_at", "updated_at", "captured_at", "settled_at"}

func TestCreateAssignsIDAndState(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO pending_orders`).
		WithArgs(sqlmock.AnyArg(), "p1", nil, "u1", sqlmock.AnyArg(), "USD", fsm.StateCreated, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	o := &PendingOrder{ProjectID: "p1", PayerID: "u1", Amount: decimal.NewFromInt(25), Currency: "USD"}
	require.NoError(t, NewPendingOrdersRepo(db, repositories.DriverMySQL).Create(context.Background(), o))
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, fsm.StateCreated, o.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachExternalIDOnlyOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := NewPendingOrdersRepo(db, repositories.DriverMySQL)

	mock.ExpectExec(`UPDATE pending_orders SET external_order_id = \?`).
		WithArgs("EXT-1", sqlmock.AnyArg(), "po-1", fsm.StateCreated).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, r.AttachExternalID(context.Background(), "po-1", "EXT-1"))

	mock.ExpectExec(`UPDATE pending_orders SET external_order_id = \?`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, r.AttachExternalID(context.Background(), "po-1", "EXT-2"), ErrStateConflict)
}

func TestGetByExternalID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := NewPendingOrdersRepo(db, repositories.DriverPostgres)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM pending_orders WHERE external_order_id = \$1`).
		WithArgs("EXT-1").
		WillReturnRows(sqlmock.NewRows(pendingCols).
			AddRow("po-1", "EXT-1", "p1", nil, "u1", "150.00", "USD", "captured", "CAP-9", "150.00", nil, now, now, now, nil))

	o, err := r.GetByExternalID(context.Background(), "EXT-1")
	require.NoError(t, err)
	assert.Equal(t, "po-1", o.ID)
	assert.Equal(t, "", o.RewardID)
	assert.Equal(t, "CAP-9", o.CaptureID)
	assert.True(t, o.CapturedAmount.Equal(decimal.NewFromInt(150)))
	require.NotNil(t, o.CapturedAt)
	assert.Nil(t, o.SettledAt)

	mock.ExpectQuery(`FROM pending_orders WHERE external_order_id = \$1`).
		WithArgs("EXT-404").
		WillReturnRows(sqlmock.NewRows(pendingCols))
	_, err = r.GetByExternalID(context.Background(), "EXT-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkCapturedAcceptsLateCapture(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE pending_orders SET state = \?, capture_id = \?, captured_amount = \?, captured_at = \?, updated_at = \?, failure_reason = NULL WHERE id = \? AND state IN \(\?, \?, \?\)`).
		WithArgs(fsm.StateCaptured, "CAP-9", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "po-1", fsm.StateCreated, fsm.StateFailed, fsm.StateExpired).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewPendingOrdersRepo(db, repositories.DriverMySQL).MarkCaptured(context.Background(), "po-1", "CAP-9", decimal.NewFromInt(150))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE pending_orders SET state = \?, failure_reason = \?`).
		WithArgs(fsm.StateFailed, "INSTRUMENT_DECLINED", sqlmock.AnyArg(), "po-1", fsm.StateCreated, fsm.StateFailed).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewPendingOrdersRepo(db, repositories.DriverMySQL).MarkFailed(context.Background(), "po-1", "INSTRUMENT_DECLINED")
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestExpireStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cutoff := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE pending_orders SET state = \?, updated_at = \? WHERE state = \? AND created_at < \?`).
		WithArgs(fsm.StateExpired, sqlmock.AnyArg(), fsm.StateCreated, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := NewPendingOrdersRepo(db, repositories.DriverMySQL).ExpireStale(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestListCapturedBefore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM pending_orders WHERE state = \? AND captured_at < \? ORDER BY captured_at LIMIT \?`).
		WithArgs(fsm.StateCaptured, now, 100).
		WillReturnRows(sqlmock.NewRows(pendingCols).
			AddRow("po-2", "EXT-2", "p1", "r1", "u2", "10", "USD", "captured", "CAP-2", "10", nil, now, now, now, nil))

	out, err := NewPendingOrdersRepo(db, repositories.DriverMySQL).ListCapturedBefore(context.Background(), now, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "r1", out[0].RewardID)
}

func TestMarkMismatchedKeepsCapture(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE pending_orders SET state = \?, capture_id = \?, captured_amount = \?, failure_reason = \?, captured_at = \?, updated_at = \? WHERE id = \? AND state IN \(\?, \?, \?\)`).
		WithArgs(fsm.StateMismatched, "CAP-9", sqlmock.AnyArg(), "order context belongs to another pledge", sqlmock.AnyArg(), sqlmock.AnyArg(), "po-1", fsm.StateCreated, fsm.StateFailed, fsm.StateExpired).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewPendingOrdersRepo(db, repositories.DriverMySQL).MarkMismatched(context.Background(), "po-1", "CAP-9", decimal.NewFromInt(150), "order context belongs to another pledge")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListMismatched(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM pending_orders WHERE state = \$1 ORDER BY captured_at LIMIT \$2`).
		WithArgs(fsm.StateMismatched, 100).
		WillReturnRows(sqlmock.NewRows(pendingCols).
			AddRow("po-3", "EXT-3", "p1", nil, "u3", "40", "USD", "mismatched", "CAP-3", "40", "capture currency differs from pledge", now, now, now, nil))

	out, err := NewPendingOrdersRepo(db, repositories.DriverPostgres).ListMismatched(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "CAP-3", out[0].CaptureID)
	assert.Equal(t, "capture currency differs from pledge", out[0].FailureReason)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "пла", truncate("платёж", 3))
	assert.Equal(t, "ab€", truncate("ab€€€", 3))

	long := strings.Repeat("ё", maxTextLen+10)
	got := truncate(long, maxTextLen)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, maxTextLen, utf8.RuneCountInString(got))
}
