package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdfundBack/internal/models"
	"crowdfundBack/internal/pledge/fsm"
	"crowdfundBack/internal/repositories"
)

func expectLockOrder(mock sqlmock.Sqlmock, state string) {
	mock.ExpectQuery(`SELECT state, project_id, payer_id, capture_id, captured_amount FROM pending_orders WHERE id = \? FOR UPDATE`).
		WithArgs("po-1").
		WillReturnRows(sqlmock.NewRows([]string{"state", "project_id", "payer_id", "capture_id", "captured_amount"}).
			AddRow(state, "p1", "u1", "CAP-9", "150.00"))
}

func TestApplySettlementCrossesTarget(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	expectLockOrder(mock, fsm.StateCaptured)
	mock.ExpectQuery(`SELECT current_amount, target_amount, status FROM projects WHERE id = \? FOR UPDATE`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"current_amount", "target_amount", "status"}).AddRow("900.00", "1000.00", "active"))
	mock.ExpectExec(`INSERT INTO project_backers`).
		WithArgs(sqlmock.AnyArg(), "p1", "u1", sqlmock.AnyArg(), at, "po-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE projects SET current_amount = \?, status = \?, version = version \+ 1`).
		WithArgs(sqlmock.AnyArg(), "funded", at, "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO user_backed_projects`).
		WithArgs(sqlmock.AnyArg(), "u1", "p1", sqlmock.AnyArg(), at, "po-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE pending_orders SET state = \?`).
		WithArgs(fsm.StateSettled, "po-1", fsm.StateCaptured).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := NewLedgerRepo(db, repositories.DriverMySQL).ApplySettlement(context.Background(), "po-1", at)
	require.NoError(t, err)
	assert.True(t, res.CurrentAmount.Equal(decimal.NewFromInt(1050)))
	assert.Equal(t, models.ProjectStatusFunded, res.Status)
	assert.True(t, res.BecameFunded)
	assert.False(t, res.AlreadySettled)
	assert.Equal(t, "CAP-9", res.CaptureID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplySettlementLateCaptureFundsExpiredProject(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	expectLockOrder(mock, fsm.StateCaptured)
	mock.ExpectQuery(`SELECT current_amount, target_amount, status FROM projects WHERE id = \? FOR UPDATE`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"current_amount", "target_amount", "status"}).AddRow("900.00", "1000.00", "expired"))
	mock.ExpectExec(`INSERT INTO project_backers`).
		WithArgs(sqlmock.AnyArg(), "p1", "u1", sqlmock.AnyArg(), at, "po-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE projects SET current_amount = \?, status = \?, version = version \+ 1`).
		WithArgs(sqlmock.AnyArg(), "funded", at, "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO user_backed_projects`).
		WithArgs(sqlmock.AnyArg(), "u1", "p1", sqlmock.AnyArg(), at, "po-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE pending_orders SET state = \?`).
		WithArgs(fsm.StateSettled, "po-1", fsm.StateCaptured).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := NewLedgerRepo(db, repositories.DriverMySQL).ApplySettlement(context.Background(), "po-1", at)
	require.NoError(t, err)
	assert.True(t, res.CurrentAmount.Equal(decimal.NewFromInt(1050)))
	assert.Equal(t, models.ProjectStatusFunded, res.Status)
	assert.True(t, res.BecameFunded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplySettlementAlreadySettledIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	expectLockOrder(mock, fsm.StateSettled)
	mock.ExpectQuery(`SELECT current_amount, target_amount, status FROM projects WHERE id = \?`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"current_amount", "target_amount", "status"}).AddRow("1050.00", "1000.00", "funded"))
	mock.ExpectCommit()

	res, err := NewLedgerRepo(db, repositories.DriverMySQL).ApplySettlement(context.Background(), "po-1", time.Now())
	require.NoError(t, err)
	assert.True(t, res.AlreadySettled)
	assert.True(t, res.CurrentAmount.Equal(decimal.NewFromInt(1050)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplySettlementRejectsUncapturedOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	expectLockOrder(mock, fsm.StateCreated)
	mock.ExpectRollback()

	_, err = NewLedgerRepo(db, repositories.DriverMySQL).ApplySettlement(context.Background(), "po-1", time.Now())
	assert.ErrorIs(t, err, ErrStateConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplySettlementRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	expectLockOrder(mock, fsm.StateCaptured)
	mock.ExpectQuery(`FROM projects WHERE id = \? FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"current_amount", "target_amount", "status"}).AddRow("0", "1000", "active"))
	mock.ExpectExec(`INSERT INTO project_backers`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE projects SET current_amount`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO user_backed_projects`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = NewLedgerRepo(db, repositories.DriverMySQL).ApplySettlement(context.Background(), "po-1", time.Now())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplySettlementDuplicateBackerRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	expectLockOrder(mock, fsm.StateCaptured)
	mock.ExpectQuery(`FROM projects WHERE id = \? FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"current_amount", "target_amount", "status"}).AddRow("150", "1000", "active"))
	mock.ExpectExec(`INSERT INTO project_backers`).WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()

	_, err = NewLedgerRepo(db, repositories.DriverMySQL).ApplySettlement(context.Background(), "po-1", time.Now())
	assert.ErrorIs(t, err, ErrStateConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTotalsDrift(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`HAVING p.current_amount <> COALESCE\(SUM\(b.amount\), 0\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "current_amount", "sum"}).AddRow("p3", "200", "150"))

	out, err := NewLedgerRepo(db, repositories.DriverMySQL).ListTotalsDrift(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "p3", out[0].ProjectID)
	assert.True(t, out[0].BackersTotal.Equal(decimal.NewFromInt(150)))
}
