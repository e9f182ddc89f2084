package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crowdfundBack/internal/models"
	"crowdfundBack/internal/pledge/fsm"
	"crowdfundBack/internal/repositories"
)

// SettlementResult describes the ledger after a settlement was applied.
type SettlementResult struct {
	PendingID      string
	ProjectID      string
	PayerID        string
	CaptureID      string
	Amount         decimal.Decimal
	CurrentAmount  decimal.Decimal
	TargetAmount   decimal.Decimal
	Status         models.ProjectStatus
	BecameFunded   bool
	AlreadySettled bool
	SettledAt      time.Time
}

// Drift is a project whose running total disagrees with its backer rows.
type Drift struct {
	ProjectID     string          `json:"projectId"`
	CurrentAmount decimal.Decimal `json:"currentAmount"`
	BackersTotal  decimal.Decimal `json:"backersTotal"`
}

// LedgerRepo applies captured pledges to projects and user histories.
type LedgerRepo struct {
	db     *sql.DB
	driver string
}

func NewLedgerRepo(db *sql.DB, driver string) *LedgerRepo {
	return &LedgerRepo{db: db, driver: driver}
}

func (r *LedgerRepo) q(query string) string { return repositories.Rebind(r.driver, query) }

// ApplySettlement moves a captured order into the ledger in one transaction:
// backer row, project total and status, user history and the settled state
// commit together or not at all. Applying an order that is already settled
// returns the current project figures with AlreadySettled set.
func (r *LedgerRepo) ApplySettlement(ctx context.Context, pendingID string, at time.Time) (res SettlementResult, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return SettlementResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		state          string
		captureID      sql.NullString
		capturedAmount decimal.NullDecimal
	)
	err = tx.QueryRowContext(ctx, r.q(`SELECT state, project_id, payer_id, capture_id, captured_amount FROM pending_orders WHERE id = ? FOR UPDATE`), pendingID).
		Scan(&state, &res.ProjectID, &res.PayerID, &captureID, &capturedAmount)
	if errors.Is(err, sql.ErrNoRows) {
		return SettlementResult{}, ErrNotFound
	}
	if err != nil {
		return SettlementResult{}, fmt.Errorf("lock pending order: %w", err)
	}
	res.PendingID = pendingID
	res.CaptureID = captureID.String
	res.Amount = capturedAmount.Decimal

	var status string
	if state == fsm.StateSettled {
		err = tx.QueryRowContext(ctx, r.q(`SELECT current_amount, target_amount, status FROM projects WHERE id = ?`), res.ProjectID).
			Scan(&res.CurrentAmount, &res.TargetAmount, &status)
		if err != nil {
			return SettlementResult{}, fmt.Errorf("load project: %w", err)
		}
		res.Status = models.ProjectStatus(status)
		res.AlreadySettled = true
		return res, tx.Commit()
	}
	if state != fsm.StateCaptured || !capturedAmount.Valid {
		err = fmt.Errorf("%w: order %s is %s", ErrStateConflict, pendingID, state)
		return SettlementResult{}, err
	}

	err = tx.QueryRowContext(ctx, r.q(`SELECT current_amount, target_amount, status FROM projects WHERE id = ? FOR UPDATE`), res.ProjectID).
		Scan(&res.CurrentAmount, &res.TargetAmount, &status)
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("%w: project %s", ErrNotFound, res.ProjectID)
		return SettlementResult{}, err
	}
	if err != nil {
		return SettlementResult{}, fmt.Errorf("lock project: %w", err)
	}

	at = at.UTC()
	if _, err = tx.ExecContext(ctx, r.q(`INSERT INTO project_backers (id, project_id, user_id, amount, backed_at, order_id) VALUES (?,?,?,?,?,?)`),
		uuid.NewString(), res.ProjectID, res.PayerID, res.Amount, at, pendingID); err != nil {
		if repositories.IsDuplicateKey(err) {
			err = fmt.Errorf("%w: backer row for order %s exists", ErrStateConflict, pendingID)
		}
		return SettlementResult{}, err
	}

	res.CurrentAmount = res.CurrentAmount.Add(res.Amount)
	res.Status = models.ProjectStatus(status)
	if res.CurrentAmount.GreaterThanOrEqual(res.TargetAmount) &&
		res.Status != models.ProjectStatusFunded &&
		fsm.CanTransitionProject(res.Status, models.ProjectStatusFunded) {
		res.Status = models.ProjectStatusFunded
		res.BecameFunded = true
	}

	if _, err = tx.ExecContext(ctx, r.q(`UPDATE projects SET current_amount = ?, status = ?, version = version + 1, updated_at = ? WHERE id = ?`),
		res.CurrentAmount, string(res.Status), at, res.ProjectID); err != nil {
		return SettlementResult{}, err
	}

	if _, err = tx.ExecContext(ctx, r.q(`INSERT INTO user_backed_projects (id, user_id, project_id, amount, backed_at, order_id) VALUES (?,?,?,?,?,?)`),
		uuid.NewString(), res.PayerID, res.ProjectID, res.Amount, at, pendingID); err != nil {
		return SettlementResult{}, err
	}

	if err = fsm.Apply(ctx, tx, r.q, pendingID, fsm.StateCaptured, fsm.StateSettled); err != nil {
		return SettlementResult{}, err
	}

	if err = tx.Commit(); err != nil {
		return SettlementResult{}, err
	}
	res.SettledAt = at
	return res, nil
}

// ListTotalsDrift reports projects whose current amount differs from the sum of their backers.
func (r *LedgerRepo) ListTotalsDrift(ctx context.Context) ([]Drift, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT p.id, p.current_amount, COALESCE(SUM(b.amount), 0)
		FROM projects p LEFT JOIN project_backers b ON b.project_id = p.id
		GROUP BY p.id, p.current_amount
		HAVING p.current_amount <> COALESCE(SUM(b.amount), 0)`)
	if err != nil {
		return nil, fmt.Errorf("list drift: %w", err)
	}
	defer rows.Close()

	var out []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.ProjectID, &d.CurrentAmount, &d.BackersTotal); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
