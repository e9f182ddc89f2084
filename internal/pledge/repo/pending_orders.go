package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crowdfundBack/internal/pledge/fsm"
	"crowdfundBack/internal/repositories"
)

// PendingOrder tracks one pledge from order creation until it reaches the ledger.
type PendingOrder struct {
	ID              string
	ExternalOrderID string
	ProjectID       string
	RewardID        string
	PayerID         string
	Amount          decimal.Decimal
	Currency        string
	State           string
	CaptureID       string
	CapturedAmount  decimal.Decimal
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CapturedAt      *time.Time
	SettledAt       *time.Time
}

// PendingOrdersRepo handles the pending_orders table.
type PendingOrdersRepo struct {
	db     *sql.DB
	driver string
}

func NewPendingOrdersRepo(db *sql.DB, driver string) *PendingOrdersRepo {
	return &PendingOrdersRepo{db: db, driver: driver}
}

func (r *PendingOrdersRepo) q(query string) string { return repositories.Rebind(r.driver, query) }

const pendingColumns = `id, external_order_id, project_id, reward_id, payer_id, amount, currency, state, capture_id, captured_amount, failure_reason, created_at, updated_at, captured_at, settled_at`

// Create inserts a new order in the created state. An empty ID is generated.
func (r *PendingOrdersRepo) Create(ctx context.Context, o *PendingOrder) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	o.State = fsm.StateCreated
	o.CreatedAt, o.UpdatedAt = now, now

	_, err := r.db.ExecContext(ctx, r.q(`INSERT INTO pending_orders (id, project_id, reward_id, payer_id, amount, currency, state, created_at, updated_at) VALUES (?,?,?,?,?,?,?,?,?)`),
		o.ID, o.ProjectID, nullString(o.RewardID), o.PayerID, o.Amount, o.Currency, o.State, now, now)
	if err != nil {
		return fmt.Errorf("insert pending order: %w", err)
	}
	return nil
}

// AttachExternalID records the processor order id. It can be set only once.
func (r *PendingOrdersRepo) AttachExternalID(ctx context.Context, id, externalID string) error {
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE pending_orders SET external_order_id = ?, updated_at = ? WHERE id = ? AND state = ? AND external_order_id IS NULL`),
		externalID, time.Now().UTC(), id, fsm.StateCreated)
	if err != nil {
		return fmt.Errorf("attach external id: %w", err)
	}
	return expectOne(res)
}

func (r *PendingOrdersRepo) Get(ctx context.Context, id string) (PendingOrder, error) {
	return r.getBy(ctx, "id", id)
}

func (r *PendingOrdersRepo) GetByExternalID(ctx context.Context, externalID string) (PendingOrder, error) {
	return r.getBy(ctx, "external_order_id", externalID)
}

func (r *PendingOrdersRepo) getBy(ctx context.Context, column, value string) (PendingOrder, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+pendingColumns+` FROM pending_orders WHERE `+column+` = ?`), value)
	o, err := scanPendingOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingOrder{}, ErrNotFound
	}
	if err != nil {
		return PendingOrder{}, fmt.Errorf("get pending order: %w", err)
	}
	return o, nil
}

// MarkCaptured records the processor capture. Late captures of failed or
// expired orders are accepted.
func (r *PendingOrdersRepo) MarkCaptured(ctx context.Context, id, captureID string, amount decimal.Decimal) error {
	from := fsm.Sources(fsm.StateCaptured)
	args := []any{fsm.StateCaptured, captureID, amount, time.Now().UTC(), time.Now().UTC(), id}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE pending_orders SET state = ?, capture_id = ?, captured_amount = ?, captured_at = ?, updated_at = ?, failure_reason = NULL WHERE id = ? AND state IN (`+placeholders(len(from))+`)`), args...)
	if err != nil {
		return fmt.Errorf("mark captured: %w", err)
	}
	return expectOne(res)
}

// MarkFailed flags an order whose capture did not complete.
func (r *PendingOrdersRepo) MarkFailed(ctx context.Context, id, reason string) error {
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE pending_orders SET state = ?, failure_reason = ?, updated_at = ? WHERE id = ? AND state IN (?, ?)`),
		fsm.StateFailed, truncate(reason, maxTextLen), time.Now().UTC(), id, fsm.StateCreated, fsm.StateFailed)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return expectOne(res)
}

// MarkMismatched keeps a capture whose order context did not match the pledge.
// The order leaves the settlement path and shows up in ListMismatched.
func (r *PendingOrdersRepo) MarkMismatched(ctx context.Context, id, captureID string, amount decimal.Decimal, reason string) error {
	from := fsm.Sources(fsm.StateMismatched)
	now := time.Now().UTC()
	args := []any{fsm.StateMismatched, captureID, amount, truncate(reason, maxTextLen), now, now, id}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE pending_orders SET state = ?, capture_id = ?, captured_amount = ?, failure_reason = ?, captured_at = ?, updated_at = ? WHERE id = ? AND state IN (`+placeholders(len(from))+`)`), args...)
	if err != nil {
		return fmt.Errorf("mark mismatched: %w", err)
	}
	return expectOne(res)
}

// ExpireStale moves created orders older than before to expired and returns how many changed.
func (r *PendingOrdersRepo) ExpireStale(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE pending_orders SET state = ?, updated_at = ? WHERE state = ? AND created_at < ?`),
		fsm.StateExpired, time.Now().UTC(), fsm.StateCreated, before)
	if err != nil {
		return 0, fmt.Errorf("expire stale orders: %w", err)
	}
	return res.RowsAffected()
}

// ListCapturedBefore returns captured but unsettled orders captured before the cutoff.
func (r *PendingOrdersRepo) ListCapturedBefore(ctx context.Context, before time.Time, limit int) ([]PendingOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT `+pendingColumns+` FROM pending_orders WHERE state = ? AND captured_at < ? ORDER BY captured_at LIMIT ?`),
		fsm.StateCaptured, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list captured orders: %w", err)
	}
	return collectPendingOrders(rows)
}

// ListMismatched returns captured orders held back for review, oldest first.
func (r *PendingOrdersRepo) ListMismatched(ctx context.Context, limit int) ([]PendingOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT `+pendingColumns+` FROM pending_orders WHERE state = ? ORDER BY captured_at LIMIT ?`),
		fsm.StateMismatched, limit)
	if err != nil {
		return nil, fmt.Errorf("list mismatched orders: %w", err)
	}
	return collectPendingOrders(rows)
}

func collectPendingOrders(rows *sql.Rows) ([]PendingOrder, error) {
	defer rows.Close()

	var out []PendingOrder
	for rows.Next() {
		o, err := scanPendingOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPendingOrder(s scanner) (PendingOrder, error) {
	var (
		o                                        PendingOrder
		externalID, rewardID, captureID, failure sql.NullString
		capturedAmount                           decimal.NullDecimal
		capturedAt, settledAt                    sql.NullTime
	)
	err := s.Scan(&o.ID, &externalID, &o.ProjectID, &rewardID, &o.PayerID, &o.Amount, &o.Currency, &o.State,
		&captureID, &capturedAmount, &failure, &o.CreatedAt, &o.UpdatedAt, &capturedAt, &settledAt)
	if err != nil {
		return PendingOrder{}, err
	}
	o.ExternalOrderID = externalID.String
	o.RewardID = rewardID.String
	o.CaptureID = captureID.String
	o.FailureReason = failure.String
	if capturedAmount.Valid {
		o.CapturedAmount = capturedAmount.Decimal
	}
	if capturedAt.Valid {
		o.CapturedAt = &capturedAt.Time
	}
	if settledAt.Valid {
		o.SettledAt = &settledAt.Time
	}
	return o, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStateConflict
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// maxTextLen matches the VARCHAR(512) text columns; both MySQL and Postgres
// count characters, not bytes.
const maxTextLen = 512

// truncate cuts s to at most max characters without splitting a rune.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
