package fsm

import (
	"context"
	"database/sql"
	"errors"

	"crowdfundBack/internal/models"
)

// Pending order states.
const (
	StateCreated  = "created"
	StateCaptured = "captured"
	StateSettled  = "settled"
	StateFailed   = "failed"
	StateExpired  = "expired"

	// StateMismatched holds a capture whose order context does not match the
	// pledge. It stays there until someone reviews it.
	StateMismatched = "mismatched"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// A failed or expired order may still be captured late: the processor holds
// the money, so it has to reach the ledger.
var orderTransitions = map[string]map[string]struct{}{
	StateCreated:    {StateCaptured: {}, StateFailed: {}, StateExpired: {}, StateMismatched: {}},
	StateCaptured:   {StateSettled: {}},
	StateFailed:     {StateCaptured: {}, StateMismatched: {}},
	StateExpired:    {StateCaptured: {}, StateMismatched: {}},
	StateSettled:    {},
	StateMismatched: {},
}

// Any project whose total reaches the target becomes funded, including one that
// expired while a late capture was in flight. Only funded is terminal.
var projectTransitions = map[models.ProjectStatus]map[models.ProjectStatus]struct{}{
	models.ProjectStatusDraft:   {models.ProjectStatusActive: {}, models.ProjectStatusFunded: {}},
	models.ProjectStatusActive:  {models.ProjectStatusFunded: {}, models.ProjectStatusExpired: {}},
	models.ProjectStatusFunded:  {},
	models.ProjectStatusExpired: {models.ProjectStatusFunded: {}},
}

// CanTransition reports whether a pending order may move from one state to another.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	allowed, ok := orderTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// CanTransitionProject reports whether a project status change is allowed.
func CanTransitionProject(from, to models.ProjectStatus) bool {
	if from == to {
		return true
	}
	allowed, ok := projectTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Sources lists the states from which an order may reach to.
func Sources(to string) []string {
	var out []string
	for _, from := range []string{StateCreated, StateCaptured, StateFailed, StateExpired, StateSettled, StateMismatched} {
		if from == to {
			continue
		}
		if _, ok := orderTransitions[from][to]; ok {
			out = append(out, from)
		}
	}
	return out
}

// Entering these states also stamps the matching timestamp column.
var stampColumns = map[string]string{
	StateCaptured:   "captured_at",
	StateSettled:    "settled_at",
	StateMismatched: "captured_at",
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Apply moves a pending order from one state to another with a compare-and-set
// update. sql.ErrNoRows means another writer changed the state first.
func Apply(ctx context.Context, db Execer, rebind func(string) string, orderID, fromState, toState string) error {
	if !CanTransition(fromState, toState) {
		return ErrInvalidTransition
	}
	q := `UPDATE pending_orders SET state = ?, updated_at = CURRENT_TIMESTAMP`
	if col, ok := stampColumns[toState]; ok && fromState != toState {
		q += `, ` + col + ` = CURRENT_TIMESTAMP`
	}
	q += ` WHERE id = ? AND state = ?`
	if rebind != nil {
		q = rebind(q)
	}
	res, err := db.ExecContext(ctx, q, toState, orderID, fromState)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
