package settlement

import (
	"errors"
	"fmt"
)

// Kind classifies settlement failures for callers and the HTTP layer.
type Kind string

const (
	KindInvalidAmount       Kind = "InvalidAmount"
	KindProjectNotFound     Kind = "ProjectNotFound"
	KindProjectNotFundable  Kind = "ProjectNotFundable"
	KindBrokerUnavailable   Kind = "BrokerUnavailable"
	KindOrderNotFound       Kind = "OrderNotFound"
	KindPaymentNotCompleted Kind = "PaymentNotCompleted"
	KindPersistenceFailure  Kind = "PersistenceFailure"
	KindInvalidReward       Kind = "InvalidReward"
	KindForbidden           Kind = "Forbidden"
	KindContextMismatch     Kind = "ContextMismatch"
	KindSettlementPending   Kind = "SettlementPending"
	KindUnauthorized        Kind = "Unauthorized"
)

// Error is returned by every Service operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	// CaptureID is set when the processor took the money but the ledger
	// could not be updated yet.
	CaptureID string
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind, so errors.Is(err, ErrProjectNotFound) works
// for any wrapped *Error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrInvalidAmount       = &Error{Kind: KindInvalidAmount}
	ErrProjectNotFound     = &Error{Kind: KindProjectNotFound}
	ErrProjectNotFundable  = &Error{Kind: KindProjectNotFundable}
	ErrBrokerUnavailable   = &Error{Kind: KindBrokerUnavailable}
	ErrOrderNotFound       = &Error{Kind: KindOrderNotFound}
	ErrPaymentNotCompleted = &Error{Kind: KindPaymentNotCompleted}
	ErrPersistenceFailure  = &Error{Kind: KindPersistenceFailure}
	ErrInvalidReward       = &Error{Kind: KindInvalidReward}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrContextMismatch     = &Error{Kind: KindContextMismatch}
	ErrSettlementPending   = &Error{Kind: KindSettlementPending}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
)

// KindOf returns the kind of a settlement error, or PersistenceFailure for
// anything unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPersistenceFailure
}

func fail(op string, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func wrap(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
