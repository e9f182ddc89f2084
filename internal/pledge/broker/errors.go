package broker

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidAmount     = errors.New("broker: amount must be positive")
	ErrBrokerUnavailable = errors.New("broker: payment processor unavailable")
	ErrOrderNotFound     = errors.New("broker: order not found")
	ErrRejected          = errors.New("broker: request rejected")
	ErrInvalidContext    = errors.New("broker: invalid order context")
)

// Issue codes returned by the processor on 422 responses.
const (
	IssueAlreadyCaptured    = "ORDER_ALREADY_CAPTURED"
	IssueNotApproved        = "ORDER_NOT_APPROVED"
	IssueInstrumentDeclined = "INSTRUMENT_DECLINED"
)

// Error carries the processor response that caused a failure. Err is one of
// the package sentinels so callers can use errors.Is.
type Error struct {
	StatusCode int
	Status     string
	Issue      string
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString("broker error")
	}
	if e.Status != "" {
		fmt.Fprintf(&b, ": %s", e.Status)
	}
	if e.Issue != "" {
		fmt.Fprintf(&b, " (%s)", e.Issue)
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		fmt.Fprintf(&b, ": %s", trim(body, 512))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func classify(statusCode int) error {
	switch {
	case statusCode == 404:
		return ErrOrderNotFound
	case statusCode == 429, statusCode >= 500:
		return ErrBrokerUnavailable
	default:
		return ErrRejected
	}
}

func trim(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
