package settlement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultOrderTTL      = 3 * time.Hour
	defaultCapturedGrace = 2 * time.Minute
	defaultLockTimeout   = 10 * time.Second
	defaultPublishWait   = 5 * time.Second
)

// Config aggregates behavioural parameters of the settlement service.
type Config struct {
	// MinAmount and MaxAmount bound a single pledge. Zero disables the bound.
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
	// OrderTTL is how long a created order may wait for capture before it expires locally.
	OrderTTL time.Duration
	// CapturedGrace is how long a captured order may stay unsettled before
	// reconciliation re-applies it.
	CapturedGrace time.Duration
	// LockTimeout bounds the wait for the per-project lock.
	LockTimeout time.Duration
	// PublishTimeout bounds delivery of one settled event to all publishers.
	PublishTimeout time.Duration
}

// WithDefaults fills zero durations.
func (c Config) WithDefaults() Config {
	if c.OrderTTL <= 0 {
		c.OrderTTL = defaultOrderTTL
	}
	if c.CapturedGrace <= 0 {
		c.CapturedGrace = defaultCapturedGrace
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = defaultLockTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishWait
	}
	return c
}

func (c Config) Validate() error {
	if c.MinAmount.IsNegative() || c.MaxAmount.IsNegative() {
		return fmt.Errorf("pledge amount bounds must not be negative")
	}
	if c.MaxAmount.IsPositive() && c.MinAmount.GreaterThan(c.MaxAmount) {
		return fmt.Errorf("pledge min amount %s exceeds max amount %s", c.MinAmount, c.MaxAmount)
	}
	return nil
}
