package pledge

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"crowdfundBack/internal/config"
	"crowdfundBack/internal/pledge/broker"
	"crowdfundBack/internal/pledge/reconcile"
	"crowdfundBack/internal/pledge/settlement"
)

const (
	defaultBrokerTimeout     = 15 * time.Second
	defaultReconcileInterval = 5 * time.Minute
	defaultLockTTL           = 30 * time.Second
)

// PledgeConfig holds runtime configuration for the pledge module.
type PledgeConfig struct {
	Settlement        settlement.Config
	Broker            broker.Config
	BrokerTimeout     time.Duration
	WebhookSecret     string
	ReconcileInterval time.Duration
	LockTTL           time.Duration
	FirebaseCreds     string
	S3                reconcile.S3Config
}

// NewPledgeConfig converts the application config and applies defaults.
func NewPledgeConfig(c config.Config) (PledgeConfig, error) {
	cfg := PledgeConfig{
		Broker: broker.Config{
			BaseURL:      c.Broker.BaseURL,
			ClientID:     c.Broker.ClientID,
			ClientSecret: c.Broker.ClientSecret,
			Currency:     c.Broker.Currency,
			ReturnURL:    c.Broker.ReturnURL,
			CancelURL:    c.Broker.CancelURL,
			BrandName:    c.Broker.BrandName,
		},
		BrokerTimeout:     seconds(c.Broker.TimeoutSec, defaultBrokerTimeout),
		WebhookSecret:     c.Broker.WebhookSecret,
		ReconcileInterval: seconds(c.Pledge.ReconcileIntervalSec, defaultReconcileInterval),
		LockTTL:           seconds(c.Pledge.LockTTLSec, defaultLockTTL),
		FirebaseCreds:     c.Firebase.CredentialsFile,
		S3: reconcile.S3Config{
			Endpoint:  c.S3.Endpoint,
			Region:    c.S3.Region,
			Bucket:    c.S3.Bucket,
			AccessKey: c.S3.AccessKey,
			SecretKey: c.S3.SecretKey,
			Prefix:    c.S3.Prefix,
		},
	}

	var err error
	if cfg.Settlement.MinAmount, err = parseAmount(c.Pledge.MinAmount); err != nil {
		return PledgeConfig{}, fmt.Errorf("parse pledge.min_amount: %w", err)
	}
	if cfg.Settlement.MaxAmount, err = parseAmount(c.Pledge.MaxAmount); err != nil {
		return PledgeConfig{}, fmt.Errorf("parse pledge.max_amount: %w", err)
	}
	if c.Pledge.OrderTTLMinutes > 0 {
		cfg.Settlement.OrderTTL = time.Duration(c.Pledge.OrderTTLMinutes) * time.Minute
	}
	if c.Pledge.CapturedGraceMinutes > 0 {
		cfg.Settlement.CapturedGrace = time.Duration(c.Pledge.CapturedGraceMinutes) * time.Minute
	}
	cfg.Settlement = cfg.Settlement.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return PledgeConfig{}, err
	}
	return cfg, nil
}

func (c PledgeConfig) Validate() error {
	if err := c.Settlement.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Broker.BaseURL) == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if strings.TrimSpace(c.Broker.ClientID) == "" || strings.TrimSpace(c.Broker.ClientSecret) == "" {
		return fmt.Errorf("broker client credentials are required")
	}
	if strings.TrimSpace(c.WebhookSecret) == "" {
		return fmt.Errorf("broker.webhook_secret is required")
	}
	return nil
}

func parseAmount(v string) (decimal.Decimal, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(v)
}

func seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}
