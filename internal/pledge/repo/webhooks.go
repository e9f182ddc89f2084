package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"crowdfundBack/internal/repositories"
)

type WebhookEvent struct {
	EventID   string
	EventType string
	OrderID   string
	Signature string
	Payload   []byte
}

// WebhooksRepo stores processor webhooks and deduplicates them by event id.
type WebhooksRepo struct {
	db     *sql.DB
	driver string
}

func NewWebhooksRepo(db *sql.DB, driver string) *WebhooksRepo {
	return &WebhooksRepo{db: db, driver: driver}
}

// Save records an incoming event. ErrDuplicateEvent is returned only when the
// same event was already processed; an event whose processing failed may be
// delivered again.
func (r *WebhooksRepo) Save(ctx context.Context, ev WebhookEvent) error {
	_, err := r.db.ExecContext(ctx, repositories.Rebind(r.driver, `INSERT INTO payment_webhooks (event_id, event_type, order_id, signature, body_json, received_at) VALUES (?,?,?,?,?,?)`),
		ev.EventID, ev.EventType, ev.OrderID, ev.Signature, ev.Payload, time.Now().UTC())
	if err == nil {
		return nil
	}
	if !repositories.IsDuplicateKey(err) {
		return fmt.Errorf("save webhook: %w", err)
	}

	var processedAt sql.NullTime
	if err := r.db.QueryRowContext(ctx, repositories.Rebind(r.driver, `SELECT processed_at FROM payment_webhooks WHERE event_id = ?`), ev.EventID).Scan(&processedAt); err != nil {
		return fmt.Errorf("load webhook: %w", err)
	}
	if processedAt.Valid {
		return ErrDuplicateEvent
	}
	return nil
}

// MarkProcessed stamps a successfully handled event.
func (r *WebhooksRepo) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := r.db.ExecContext(ctx, repositories.Rebind(r.driver, `UPDATE payment_webhooks SET processed_at = ?, last_error = NULL WHERE event_id = ?`),
		time.Now().UTC(), eventID)
	return err
}

// MarkError keeps the failure of the latest processing attempt.
func (r *WebhooksRepo) MarkError(ctx context.Context, eventID string, cause error) error {
	msg := truncate(cause.Error(), maxTextLen)
	_, err := r.db.ExecContext(ctx, repositories.Rebind(r.driver, `UPDATE payment_webhooks SET last_error = ? WHERE event_id = ?`), msg, eventID)
	return err
}
