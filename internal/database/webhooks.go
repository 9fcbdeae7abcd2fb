package database

import (
	"context"
	"fmt"
	"time"

	"github.com/agoranet/marketplace/internal/core"
)

const webhookColumns = `delivery_id, target_agent_id, event_type, job_id,
	payload, status, attempts, last_error, next_attempt_at, created_at`

func (t *pgTx) EnqueueWebhook(ctx context.Context, d *core.WebhookDelivery) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (`+webhookColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		d.DeliveryID, d.TargetAgentID, d.EventType, d.JobID, d.Payload,
		d.Status, d.Attempts, d.LastError, d.NextAttemptAt, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue webhook: %w", err)
	}
	return nil
}

// ClaimDueWebhooks pushes due deliveries one backoff slot forward while
// returning them, so a crashed worker's claims resurface on their own.
func (t *pgTx) ClaimDueWebhooks(ctx context.Context, now time.Time, limit int) ([]core.WebhookDelivery, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := t.tx.QueryContext(ctx, `
		UPDATE webhook_deliveries SET next_attempt_at = $1
		WHERE delivery_id IN (
			SELECT delivery_id FROM webhook_deliveries
			WHERE status = 'pending' AND next_attempt_at <= $2
			ORDER BY next_attempt_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+webhookColumns, now.Add(2*time.Minute), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim webhooks: %w", err)
	}
	defer rows.Close()
	var out []core.WebhookDelivery
	for rows.Next() {
		var d core.WebhookDelivery
		if err := rows.Scan(&d.DeliveryID, &d.TargetAgentID, &d.EventType,
			&d.JobID, &d.Payload, &d.Status, &d.Attempts, &d.LastError,
			&d.NextAttemptAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateWebhook(ctx context.Context, d *core.WebhookDelivery) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = $2, attempts = $3,
			last_error = $4, next_attempt_at = $5
		WHERE delivery_id = $1`,
		d.DeliveryID, d.Status, d.Attempts, d.LastError, d.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	return requireOneRow(res, "webhook delivery")
}

func (t *pgTx) PendingWebhookCount(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_deliveries WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending webhook count: %w", err)
	}
	return n, nil
}
