// Package webhooks delivers signed job events to agent endpoints with
// at-least-once semantics. Events are written as pending rows inside the
// transaction that caused them; a background dispatcher pool posts them
// with exponential backoff and dead-letters after repeated failure.
package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/crypto"
	"github.com/agoranet/marketplace/internal/database"
)

// Outbox writes event rows inside the caller's transaction so an event
// exists if and only if the change it announces committed.
type Outbox struct {
	now func() time.Time
}

// NewOutbox builds the transactional event writer.
func NewOutbox() *Outbox {
	return &Outbox{now: time.Now}
}

// JobEvent enqueues the event for both parties of the job.
func (o *Outbox) JobEvent(ctx context.Context, tx database.Tx, event string, job *core.Job, data map[string]any) error {
	for _, target := range []uuid.UUID{job.ClientAgentID, job.SellerAgentID} {
		if err := o.AgentEvent(ctx, tx, target, event, &job.JobID, data); err != nil {
			return err
		}
	}
	return nil
}

// AgentEvent enqueues one event for a single agent, used for reviews and
// deadline warnings where only one side is notified.
func (o *Outbox) AgentEvent(ctx context.Context, tx database.Tx, target uuid.UUID, event string, jobID *uuid.UUID, data map[string]any) error {
	now := o.now().UTC()
	envelope := map[string]any{
		"event":     event,
		"timestamp": now.Format(time.RFC3339),
	}
	if jobID != nil {
		envelope["job_id"] = jobID.String()
	}
	if len(data) > 0 {
		envelope["data"] = data
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	// Canonical form so the receiver can reproduce the signed bytes.
	payload, err := crypto.CanonicalJSON(raw)
	if err != nil {
		return err
	}
	return tx.EnqueueWebhook(ctx, &core.WebhookDelivery{
		DeliveryID:    uuid.New(),
		TargetAgentID: target,
		EventType:     event,
		JobID:         jobID,
		Payload:       payload,
		Status:        core.WebhookPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	})
}
