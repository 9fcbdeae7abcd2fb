package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/agoranet/marketplace/internal/config"
	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/crypto"
	"github.com/agoranet/marketplace/internal/database"
	"github.com/agoranet/marketplace/internal/metrics"
)

const pollInterval = time.Second

// Dispatcher claims due deliveries and posts them to agent endpoints
// through a bounded worker pool.
type Dispatcher struct {
	db         database.Client
	cfg        config.WebhookConfig
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *log.Logger
	now        func() time.Time
}

// NewDispatcher wires the delivery pool.
func NewDispatcher(db database.Client, cfg config.WebhookConfig, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		db:  db,
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		metrics: m,
		logger:  log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags),
		now:     time.Now,
	}
}

// Run polls for due deliveries until the context is cancelled. Workers
// finish the delivery they hold before Run returns.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil {
				d.logger.Printf("claim batch: %v", err)
			}
			d.updateQueueGauge(ctx)
		}
	}
}

// RunOnce claims one batch of due deliveries and sends them, returning
// how many were attempted.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	workers := d.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	var batch []core.WebhookDelivery
	err := d.db.Transact(ctx, func(tx database.Tx) error {
		due, err := tx.ClaimDueWebhooks(ctx, d.now().UTC(), workers*4)
		if err != nil {
			return err
		}
		batch = due
		return nil
	})
	if err != nil || len(batch) == 0 {
		return 0, err
	}

	jobs := make(chan core.WebhookDelivery)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for delivery := range jobs {
				d.deliver(ctx, delivery)
			}
		}()
	}
	for _, delivery := range batch {
		jobs <- delivery
	}
	close(jobs)
	wg.Wait()
	return len(batch), nil
}

func (d *Dispatcher) deliver(ctx context.Context, delivery core.WebhookDelivery) {
	var target *core.Agent
	err := d.db.View(ctx, func(tx database.Tx) error {
		agent, err := tx.AgentByID(ctx, delivery.TargetAgentID)
		if err != nil {
			return err
		}
		target = agent
		return nil
	})
	if err != nil {
		d.finish(ctx, delivery, fmt.Errorf("target agent: %w", err), true)
		return
	}

	body, signature, err := d.signedBody(target.WebhookSecret, delivery.Payload)
	if err != nil {
		d.finish(ctx, delivery, err, true)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.EndpointURL, bytes.NewReader(body))
	if err != nil {
		d.finish(ctx, delivery, err, true)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", delivery.EventType)
	req.Header.Set("X-Webhook-Signature", signature)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.finish(ctx, delivery, err, false)
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.finish(ctx, delivery, nil, false)
		return
	}
	d.finish(ctx, delivery, fmt.Errorf("endpoint returned %d", resp.StatusCode), false)
}

// signedBody embeds the HMAC signature into the stored envelope. The
// signature covers the timestamp and the canonical unsigned payload.
func (d *Dispatcher) signedBody(secret string, payload []byte) ([]byte, string, error) {
	var envelope map[string]any
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, "", fmt.Errorf("stored payload corrupt: %w", err)
	}
	timestamp, _ := envelope["timestamp"].(string)
	signature := crypto.WebhookSignature(secret, timestamp, payload)
	envelope["signature"] = signature
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, "", err
	}
	return body, signature, nil
}

// finish records the attempt. permanent errors dead-letter immediately;
// transient ones retry on the backoff schedule until attempts run out.
func (d *Dispatcher) finish(ctx context.Context, delivery core.WebhookDelivery, cause error, permanent bool) {
	now := d.now().UTC()
	delivery.Attempts++
	switch {
	case cause == nil:
		delivery.Status = core.WebhookDelivered
		delivery.LastError = ""
		d.metrics.WebhookAttempts.WithLabelValues("delivered").Inc()
	case permanent || delivery.Attempts >= d.cfg.MaxAttempts:
		delivery.Status = core.WebhookFailed
		delivery.LastError = cause.Error()
		d.metrics.WebhookAttempts.WithLabelValues("dead").Inc()
		d.logger.Printf("delivery %s dead after %d attempts: %v", delivery.DeliveryID, delivery.Attempts, cause)
	default:
		delivery.Status = core.WebhookPending
		delivery.LastError = cause.Error()
		delivery.NextAttemptAt = now.Add(d.backoff(delivery.Attempts))
		d.metrics.WebhookAttempts.WithLabelValues("retry").Inc()
	}

	err := d.db.Transact(ctx, func(tx database.Tx) error {
		return tx.UpdateWebhook(ctx, &delivery)
	})
	if err != nil {
		d.logger.Printf("record delivery %s: %v", delivery.DeliveryID, err)
	}
}

// backoff returns the wait before the given retry, clamped to the last
// schedule entry.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	schedule := d.cfg.BackoffSeconds
	if len(schedule) == 0 {
		return time.Minute
	}
	idx := attempt - 1
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return time.Duration(schedule[idx]) * time.Second
}

func (d *Dispatcher) updateQueueGauge(ctx context.Context) {
	var pending int
	err := d.db.View(ctx, func(tx database.Tx) error {
		n, err := tx.PendingWebhookCount(ctx)
		if err != nil {
			return err
		}
		pending = n
		return nil
	})
	if err == nil {
		d.metrics.WebhookQueue.Set(float64(pending))
	}
}
