package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoranet/marketplace/internal/config"
	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/crypto"
	"github.com/agoranet/marketplace/internal/database"
	"github.com/agoranet/marketplace/internal/metrics"
)

type receiver struct {
	mu     sync.Mutex
	status int
	bodies [][]byte
	sigs   []string
}

func (r *receiver) handler(w http.ResponseWriter, req *http.Request) {
	raw, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.bodies = append(r.bodies, raw)
	r.sigs = append(r.sigs, req.Header.Get("X-Webhook-Signature"))
	status := r.status
	r.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

type fixture struct {
	store      *database.Memory
	dispatcher *Dispatcher
	outbox     *Outbox
	recv       *receiver
	client     *core.Agent
	seller     *core.Agent
	clock      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: database.NewMemory(),
		recv:  &receiver{},
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	srv := httptest.NewServer(http.HandlerFunc(f.recv.handler))
	t.Cleanup(srv.Close)

	f.client = &core.Agent{
		AgentID: uuid.New(), PublicKey: "client-key", DisplayName: "client",
		EndpointURL: srv.URL, WebhookSecret: "client-secret", Status: core.AgentActive,
	}
	f.seller = &core.Agent{
		AgentID: uuid.New(), PublicKey: "seller-key", DisplayName: "seller",
		EndpointURL: srv.URL, WebhookSecret: "seller-secret", Status: core.AgentActive,
	}
	ctx := context.Background()
	require.NoError(t, f.store.Transact(ctx, func(tx database.Tx) error {
		if err := tx.CreateAgent(ctx, f.client); err != nil {
			return err
		}
		return tx.CreateAgent(ctx, f.seller)
	}))

	f.dispatcher = NewDispatcher(f.store, config.WebhookConfig{
		Workers: 2, TimeoutSeconds: 5, MaxAttempts: 3, BackoffSeconds: []int{1, 5, 30},
	}, metrics.New())
	f.dispatcher.now = func() time.Time { return f.clock }
	f.outbox = NewOutbox()
	f.outbox.now = f.dispatcher.now
	return f
}

func (f *fixture) enqueueJobEvent(t *testing.T, event string) *core.Job {
	t.Helper()
	job := &core.Job{
		JobID:         uuid.New(),
		ClientAgentID: f.client.AgentID,
		SellerAgentID: f.seller.AgentID,
	}
	ctx := context.Background()
	require.NoError(t, f.store.Transact(ctx, func(tx database.Tx) error {
		return f.outbox.JobEvent(ctx, tx, event, job, map[string]any{"amount": "10.00"})
	}))
	return job
}

func (f *fixture) deliveries(t *testing.T) []core.WebhookDelivery {
	t.Helper()
	ctx := context.Background()
	var out []core.WebhookDelivery
	require.NoError(t, f.store.View(ctx, func(tx database.Tx) error {
		due, err := tx.ClaimDueWebhooks(ctx, f.clock.Add(24*time.Hour), 100)
		out = due
		return err
	}))
	return out
}

func TestDeliverSignedEvent(t *testing.T) {
	f := newFixture(t)
	job := f.enqueueJobEvent(t, "job.funded")

	n, err := f.dispatcher.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f.recv.mu.Lock()
	defer f.recv.mu.Unlock()
	require.Len(t, f.recv.bodies, 2)

	for i, raw := range f.recv.bodies {
		var envelope map[string]any
		require.NoError(t, json.Unmarshal(raw, &envelope))
		assert.Equal(t, "job.funded", envelope["event"])
		assert.Equal(t, job.JobID.String(), envelope["job_id"])
		data, ok := envelope["data"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "10.00", data["amount"])

		// The signature covers the canonical unsigned envelope.
		sig, _ := envelope["signature"].(string)
		assert.Equal(t, f.recv.sigs[i], sig)
		delete(envelope, "signature")
		unsigned, err := json.Marshal(envelope)
		require.NoError(t, err)
		canonical, err := crypto.CanonicalJSON(unsigned)
		require.NoError(t, err)
		timestamp, _ := envelope["timestamp"].(string)
		secrets := []string{f.client.WebhookSecret, f.seller.WebhookSecret}
		assert.Contains(t, []string{
			crypto.WebhookSignature(secrets[0], timestamp, canonical),
			crypto.WebhookSignature(secrets[1], timestamp, canonical),
		}, sig)
	}
	assert.Empty(t, f.deliveries(t), "everything delivered")
}

func TestRetryBackoffThenDeadLetter(t *testing.T) {
	f := newFixture(t)
	f.recv.status = http.StatusInternalServerError
	f.enqueueJobEvent(t, "job.delivered")
	ctx := context.Background()

	for attempt := 1; attempt <= 3; attempt++ {
		n, err := f.dispatcher.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n, "attempt %d", attempt)
		// Jump past the retry lease and backoff.
		f.clock = f.clock.Add(time.Hour)
	}

	// All attempts exhausted; nothing is due any more and the rows are
	// dead-lettered.
	n, err := f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRetrySetsNextAttempt(t *testing.T) {
	f := newFixture(t)
	f.recv.status = http.StatusBadGateway
	f.enqueueJobEvent(t, "job.completed")
	ctx := context.Background()

	_, err := f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)

	// Not due yet: first backoff step is ahead of the frozen clock.
	n, err := f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock = f.clock.Add(time.Hour)
	n, err = f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMissingTargetDeadLettersImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ghost := uuid.New()
	require.NoError(t, f.store.Transact(ctx, func(tx database.Tx) error {
		return f.outbox.AgentEvent(ctx, tx, ghost, "job.deadline_warning", nil, nil)
	}))

	n, err := f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.clock = f.clock.Add(time.Hour)
	n, err = f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "permanent failure never retries")
}

func TestBackoffSchedule(t *testing.T) {
	d := NewDispatcher(nil, config.WebhookConfig{BackoffSeconds: []int{1, 5, 30, 300, 1800}}, metrics.New())
	assert.Equal(t, time.Second, d.backoff(1))
	assert.Equal(t, 5*time.Second, d.backoff(2))
	assert.Equal(t, 30*time.Minute, d.backoff(5))
	assert.Equal(t, 30*time.Minute, d.backoff(9))
}
