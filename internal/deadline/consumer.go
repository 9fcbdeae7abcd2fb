// Package deadline watches the delivery-deadline queue and fails jobs
// whose deadline passed without a completed verification. It also emits
// a single warning event per job shortly before expiry.
package deadline

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/agoranet/marketplace/internal/config"
	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/database"
	"github.com/agoranet/marketplace/internal/infra"
	"github.com/agoranet/marketplace/internal/metrics"
)

// Queue is the sorted deadline set. The Redis adapter implements it.
type Queue interface {
	ScheduleDeadline(ctx context.Context, member string, at time.Time) error
	PeekNextDeadline(ctx context.Context) (*infra.Deadline, error)
	ClaimDeadline(ctx context.Context, member string) (bool, error)
}

// Failer fails an expired job and refunds its escrow. The jobs service
// implements it.
type Failer interface {
	FailExpired(ctx context.Context, jobID uuid.UUID) (*core.Job, error)
}

// EventSink writes warning events inside a transaction.
type EventSink interface {
	JobEvent(ctx context.Context, tx database.Tx, event string, job *core.Job, data map[string]any) error
}

// Consumer drains the deadline queue.
type Consumer struct {
	queue   Queue
	jobs    Failer
	db      database.Client
	events  EventSink
	cfg     config.DeadlineConfig
	metrics *metrics.Metrics
	logger  *log.Logger
	now     func() time.Time
	warned  map[string]bool
}

// NewConsumer wires the deadline watcher.
func NewConsumer(queue Queue, jobs Failer, db database.Client, events EventSink,
	cfg config.DeadlineConfig, m *metrics.Metrics) *Consumer {
	return &Consumer{
		queue:   queue,
		jobs:    jobs,
		db:      db,
		events:  events,
		cfg:     cfg,
		metrics: m,
		logger:  log.New(log.Writer(), "[DEADLINE] ", log.LstdFlags),
		now:     time.Now,
		warned:  make(map[string]bool),
	}
}

// Recover re-enqueues every live job that carries a deadline. Runs at
// boot before the consumer starts; ZADD makes it idempotent.
func (c *Consumer) Recover(ctx context.Context) (int, error) {
	var jobs []core.Job
	err := c.db.View(ctx, func(tx database.Tx) error {
		found, err := tx.JobsWithDeadlines(ctx)
		if err != nil {
			return err
		}
		jobs = found
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		if err := c.queue.ScheduleDeadline(ctx, j.JobID.String(), *j.DeliveryDeadline); err != nil {
			return 0, err
		}
	}
	if len(jobs) > 0 {
		c.logger.Printf("recovered %d deadline(s)", len(jobs))
	}
	return len(jobs), nil
}

// Run drains the queue until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		wait := c.step(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// step handles at most one due entry and returns how long to sleep
// before looking again.
func (c *Consumer) step(ctx context.Context) time.Duration {
	poll := time.Duration(c.cfg.PollIntervalSeconds) * time.Second
	if poll <= 0 {
		poll = 5 * time.Second
	}

	next, err := c.queue.PeekNextDeadline(ctx)
	if err != nil {
		c.logger.Printf("peek: %v", err)
		return poll
	}
	if next == nil {
		return poll
	}

	now := c.now()
	if !next.At.After(now) {
		won, err := c.queue.ClaimDeadline(ctx, next.Member)
		if err != nil {
			c.logger.Printf("claim %s: %v", next.Member, err)
			return poll
		}
		if won {
			c.fire(ctx, next.Member)
		}
		return 0
	}

	warnAt := next.At.Add(-time.Duration(c.cfg.WarningLeadMinutes) * time.Minute)
	if c.cfg.WarningLeadMinutes > 0 && !warnAt.After(now) && !c.warned[next.Member] {
		c.warn(ctx, next.Member, next.At)
		c.warned[next.Member] = true
	}

	wait := time.Until(next.At)
	if wait > poll {
		wait = poll
	}
	return wait
}

// fire fails the expired job. A conflict means the job settled between
// the deadline arming and now, which is the normal race and not an
// error.
func (c *Consumer) fire(ctx context.Context, member string) {
	jobID, err := uuid.Parse(member)
	if err != nil {
		c.logger.Printf("discarding malformed member %q", member)
		return
	}
	delete(c.warned, member)
	job, err := c.jobs.FailExpired(ctx, jobID)
	if err != nil {
		if core.KindOf(err) == core.KindConflict || core.KindOf(err) == core.KindNotFound {
			return
		}
		c.logger.Printf("fail expired job %s: %v", jobID, err)
		return
	}
	c.metrics.DeadlineExpiry.Inc()
	c.logger.Printf("job %s failed: deadline expired", job.JobID)
}

func (c *Consumer) warn(ctx context.Context, member string, at time.Time) {
	jobID, err := uuid.Parse(member)
	if err != nil || c.events == nil {
		return
	}
	err = c.db.Transact(ctx, func(tx database.Tx) error {
		job, err := tx.JobByID(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return nil
		}
		return c.events.JobEvent(ctx, tx, "job.deadline_warning", job, map[string]any{
			"deadline": at.UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		c.logger.Printf("warn job %s: %v", jobID, err)
		return
	}
	c.metrics.DeadlineWarning.Inc()
}
