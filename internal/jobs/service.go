// Package jobs drives the job lifecycle: proposal, bounded negotiation,
// escrow funding, execution, verification and settlement. All state
// changes go through the transition table in core; money only moves via
// the escrow engine inside the same database transaction as the job
// update that caused it.
package jobs

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agoranet/marketplace/internal/config"
	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/crypto"
	"github.com/agoranet/marketplace/internal/database"
	"github.com/agoranet/marketplace/internal/escrow"
	"github.com/agoranet/marketplace/internal/metrics"
	"github.com/agoranet/marketplace/internal/validate"
	"github.com/agoranet/marketplace/internal/verify"
)

const maxNegotiationRounds = 20

// DeadlineQueue schedules and cancels delivery-deadline timers. The
// Redis adapter implements it; misses are repaired by boot recovery.
type DeadlineQueue interface {
	ScheduleDeadline(ctx context.Context, member string, at time.Time) error
	CancelDeadline(ctx context.Context, member string) error
}

// EventSink records an outbound event for both job parties inside the
// caller's transaction. The webhook outbox implements it.
type EventSink interface {
	JobEvent(ctx context.Context, tx database.Tx, event string, job *core.Job, data map[string]any) error
}

// ScriptValidator statically checks a version 2.0 script spec. The
// container sandbox implements it.
type ScriptValidator interface {
	ValidateSpec(spec verify.ScriptSpec) error
}

// Service is the job lifecycle coordinator.
type Service struct {
	db        database.Client
	escrow    *escrow.Engine
	verifier  *verify.Engine
	scripts   ScriptValidator
	deadlines DeadlineQueue
	events    EventSink
	cfg       config.JobsConfig
	metrics   *metrics.Metrics
	logger    *log.Logger
	now       func() time.Time
}

// NewService wires the lifecycle coordinator. scripts, deadlines and
// events may be nil in reduced deployments; the corresponding steps are
// skipped.
func NewService(db database.Client, esc *escrow.Engine, verifier *verify.Engine,
	scripts ScriptValidator, deadlines DeadlineQueue, events EventSink,
	cfg config.JobsConfig, m *metrics.Metrics) *Service {
	return &Service{
		db:        db,
		escrow:    esc,
		verifier:  verifier,
		scripts:   scripts,
		deadlines: deadlines,
		events:    events,
		cfg:       cfg,
		metrics:   m,
		logger:    log.New(log.Writer(), "[JOBS] ", log.LstdFlags),
		now:       time.Now,
	}
}

// ProposeInput is a client's opening offer to a seller.
type ProposeInput struct {
	ClientAgentID    uuid.UUID
	SellerAgentID    uuid.UUID
	ListingID        *uuid.UUID
	Requirements     json.RawMessage
	Criteria         json.RawMessage
	ProposedPrice    decimal.Decimal
	DeliveryDeadline *time.Time
	MaxRounds        int
	Message          string
}

// Propose opens a job in proposed state with negotiation round zero.
// Acceptance criteria are validated and hashed here and frozen for the
// life of the job.
func (s *Service) Propose(ctx context.Context, in ProposeInput) (*core.Job, error) {
	if in.ClientAgentID == in.SellerAgentID {
		return nil, core.E(core.KindValidation, "client and seller must be different agents")
	}
	if !in.ProposedPrice.IsPositive() {
		return nil, core.E(core.KindValidation, "proposed_price must be positive")
	}
	if in.ProposedPrice.Exponent() < -2 {
		return nil, core.E(core.KindValidation, "proposed_price allows at most 2 decimal places")
	}
	maxRounds := in.MaxRounds
	if maxRounds == 0 {
		maxRounds = s.cfg.DefaultMaxRounds
	}
	if maxRounds < 1 || maxRounds > maxNegotiationRounds {
		return nil, core.E(core.KindValidation, "max_rounds must be between 1 and %d", maxNegotiationRounds)
	}
	now := s.now().UTC()
	if in.DeliveryDeadline != nil && !in.DeliveryDeadline.After(now) {
		return nil, core.E(core.KindValidation, "delivery_deadline must be in the future")
	}

	criteriaHash := ""
	if len(in.Criteria) > 0 {
		if err := validate.JSONSize("acceptance_criteria", in.Criteria, s.cfg.MaxCriteriaBytes); err != nil {
			return nil, err
		}
		suite, err := verify.ParseCriteria(in.Criteria)
		if err != nil {
			return nil, err
		}
		if suite.Script != nil && s.scripts != nil {
			if err := s.scripts.ValidateSpec(*suite.Script); err != nil {
				return nil, err
			}
		}
		criteriaHash, err = crypto.HashCriteria(in.Criteria)
		if err != nil {
			return nil, core.Wrap(core.KindValidation, err, "acceptance_criteria is not canonicalizable")
		}
	}

	job := &core.Job{
		JobID:            uuid.New(),
		ClientAgentID:    in.ClientAgentID,
		SellerAgentID:    in.SellerAgentID,
		ListingID:        in.ListingID,
		Status:           core.JobProposed,
		Criteria:         in.Criteria,
		CriteriaHash:     criteriaHash,
		Requirements:     in.Requirements,
		AgreedPrice:      in.ProposedPrice,
		DeliveryDeadline: in.DeliveryDeadline,
		MaxRounds:        maxRounds,
		CurrentRound:     0,
		NegotiationLog: []core.NegotiationRound{{
			Round:         0,
			Proposer:      in.ClientAgentID.String(),
			ProposedPrice: in.ProposedPrice.String(),
			Message:       in.Message,
			CriteriaHash:  criteriaHash,
			Timestamp:     now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.Transact(ctx, func(tx database.Tx) error {
		for _, id := range []uuid.UUID{in.ClientAgentID, in.SellerAgentID} {
			agent, err := tx.AgentByID(ctx, id)
			if err != nil {
				return err
			}
			if agent.Status != core.AgentActive {
				return core.E(core.KindForbidden, "agent %s is not active", id)
			}
		}
		if in.ListingID != nil {
			listing, err := tx.ListingByID(ctx, *in.ListingID)
			if err != nil {
				return err
			}
			if listing.SellerAgentID != in.SellerAgentID {
				return core.E(core.KindValidation, "listing does not belong to the seller")
			}
			if listing.Status != core.ListingActive {
				return core.E(core.KindConflict, "listing is %s, not active", listing.Status)
			}
		}
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		return s.emit(ctx, tx, "job.proposed", job, nil)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Printf("job %s proposed: %s -> %s price=%s", job.JobID, job.ClientAgentID, job.SellerAgentID, job.AgreedPrice)
	return job, nil
}

// CounterInput is one negotiation counter-offer.
type CounterInput struct {
	ProposedPrice    decimal.Decimal
	CounterTerms     map[string]any
	Message          string
	DeliveryDeadline *time.Time
}

// Counter appends a counter-offer round. Only the party that did not
// send the previous round may counter. Exhausting max_rounds cancels
// the job.
func (s *Service) Counter(ctx context.Context, jobID, actorID uuid.UUID, in CounterInput) (*core.Job, error) {
	if !in.ProposedPrice.IsPositive() {
		return nil, core.E(core.KindValidation, "proposed_price must be positive")
	}
	if err := validate.Message(in.Message); err != nil {
		return nil, err
	}

	var job *core.Job
	exhausted := false
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		j, err := s.lockParty(ctx, tx, jobID, actorID)
		if err != nil {
			return err
		}
		job = j
		if j.Status != core.JobProposed && j.Status != core.JobNegotiating {
			return core.E(core.KindConflict, "job is %s, negotiation is closed", j.Status)
		}
		if s.lastProposer(j) == actorID {
			return core.E(core.KindForbidden, "waiting on the other party's counter")
		}

		now := s.now().UTC()
		if j.CurrentRound+1 > j.MaxRounds {
			// Round budget exhausted; the cancellation commits and the
			// caller still gets a conflict.
			if err := s.transition(j, core.JobCancelled); err != nil {
				return err
			}
			j.UpdatedAt = now
			if err := tx.UpdateJob(ctx, j); err != nil {
				return err
			}
			exhausted = true
			return s.emit(ctx, tx, "job.cancelled", j, map[string]any{"reason": "max_rounds_exceeded"})
		}

		if j.Status == core.JobProposed {
			if err := s.transition(j, core.JobNegotiating); err != nil {
				return err
			}
		}
		j.CurrentRound++
		j.AgreedPrice = in.ProposedPrice
		if in.DeliveryDeadline != nil {
			if !in.DeliveryDeadline.After(now) {
				return core.E(core.KindValidation, "delivery_deadline must be in the future")
			}
			j.DeliveryDeadline = in.DeliveryDeadline
		}
		j.NegotiationLog = append(j.NegotiationLog, core.NegotiationRound{
			Round:         j.CurrentRound,
			Proposer:      actorID.String(),
			ProposedPrice: in.ProposedPrice.String(),
			CounterTerms:  in.CounterTerms,
			Message:       in.Message,
			Timestamp:     now,
		})
		j.UpdatedAt = now
		if err := tx.UpdateJob(ctx, j); err != nil {
			return err
		}
		return s.emit(ctx, tx, "job.countered", j, map[string]any{
			"round":          j.CurrentRound,
			"proposed_price": in.ProposedPrice.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	if exhausted {
		return job, core.E(core.KindConflict, "negotiation exceeded %d rounds, job cancelled", job.MaxRounds)
	}
	return job, nil
}

// Accept locks in the current offer. Only the party opposite the latest
// proposer may accept; a seller must present the exact criteria hash to
// prove they read what they will be judged against.
func (s *Service) Accept(ctx context.Context, jobID, actorID uuid.UUID, criteriaHash string) (*core.Job, error) {
	var job *core.Job
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		j, err := s.lockParty(ctx, tx, jobID, actorID)
		if err != nil {
			return err
		}
		job = j
		if j.Status != core.JobProposed && j.Status != core.JobNegotiating {
			return core.E(core.KindConflict, "job is %s, negotiation is closed", j.Status)
		}
		if s.lastProposer(j) == actorID {
			return core.E(core.KindForbidden, "a party cannot accept its own offer")
		}
		if actorID == j.SellerAgentID && j.CriteriaHash != "" {
			if criteriaHash == "" {
				return core.E(core.KindSchema, "acceptance requires acceptance_criteria_hash")
			}
			if criteriaHash != j.CriteriaHash {
				return core.E(core.KindConflict, "acceptance_criteria_hash does not match")
			}
		}
		if err := s.transition(j, core.JobAgreed); err != nil {
			return err
		}
		now := s.now().UTC()
		j.NegotiationLog = append(j.NegotiationLog, core.NegotiationRound{
			Action:       "accepted",
			By:           actorID.String(),
			AgreedPrice:  j.AgreedPrice.String(),
			CriteriaHash: j.CriteriaHash,
			Timestamp:    now,
		})
		j.UpdatedAt = now
		if err := tx.UpdateJob(ctx, j); err != nil {
			return err
		}
		return s.emit(ctx, tx, "job.agreed", j, map[string]any{"agreed_price": j.AgreedPrice.String()})
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Fund locks the agreed price into escrow and arms the delivery
// deadline. Concurrent funds race on the job row lock; the loser sees
// the escrow already existing and gets a conflict.
func (s *Service) Fund(ctx context.Context, jobID, actorID uuid.UUID) (*core.Job, error) {
	var job *core.Job
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		j, err := s.lockParty(ctx, tx, jobID, actorID)
		if err != nil {
			return err
		}
		job = j
		if _, err := s.escrow.Fund(ctx, tx, j, actorID); err != nil {
			return err
		}
		if err := s.transition(j, core.JobFunded); err != nil {
			return err
		}
		j.UpdatedAt = s.now().UTC()
		if err := tx.UpdateJob(ctx, j); err != nil {
			return err
		}
		return s.emit(ctx, tx, "job.funded", j, map[string]any{"amount": j.AgreedPrice.String()})
	})
	if err != nil {
		return nil, err
	}
	s.armDeadline(ctx, job)
	return job, nil
}

// Start marks work begun. Seller only, funded jobs only.
func (s *Service) Start(ctx context.Context, jobID, actorID uuid.UUID) (*core.Job, error) {
	var job *core.Job
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		j, err := s.lockParty(ctx, tx, jobID, actorID)
		if err != nil {
			return err
		}
		job = j
		if actorID != j.SellerAgentID {
			return core.E(core.KindForbidden, "only the seller can start the job")
		}
		if err := s.transition(j, core.JobInProgress); err != nil {
			return err
		}
		now := s.now().UTC()
		j.StartedAt = &now
		j.UpdatedAt = now
		if err := tx.UpdateJob(ctx, j); err != nil {
			return err
		}
		return s.emit(ctx, tx, "job.started", j, nil)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Deliver attaches the result and charges the seller the storage fee.
func (s *Service) Deliver(ctx context.Context, jobID, actorID uuid.UUID, result json.RawMessage) (*core.Job, error) {
	if err := validate.JSONSize("result", result, s.cfg.MaxResultBytes); err != nil {
		return nil, err
	}
	var job *core.Job
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		j, err := s.lockParty(ctx, tx, jobID, actorID)
		if err != nil {
			return err
		}
		job = j
		if actorID != j.SellerAgentID {
			return core.E(core.KindForbidden, "only the seller can deliver")
		}
		if err := s.transition(j, core.JobDelivered); err != nil {
			return err
		}
		now := s.now().UTC()
		j.Result = result
		j.DeliveredAt = &now
		j.UpdatedAt = now
		if err := tx.UpdateJob(ctx, j); err != nil {
			return err
		}
		if _, err := s.escrow.ChargeStorageFee(ctx, tx, j.SellerAgentID, int64(len(result))); err != nil {
			return err
		}
		return s.emit(ctx, tx, "job.delivered", j, map[string]any{"size_bytes": len(result)})
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Verify runs the acceptance criteria against the deliverable and
// settles the escrow: release on pass, refund on fail. The verification
// fee is metered on the run's wall time and charged to the client either
// way. Client only.
func (s *Service) Verify(ctx context.Context, jobID, actorID uuid.UUID) (*core.Job, *verify.Outcome, error) {
	var job *core.Job
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		j, err := s.lockParty(ctx, tx, jobID, actorID)
		if err != nil {
			return err
		}
		job = j
		if actorID != j.ClientAgentID {
			return core.E(core.KindForbidden, "only the client can verify")
		}
		if err := s.transition(j, core.JobVerifying); err != nil {
			return err
		}
		j.UpdatedAt = s.now().UTC()
		if err := tx.UpdateJob(ctx, j); err != nil {
			return err
		}
		return s.emit(ctx, tx, "job.verifying", j, nil)
	})
	if err != nil {
		return nil, nil, err
	}

	outcome, err := s.runCriteria(ctx, job)
	if err != nil {
		// The suite never ran; put the job back so verify can be retried.
		s.revertToDelivered(ctx, jobID)
		return nil, nil, err
	}

	err = s.db.Transact(ctx, func(tx database.Tx) error {
		j, err := tx.JobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		job = j
		if j.Status != core.JobVerifying {
			return core.E(core.KindConflict, "job is %s, not verifying", j.Status)
		}
		fee, err := s.escrow.ChargeVerificationFee(ctx, tx, j.ClientAgentID,
			decimal.NewFromFloat(outcome.DurationSeconds))
		if err != nil {
			return err
		}
		data := map[string]any{
			"passed":           outcome.Passed,
			"summary":          outcome.Summary,
			"verification_fee": fee.String(),
		}
		if outcome.Passed {
			if _, err := s.escrow.Release(ctx, tx, j, &actorID); err != nil {
				return err
			}
			if err := s.transition(j, core.JobCompleted); err != nil {
				return err
			}
		} else {
			if _, err := s.escrow.Refund(ctx, tx, j, &actorID, "verification_failed"); err != nil {
				return err
			}
			if err := s.transition(j, core.JobFailed); err != nil {
				return err
			}
		}
		j.UpdatedAt = s.now().UTC()
		if err := tx.UpdateJob(ctx, j); err != nil {
			return err
		}
		return s.emit(ctx, tx, "job."+string(j.Status), j, data)
	})
	if err != nil {
		return nil, nil, err
	}
	s.disarmDeadline(ctx, job)
	s.logger.Printf("job %s verified: %s (%s)", job.JobID, job.Status, outcome.Summary)
	return job, outcome, nil
}

// Complete settles a verifying job in the seller's favor without running
// the criteria, for clients that inspect the deliverable themselves.
// Idempotent on already-completed jobs.
func (s *Service) Complete(ctx context.Context, jobID, actorID uuid.UUID) (*core.Job, error) {
	var job *core.Job
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		j, err := s.lockParty(ctx, tx, jobID, actorID)
		if err != nil {
			return err
		}
		job = j
		if actorID != j.ClientAgentID {
			return core.E(core.KindForbidden, "only the client can complete")
		}
		if j.Status == core.JobCompleted {
			return nil
		}
		if _, err := s.escrow.Release(ctx, tx, j, &actorID); err != nil {
			return err
		}
		if err := s.transition(j, core.JobCompleted); err != nil {
			return err
		}
		j.UpdatedAt = s.now().UTC()
		if err := tx.UpdateJob(ctx, j); err != nil {
			return err
		}
		return s.emit(ctx, tx, "job.completed", j, nil)
	})
	if err != nil {
		return nil, err
	}
	s.disarmDeadline(ctx, job)
	return job, nil
}

// Fail marks the job failed and refunds the escrow. Either party may
// fail a job that is in progress or delivered.
func (s *Service) Fail(ctx context.Context, jobID, actorID uuid.UUID, reason string) (*core.Job, error) {
	var job *core.Job
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		j, err := s.lockParty(ctx, tx, jobID, actorID)
		if err != nil {
			return err
		}
		job = j
		if j.Status != core.JobInProgress && j.Status != core.JobDelivered {
			return core.E(core.KindConflict, "job is %s, cannot be failed", j.Status)
		}
		if _, err := s.escrow.Refund(ctx, tx, j, &actorID, failReason(reason)); err != nil {
			return err
		}
		if err := s.transition(j, core.JobFailed); err != nil {
			return err
		}
		j.UpdatedAt = s.now().UTC()
		if err := tx.UpdateJob(ctx, j); err != nil {
			return err
		}
		return s.emit(ctx, tx, "job.failed", j, map[string]any{"reason": failReason(reason)})
	})
	if err != nil {
		return nil, err
	}
	s.disarmDeadline(ctx, job)
	return job, nil
}

// FailExpired is the deadline consumer's entry point: fail the job and
// refund the escrow because the delivery deadline passed. Jobs that
// reached a terminal state or verifying in the meantime are left alone.
func (s *Service) FailExpired(ctx context.Context, jobID uuid.UUID) (*core.Job, error) {
	var job *core.Job
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		j, err := tx.JobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		job = j
		switch j.Status {
		case core.JobFunded, core.JobInProgress, core.JobDelivered:
		default:
			return core.E(core.KindConflict, "job is %s, deadline no longer applies", j.Status)
		}
		if _, err := s.escrow.Refund(ctx, tx, j, nil, "deadline_expired"); err != nil {
			return err
		}
		// funded has no direct edge to failed; the deadline consumer is
		// the one actor allowed to shortcut it.
		s.metrics.JobTransitions.WithLabelValues(string(j.Status), string(core.JobFailed)).Inc()
		j.Status = core.JobFailed
		j.UpdatedAt = s.now().UTC()
		if err := tx.UpdateJob(ctx, j); err != nil {
			return err
		}
		return s.emit(ctx, tx, "job.failed", j, map[string]any{"reason": "deadline_expired"})
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// AbandonForAgent sweeps every live job an agent is party to when the
// agent deactivates: open negotiations are cancelled, funded work is
// failed and the escrow refunded. Returns how many jobs were closed.
func (s *Service) AbandonForAgent(ctx context.Context, agentID uuid.UUID) (int, error) {
	var open []core.Job
	err := s.db.View(ctx, func(tx database.Tx) error {
		found, err := tx.JobsForAgent(ctx, database.JobFilter{AgentID: agentID})
		if err != nil {
			return err
		}
		open = found
		return nil
	})
	if err != nil {
		return 0, err
	}

	closed := 0
	for i := range open {
		jobID := open[i].JobID
		changed := false
		err := s.db.Transact(ctx, func(tx database.Tx) error {
			j, err := tx.JobForUpdate(ctx, jobID)
			if err != nil {
				return err
			}
			switch j.Status {
			case core.JobProposed, core.JobNegotiating, core.JobAgreed:
				if err := s.transition(j, core.JobCancelled); err != nil {
					return err
				}
			case core.JobFunded, core.JobInProgress, core.JobDelivered:
				if _, err := s.escrow.Refund(ctx, tx, j, nil, "deactivation"); err != nil {
					return err
				}
				s.metrics.JobTransitions.WithLabelValues(string(j.Status), string(core.JobFailed)).Inc()
				j.Status = core.JobFailed
			default:
				return nil
			}
			changed = true
			j.UpdatedAt = s.now().UTC()
			if err := tx.UpdateJob(ctx, j); err != nil {
				return err
			}
			return s.emit(ctx, tx, "job."+string(j.Status), j, map[string]any{"reason": "agent_deactivated"})
		})
		if err != nil {
			return closed, err
		}
		if changed {
			s.disarmDeadline(ctx, &open[i])
			closed++
		}
	}
	return closed, nil
}

// Dispute records a formal objection on a failed job. The platform
// records the dispute; it never adjudicates.
func (s *Service) Dispute(ctx context.Context, jobID, actorID uuid.UUID, reason string) (*core.Job, error) {
	if err := validate.Message(reason); err != nil {
		return nil, err
	}
	var job *core.Job
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		j, err := s.lockParty(ctx, tx, jobID, actorID)
		if err != nil {
			return err
		}
		job = j
		if err := s.transition(j, core.JobDisputed); err != nil {
			return err
		}
		// Freeze the escrow only if money is still locked; most disputes
		// arrive after the fail refund already settled it.
		if account, err := tx.EscrowByJob(ctx, j.JobID); err == nil && account.Status == core.EscrowFunded {
			if _, err := s.escrow.Dispute(ctx, tx, j, actorID); err != nil {
				return err
			}
		} else if err != nil && core.KindOf(err) != core.KindNotFound {
			return err
		}
		j.UpdatedAt = s.now().UTC()
		if err := tx.UpdateJob(ctx, j); err != nil {
			return err
		}
		return s.emit(ctx, tx, "job.disputed", j, map[string]any{"reason": reason})
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Resolve closes a disputed job. Escrow still frozen in dispute is
// refunded to the client; the resolution note travels in the event.
func (s *Service) Resolve(ctx context.Context, jobID uuid.UUID, resolution string) (*core.Job, error) {
	var job *core.Job
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		j, err := tx.JobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		job = j
		if err := s.transition(j, core.JobResolved); err != nil {
			return err
		}
		if account, err := tx.EscrowByJob(ctx, j.JobID); err == nil && account.Status == core.EscrowDisputed {
			if _, err := s.escrow.Refund(ctx, tx, j, nil, "dispute_resolved"); err != nil {
				return err
			}
		} else if err != nil && core.KindOf(err) != core.KindNotFound {
			return err
		}
		j.UpdatedAt = s.now().UTC()
		if err := tx.UpdateJob(ctx, j); err != nil {
			return err
		}
		return s.emit(ctx, tx, "job.resolved", j, map[string]any{"resolution": resolution})
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel withdraws a job that has not been funded yet. Either party.
func (s *Service) Cancel(ctx context.Context, jobID, actorID uuid.UUID) (*core.Job, error) {
	var job *core.Job
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		j, err := s.lockParty(ctx, tx, jobID, actorID)
		if err != nil {
			return err
		}
		job = j
		if err := s.transition(j, core.JobCancelled); err != nil {
			return err
		}
		j.UpdatedAt = s.now().UTC()
		if err := tx.UpdateJob(ctx, j); err != nil {
			return err
		}
		return s.emit(ctx, tx, "job.cancelled", j, map[string]any{"by": actorID.String()})
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Get loads a job for a caller. Non-parties can read public jobs but
// never see requirements, criteria or results; use ResultFor to decide
// result exposure.
func (s *Service) Get(ctx context.Context, jobID uuid.UUID) (*core.Job, error) {
	var job *core.Job
	err := s.db.View(ctx, func(tx database.Tx) error {
		j, err := tx.JobByID(ctx, jobID)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// List returns an agent's jobs, optionally narrowed by status.
func (s *Service) List(ctx context.Context, agentID uuid.UUID, status core.JobStatus, limit int) ([]core.Job, error) {
	var out []core.Job
	err := s.db.View(ctx, func(tx database.Tx) error {
		jobs, err := tx.JobsForAgent(ctx, database.JobFilter{AgentID: agentID, Status: status, Limit: limit})
		if err != nil {
			return err
		}
		out = jobs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResultFor returns the deliverable a caller is entitled to see: parties
// of a completed job only, nil for everyone else.
func ResultFor(j *core.Job, caller *uuid.UUID) []byte {
	if caller == nil || !j.IsParty(*caller) {
		return nil
	}
	if j.Status != core.JobCompleted {
		return nil
	}
	return j.Result
}

// runCriteria evaluates the job's criteria against its result. Jobs
// without criteria pass trivially.
func (s *Service) runCriteria(ctx context.Context, j *core.Job) (*verify.Outcome, error) {
	if len(j.Criteria) == 0 {
		return &verify.Outcome{Passed: true, Summary: "no acceptance criteria"}, nil
	}
	var latency *float64
	if j.StartedAt != nil && j.DeliveredAt != nil {
		seconds := j.DeliveredAt.Sub(*j.StartedAt).Seconds()
		latency = &seconds
	}
	return s.verifier.Run(ctx, j.Criteria, j.Result, latency)
}

func (s *Service) revertToDelivered(ctx context.Context, jobID uuid.UUID) {
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		j, err := tx.JobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if j.Status != core.JobVerifying {
			return nil
		}
		j.Status = core.JobDelivered
		j.UpdatedAt = s.now().UTC()
		return tx.UpdateJob(ctx, j)
	})
	if err != nil {
		s.logger.Printf("job %s stuck in verifying: %v", jobID, err)
	}
}

// lockParty loads the job for update and checks the actor is one of its
// parties.
func (s *Service) lockParty(ctx context.Context, tx database.Tx, jobID, actorID uuid.UUID) (*core.Job, error) {
	j, err := tx.JobForUpdate(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !j.IsParty(actorID) {
		return nil, core.E(core.KindForbidden, "agent is not a party to this job")
	}
	return j, nil
}

// lastProposer is whoever sent the most recent offer round; round zero
// is always the client.
func (s *Service) lastProposer(j *core.Job) uuid.UUID {
	for i := len(j.NegotiationLog) - 1; i >= 0; i-- {
		if j.NegotiationLog[i].Proposer == "" {
			continue
		}
		if id, err := uuid.Parse(j.NegotiationLog[i].Proposer); err == nil {
			return id
		}
	}
	return j.ClientAgentID
}

func (s *Service) transition(j *core.Job, to core.JobStatus) error {
	if !core.CanTransition(j.Status, to) {
		return core.E(core.KindConflict, "cannot move job from %s to %s", j.Status, to)
	}
	s.metrics.JobTransitions.WithLabelValues(string(j.Status), string(to)).Inc()
	j.Status = to
	return nil
}

func (s *Service) emit(ctx context.Context, tx database.Tx, event string, j *core.Job, data map[string]any) error {
	if s.events == nil {
		return nil
	}
	return s.events.JobEvent(ctx, tx, event, j, data)
}

// armDeadline schedules the delivery timer outside the transaction;
// boot recovery re-enqueues anything lost here.
func (s *Service) armDeadline(ctx context.Context, j *core.Job) {
	if s.deadlines == nil || j.DeliveryDeadline == nil {
		return
	}
	if err := s.deadlines.ScheduleDeadline(ctx, j.JobID.String(), *j.DeliveryDeadline); err != nil {
		s.logger.Printf("schedule deadline for job %s: %v", j.JobID, err)
	}
}

func (s *Service) disarmDeadline(ctx context.Context, j *core.Job) {
	if s.deadlines == nil {
		return
	}
	if err := s.deadlines.CancelDeadline(ctx, j.JobID.String()); err != nil {
		s.logger.Printf("cancel deadline for job %s: %v", j.JobID, err)
	}
}

func failReason(reason string) string {
	if reason == "" {
		return "failed"
	}
	return reason
}
