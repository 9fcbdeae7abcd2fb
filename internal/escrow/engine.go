// Package escrow moves credits between agent balances and per-job escrow
// accounts. Every movement happens inside the caller's database
// transaction together with an append-only audit entry, so balances,
// escrow state and the audit trail can never diverge.
package escrow

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/database"
	"github.com/agoranet/marketplace/internal/fees"
	"github.com/agoranet/marketplace/internal/metrics"
)

// Engine executes escrow money movements.
type Engine struct {
	fees    *fees.Engine
	metrics *metrics.Metrics
	logger  *log.Logger
	now     func() time.Time
}

// NewEngine wires the fee schedule and metrics into the engine.
func NewEngine(feeEngine *fees.Engine, m *metrics.Metrics) *Engine {
	return &Engine{
		fees:    feeEngine,
		metrics: m,
		logger:  log.New(log.Writer(), "[ESCROW] ", log.LstdFlags),
		now:     time.Now,
	}
}

// Fund locks the job's agreed price out of the client's balance into a
// new escrow account. The job must be agreed and the actor its client.
func (e *Engine) Fund(ctx context.Context, tx database.Tx, job *core.Job, actorID uuid.UUID) (*core.EscrowAccount, error) {
	if actorID != job.ClientAgentID {
		return nil, core.E(core.KindForbidden, "only the client can fund escrow")
	}
	if job.Status != core.JobAgreed {
		return nil, core.E(core.KindConflict, "job must be agreed to fund, is %s", job.Status)
	}
	if !job.AgreedPrice.IsPositive() {
		return nil, core.E(core.KindConflict, "job has no agreed price")
	}
	if _, err := tx.EscrowByJob(ctx, job.JobID); err == nil {
		return nil, core.E(core.KindConflict, "escrow already exists for job %s", job.JobID)
	} else if core.KindOf(err) != core.KindNotFound {
		return nil, err
	}

	client, err := tx.AgentForUpdate(ctx, job.ClientAgentID)
	if err != nil {
		return nil, err
	}
	if client.Balance.LessThan(job.AgreedPrice) {
		return nil, core.E(core.KindConflict,
			"insufficient balance: have %s, need %s", client.Balance, job.AgreedPrice)
	}
	if err := tx.UpdateAgentBalance(ctx, client.AgentID, client.Balance.Sub(job.AgreedPrice)); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	account := &core.EscrowAccount{
		EscrowID:      uuid.New(),
		JobID:         job.JobID,
		ClientAgentID: job.ClientAgentID,
		SellerAgentID: job.SellerAgentID,
		Amount:        job.AgreedPrice,
		Status:        core.EscrowFunded,
		FundedAt:      &now,
	}
	if err := tx.CreateEscrow(ctx, account); err != nil {
		return nil, err
	}
	for _, action := range []core.EscrowAction{core.AuditCreated, core.AuditFunded} {
		if err := e.audit(ctx, tx, account, action, &actorID, account.Amount, nil); err != nil {
			return nil, err
		}
	}

	e.metrics.EscrowTransactions.WithLabelValues("funded").Inc()
	e.metrics.EscrowAmount.WithLabelValues("funded").Add(amountF(account.Amount))
	e.logger.Printf("funded escrow %s for job %s amount=%s", account.EscrowID, job.JobID, account.Amount)
	return account, nil
}

// ReleaseResult reports where the escrowed amount went.
type ReleaseResult struct {
	Escrow       *core.EscrowAccount
	Fee          fees.Quote
	SellerCredit decimal.Decimal
	ClientDebit  decimal.Decimal
}

// Release pays the seller the escrowed amount minus the seller's fee
// share and collects the client's share from the client's remaining
// balance, capped at what the client still has.
func (e *Engine) Release(ctx context.Context, tx database.Tx, job *core.Job, actorID *uuid.UUID) (*ReleaseResult, error) {
	account, err := tx.EscrowByJobForUpdate(ctx, job.JobID)
	if err != nil {
		return nil, err
	}
	if account.Status != core.EscrowFunded {
		return nil, core.E(core.KindConflict, "escrow is %s, not funded", account.Status)
	}

	quote := e.fees.BaseFee(account.Amount)
	sellerCredit := account.Amount.Sub(quote.SellerShare)

	if err := e.forEachPartyLocked(ctx, tx, account, func(agent *core.Agent) error {
		switch agent.AgentID {
		case account.SellerAgentID:
			return tx.UpdateAgentBalance(ctx, agent.AgentID, agent.Balance.Add(sellerCredit))
		case account.ClientAgentID:
			debit := decimal.Min(quote.ClientShare, agent.Balance)
			quote.ClientShare = debit
			return tx.UpdateAgentBalance(ctx, agent.AgentID, agent.Balance.Sub(debit))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	account.Status = core.EscrowReleased
	account.ReleasedAt = &now
	if err := tx.UpdateEscrow(ctx, account); err != nil {
		return nil, err
	}
	meta := map[string]string{
		"fee_total":     quote.Total.String(),
		"client_share":  quote.ClientShare.String(),
		"seller_share":  quote.SellerShare.String(),
		"seller_credit": sellerCredit.String(),
	}
	if err := e.audit(ctx, tx, account, core.AuditReleased, actorID, account.Amount, meta); err != nil {
		return nil, err
	}

	e.metrics.EscrowTransactions.WithLabelValues("released").Inc()
	e.metrics.EscrowAmount.WithLabelValues("released").Add(amountF(account.Amount))
	e.metrics.FeesCollected.WithLabelValues("base").Add(amountF(quote.Total))
	e.logger.Printf("released escrow %s: seller +%s, fee %s", account.EscrowID, sellerCredit, quote.Total)
	return &ReleaseResult{
		Escrow:       account,
		Fee:          quote,
		SellerCredit: sellerCredit,
		ClientDebit:  quote.ClientShare,
	}, nil
}

// RefundResult reports how a refund was settled.
type RefundResult struct {
	Escrow       *core.EscrowAccount
	Fee          fees.Quote
	ClientCredit decimal.Decimal
	SellerDebit  decimal.Decimal
}

// Refund returns the escrowed amount minus the client's fee share to the
// client and collects the seller's share from the seller's balance,
// capped at what the seller has.
func (e *Engine) Refund(ctx context.Context, tx database.Tx, job *core.Job, actorID *uuid.UUID, reason string) (*RefundResult, error) {
	account, err := tx.EscrowByJobForUpdate(ctx, job.JobID)
	if err != nil {
		return nil, err
	}
	if account.Status != core.EscrowFunded && account.Status != core.EscrowDisputed {
		return nil, core.E(core.KindConflict, "escrow is %s, cannot refund", account.Status)
	}

	quote := e.fees.BaseFee(account.Amount)
	clientCredit := account.Amount.Sub(quote.ClientShare)
	sellerDebit := quote.SellerShare

	if err := e.forEachPartyLocked(ctx, tx, account, func(agent *core.Agent) error {
		switch agent.AgentID {
		case account.ClientAgentID:
			return tx.UpdateAgentBalance(ctx, agent.AgentID, agent.Balance.Add(clientCredit))
		case account.SellerAgentID:
			debit := decimal.Min(sellerDebit, agent.Balance)
			sellerDebit = debit
			return tx.UpdateAgentBalance(ctx, agent.AgentID, agent.Balance.Sub(debit))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	account.Status = core.EscrowRefunded
	account.ReleasedAt = &now
	if err := tx.UpdateEscrow(ctx, account); err != nil {
		return nil, err
	}
	meta := map[string]string{
		"reason":        reason,
		"fee_total":     quote.Total.String(),
		"client_credit": clientCredit.String(),
		"seller_debit":  sellerDebit.String(),
	}
	if err := e.audit(ctx, tx, account, core.AuditRefunded, actorID, account.Amount, meta); err != nil {
		return nil, err
	}

	e.metrics.EscrowTransactions.WithLabelValues("refunded").Inc()
	e.metrics.EscrowAmount.WithLabelValues("refunded").Add(amountF(account.Amount))
	e.logger.Printf("refunded escrow %s: client +%s (%s)", account.EscrowID, clientCredit, reason)
	return &RefundResult{
		Escrow:       account,
		Fee:          quote,
		ClientCredit: clientCredit,
		SellerDebit:  sellerDebit,
	}, nil
}

// Dispute freezes a funded escrow. No money moves until resolution.
func (e *Engine) Dispute(ctx context.Context, tx database.Tx, job *core.Job, actorID uuid.UUID) (*core.EscrowAccount, error) {
	account, err := tx.EscrowByJobForUpdate(ctx, job.JobID)
	if err != nil {
		return nil, err
	}
	if account.Status != core.EscrowFunded {
		return nil, core.E(core.KindConflict, "escrow is %s, cannot dispute", account.Status)
	}
	account.Status = core.EscrowDisputed
	if err := tx.UpdateEscrow(ctx, account); err != nil {
		return nil, err
	}
	if err := e.audit(ctx, tx, account, core.AuditDisputed, &actorID, account.Amount, nil); err != nil {
		return nil, err
	}
	e.metrics.EscrowTransactions.WithLabelValues("disputed").Inc()
	return account, nil
}

// ChargeVerificationFee collects the metered verification fee for the
// given CPU time from the client, capped at the client's balance so a
// completed run can still settle against an empty account.
func (e *Engine) ChargeVerificationFee(ctx context.Context, tx database.Tx, clientID uuid.UUID, cpuSeconds decimal.Decimal) (decimal.Decimal, error) {
	fee := e.fees.VerificationFee(cpuSeconds)
	client, err := tx.AgentForUpdate(ctx, clientID)
	if err != nil {
		return decimal.Zero, err
	}
	charged := decimal.Min(fee, client.Balance)
	if err := tx.UpdateAgentBalance(ctx, clientID, client.Balance.Sub(charged)); err != nil {
		return decimal.Zero, err
	}
	e.metrics.FeesCollected.WithLabelValues("verification").Add(amountF(charged))
	return charged, nil
}

// ChargeStorageFee collects the deliverable storage fee from the seller
// at delivery time, capped at the seller's balance.
func (e *Engine) ChargeStorageFee(ctx context.Context, tx database.Tx, sellerID uuid.UUID, sizeBytes int64) (decimal.Decimal, error) {
	fee := e.fees.StorageFee(sizeBytes)
	seller, err := tx.AgentForUpdate(ctx, sellerID)
	if err != nil {
		return decimal.Zero, err
	}
	charged := decimal.Min(fee, seller.Balance)
	if err := tx.UpdateAgentBalance(ctx, sellerID, seller.Balance.Sub(charged)); err != nil {
		return decimal.Zero, err
	}
	e.metrics.FeesCollected.WithLabelValues("storage").Add(amountF(charged))
	return charged, nil
}

// forEachPartyLocked locks client and seller in ascending agent-id order
// and invokes fn on each, preventing lock-order deadlocks between
// concurrent releases and refunds.
func (e *Engine) forEachPartyLocked(ctx context.Context, tx database.Tx, account *core.EscrowAccount, fn func(agent *core.Agent) error) error {
	ids := []uuid.UUID{account.ClientAgentID, account.SellerAgentID}
	if ids[1].String() < ids[0].String() {
		ids[0], ids[1] = ids[1], ids[0]
	}
	for _, id := range ids {
		agent, err := tx.AgentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(agent); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) audit(ctx context.Context, tx database.Tx, account *core.EscrowAccount, action core.EscrowAction, actorID *uuid.UUID, amount decimal.Decimal, meta map[string]string) error {
	return tx.AppendAudit(ctx, &core.EscrowAuditEntry{
		AuditID:      uuid.New(),
		EscrowID:     account.EscrowID,
		Action:       action,
		ActorAgentID: actorID,
		Amount:       amount,
		Metadata:     meta,
		Timestamp:    e.now().UTC(),
	})
}

func amountF(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
