package database

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agoranet/marketplace/internal/core"
)

// Memory is an in-memory Client used by tests and by local development
// without Postgres. Transact snapshots the state and restores it when
// the closure fails, matching the transactional store's rollback.
type Memory struct {
	mu sync.Mutex
	st *memState
}

type memState struct {
	Agents      map[uuid.UUID]*core.Agent
	Listings    map[uuid.UUID]*core.Listing
	Jobs        map[uuid.UUID]*core.Job
	Escrows     map[uuid.UUID]*core.EscrowAccount // keyed by job id
	Audit       []core.EscrowAuditEntry
	Reviews     []core.Review
	DepositAddr map[uuid.UUID]*core.DepositAddress // keyed by agent id
	DepositTxs  map[string]*core.DepositTransaction
	Withdrawals map[uuid.UUID]*core.WithdrawalRequest
	Webhooks    map[uuid.UUID]*core.WebhookDelivery
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{st: &memState{
		Agents:      map[uuid.UUID]*core.Agent{},
		Listings:    map[uuid.UUID]*core.Listing{},
		Jobs:        map[uuid.UUID]*core.Job{},
		Escrows:     map[uuid.UUID]*core.EscrowAccount{},
		DepositAddr: map[uuid.UUID]*core.DepositAddress{},
		DepositTxs:  map[string]*core.DepositTransaction{},
		Withdrawals: map[uuid.UUID]*core.WithdrawalRequest{},
		Webhooks:    map[uuid.UUID]*core.WebhookDelivery{},
	}}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Transact(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := deepCopy(m.st)
	if err := fn(&memTx{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (m *Memory) View(ctx context.Context, fn func(tx Tx) error) error {
	return m.Transact(ctx, fn)
}

func deepCopy(st *memState) *memState {
	out := &memState{
		Agents:      make(map[uuid.UUID]*core.Agent, len(st.Agents)),
		Listings:    make(map[uuid.UUID]*core.Listing, len(st.Listings)),
		Jobs:        make(map[uuid.UUID]*core.Job, len(st.Jobs)),
		Escrows:     make(map[uuid.UUID]*core.EscrowAccount, len(st.Escrows)),
		Audit:       append([]core.EscrowAuditEntry(nil), st.Audit...),
		Reviews:     append([]core.Review(nil), st.Reviews...),
		DepositAddr: make(map[uuid.UUID]*core.DepositAddress, len(st.DepositAddr)),
		DepositTxs:  make(map[string]*core.DepositTransaction, len(st.DepositTxs)),
		Withdrawals: make(map[uuid.UUID]*core.WithdrawalRequest, len(st.Withdrawals)),
		Webhooks:    make(map[uuid.UUID]*core.WebhookDelivery, len(st.Webhooks)),
	}
	for k, v := range st.Agents {
		cp := *v
		out.Agents[k] = &cp
	}
	for k, v := range st.Listings {
		cp := *v
		out.Listings[k] = &cp
	}
	for k, v := range st.Jobs {
		cp := *v
		cp.NegotiationLog = append([]core.NegotiationRound(nil), v.NegotiationLog...)
		out.Jobs[k] = &cp
	}
	for k, v := range st.Escrows {
		cp := *v
		out.Escrows[k] = &cp
	}
	for k, v := range st.DepositAddr {
		cp := *v
		out.DepositAddr[k] = &cp
	}
	for k, v := range st.DepositTxs {
		cp := *v
		out.DepositTxs[k] = &cp
	}
	for k, v := range st.Withdrawals {
		cp := *v
		out.Withdrawals[k] = &cp
	}
	for k, v := range st.Webhooks {
		cp := *v
		out.Webhooks[k] = &cp
	}
	return out
}

type memTx struct {
	st *memState
}

// agents

func (t *memTx) CreateAgent(ctx context.Context, a *core.Agent) error {
	for _, existing := range t.st.Agents {
		if existing.PublicKey == a.PublicKey {
			return core.E(core.KindConflict, "duplicate record")
		}
	}
	cp := *a
	t.st.Agents[a.AgentID] = &cp
	return nil
}

func (t *memTx) AgentByID(ctx context.Context, id uuid.UUID) (*core.Agent, error) {
	a, ok := t.st.Agents[id]
	if !ok {
		return nil, core.E(core.KindNotFound, "agent not found")
	}
	cp := *a
	return &cp, nil
}

func (t *memTx) AgentByPublicKey(ctx context.Context, publicKey string) (*core.Agent, error) {
	for _, a := range t.st.Agents {
		if a.PublicKey == publicKey {
			cp := *a
			return &cp, nil
		}
	}
	return nil, core.E(core.KindNotFound, "agent not found")
}

func (t *memTx) AgentByIdentityID(ctx context.Context, identityID string) (*core.Agent, error) {
	for _, a := range t.st.Agents {
		if a.IdentityID != "" && a.IdentityID == identityID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, core.E(core.KindNotFound, "agent not found")
}

func (t *memTx) AgentForUpdate(ctx context.Context, id uuid.UUID) (*core.Agent, error) {
	return t.AgentByID(ctx, id)
}

func (t *memTx) UpdateAgentProfile(ctx context.Context, a *core.Agent) error {
	existing, ok := t.st.Agents[a.AgentID]
	if !ok {
		return core.E(core.KindNotFound, "agent not found")
	}
	cp := *a
	cp.Balance = existing.Balance
	cp.ReputationSeller = existing.ReputationSeller
	cp.ReputationClient = existing.ReputationClient
	t.st.Agents[a.AgentID] = &cp
	return nil
}

func (t *memTx) UpdateAgentBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error {
	a, ok := t.st.Agents[id]
	if !ok {
		return core.E(core.KindNotFound, "agent not found")
	}
	if balance.IsNegative() {
		return core.E(core.KindConflict, "balance or amount constraint violated")
	}
	a.Balance = balance
	return nil
}

func (t *memTx) UpdateAgentReputation(ctx context.Context, id uuid.UUID, role core.ReviewRole, score decimal.Decimal) error {
	a, ok := t.st.Agents[id]
	if !ok {
		return core.E(core.KindNotFound, "agent not found")
	}
	if role == core.SellerOfClient {
		a.ReputationClient = score
	} else {
		a.ReputationSeller = score
	}
	return nil
}

func (t *memTx) TouchAgent(ctx context.Context, id uuid.UUID, at time.Time) error {
	if a, ok := t.st.Agents[id]; ok {
		a.LastSeenAt = at
	}
	return nil
}

// listings

func (t *memTx) CreateListing(ctx context.Context, l *core.Listing) error {
	if l.Status == core.ListingActive {
		for _, other := range t.st.Listings {
			if other.SellerAgentID == l.SellerAgentID && other.SkillID == l.SkillID &&
				other.Status == core.ListingActive {
				return core.E(core.KindConflict, "duplicate record")
			}
		}
	}
	cp := *l
	t.st.Listings[l.ListingID] = &cp
	return nil
}

func (t *memTx) ListingByID(ctx context.Context, id uuid.UUID) (*core.Listing, error) {
	l, ok := t.st.Listings[id]
	if !ok {
		return nil, core.E(core.KindNotFound, "listing not found")
	}
	cp := *l
	return &cp, nil
}

func (t *memTx) UpdateListing(ctx context.Context, l *core.Listing) error {
	if _, ok := t.st.Listings[l.ListingID]; !ok {
		return core.E(core.KindNotFound, "listing not found")
	}
	if l.Status == core.ListingActive {
		for _, other := range t.st.Listings {
			if other.ListingID != l.ListingID && other.SellerAgentID == l.SellerAgentID &&
				other.SkillID == l.SkillID && other.Status == core.ListingActive {
				return core.E(core.KindConflict, "duplicate record")
			}
		}
	}
	cp := *l
	t.st.Listings[l.ListingID] = &cp
	return nil
}

func (t *memTx) ListingsBySeller(ctx context.Context, sellerID uuid.UUID) ([]core.Listing, error) {
	var out []core.Listing
	for _, l := range t.st.Listings {
		if l.SellerAgentID == sellerID && l.Status != core.ListingArchived {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) SearchListings(ctx context.Context, f ListingFilter) ([]core.Listing, error) {
	var out []core.Listing
	for _, l := range t.st.Listings {
		if l.Status != core.ListingActive {
			continue
		}
		seller, ok := t.st.Agents[l.SellerAgentID]
		if !ok || seller.Status != core.AgentActive {
			continue
		}
		if f.SkillID != "" && l.SkillID != f.SkillID {
			continue
		}
		if f.Capability != "" && !hasCapability(seller, f.Capability) {
			continue
		}
		if f.PriceModel != "" && l.PriceModel != f.PriceModel {
			continue
		}
		if f.MinRating != nil && seller.ReputationSeller.LessThan(*f.MinRating) {
			continue
		}
		if f.MaxPrice != nil && l.BasePrice.GreaterThan(*f.MaxPrice) {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		ri := t.st.Agents[out[i].SellerAgentID].ReputationSeller
		rj := t.st.Agents[out[j].SellerAgentID].ReputationSeller
		if !ri.Equal(rj) {
			return ri.GreaterThan(rj)
		}
		if !out[i].BasePrice.Equal(out[j].BasePrice) {
			return out[i].BasePrice.LessThan(out[j].BasePrice)
		}
		return out[i].ListingID.String() < out[j].ListingID.String()
	})
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func hasCapability(a *core.Agent, cap string) bool {
	for _, c := range a.Capabilities {
		if strings.EqualFold(c, cap) {
			return true
		}
	}
	return false
}

// jobs

func (t *memTx) CreateJob(ctx context.Context, j *core.Job) error {
	cp := *j
	t.st.Jobs[j.JobID] = &cp
	return nil
}

func (t *memTx) JobByID(ctx context.Context, id uuid.UUID) (*core.Job, error) {
	j, ok := t.st.Jobs[id]
	if !ok {
		return nil, core.E(core.KindNotFound, "job not found")
	}
	cp := *j
	return &cp, nil
}

func (t *memTx) JobForUpdate(ctx context.Context, id uuid.UUID) (*core.Job, error) {
	return t.JobByID(ctx, id)
}

func (t *memTx) UpdateJob(ctx context.Context, j *core.Job) error {
	if _, ok := t.st.Jobs[j.JobID]; !ok {
		return core.E(core.KindNotFound, "job not found")
	}
	cp := *j
	t.st.Jobs[j.JobID] = &cp
	return nil
}

func (t *memTx) JobsForAgent(ctx context.Context, f JobFilter) ([]core.Job, error) {
	var out []core.Job
	for _, j := range t.st.Jobs {
		if j.ClientAgentID != f.AgentID && j.SellerAgentID != f.AgentID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) JobsWithDeadlines(ctx context.Context) ([]core.Job, error) {
	var out []core.Job
	for _, j := range t.st.Jobs {
		if j.DeliveryDeadline == nil {
			continue
		}
		if j.Status != core.JobFunded && j.Status != core.JobInProgress && j.Status != core.JobDelivered {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeliveryDeadline.Before(*out[j].DeliveryDeadline)
	})
	return out, nil
}

// escrow

func (t *memTx) CreateEscrow(ctx context.Context, e *core.EscrowAccount) error {
	if _, exists := t.st.Escrows[e.JobID]; exists {
		return core.E(core.KindConflict, "duplicate record")
	}
	cp := *e
	t.st.Escrows[e.JobID] = &cp
	return nil
}

func (t *memTx) EscrowByJob(ctx context.Context, jobID uuid.UUID) (*core.EscrowAccount, error) {
	e, ok := t.st.Escrows[jobID]
	if !ok {
		return nil, core.E(core.KindNotFound, "escrow not found")
	}
	cp := *e
	return &cp, nil
}

func (t *memTx) EscrowByJobForUpdate(ctx context.Context, jobID uuid.UUID) (*core.EscrowAccount, error) {
	return t.EscrowByJob(ctx, jobID)
}

func (t *memTx) UpdateEscrow(ctx context.Context, e *core.EscrowAccount) error {
	if _, ok := t.st.Escrows[e.JobID]; !ok {
		return core.E(core.KindNotFound, "escrow not found")
	}
	cp := *e
	t.st.Escrows[e.JobID] = &cp
	return nil
}

func (t *memTx) AppendAudit(ctx context.Context, entry *core.EscrowAuditEntry) error {
	t.st.Audit = append(t.st.Audit, *entry)
	return nil
}

func (t *memTx) AuditTrail(ctx context.Context, escrowID uuid.UUID) ([]core.EscrowAuditEntry, error) {
	var out []core.EscrowAuditEntry
	for _, e := range t.st.Audit {
		if e.EscrowID == escrowID {
			out = append(out, e)
		}
	}
	return out, nil
}

// reviews

func (t *memTx) CreateReview(ctx context.Context, r *core.Review) error {
	for _, existing := range t.st.Reviews {
		if existing.JobID == r.JobID && existing.ReviewerAgentID == r.ReviewerAgentID {
			return core.E(core.KindConflict, "duplicate record")
		}
	}
	t.st.Reviews = append(t.st.Reviews, *r)
	return nil
}

func (t *memTx) ReviewExists(ctx context.Context, jobID, reviewerID uuid.UUID) (bool, error) {
	for _, r := range t.st.Reviews {
		if r.JobID == jobID && r.ReviewerAgentID == reviewerID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) ReviewsForReputation(ctx context.Context, revieweeID uuid.UUID, role core.ReviewRole) ([]ReviewSample, error) {
	var out []ReviewSample
	for _, r := range t.st.Reviews {
		if r.RevieweeAgentID == revieweeID && r.Role == role {
			out = append(out, ReviewSample{Rating: r.Rating, CreatedAt: r.CreatedAt})
		}
	}
	return out, nil
}

func (t *memTx) ReviewsForAgent(ctx context.Context, revieweeID uuid.UUID, role core.ReviewRole, limit int) ([]core.Review, error) {
	var out []core.Review
	for _, r := range t.st.Reviews {
		if r.RevieweeAgentID == revieweeID && r.Role == role {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// wallet

func (t *memTx) CreateDepositAddress(ctx context.Context, d *core.DepositAddress) error {
	if _, exists := t.st.DepositAddr[d.AgentID]; exists {
		return core.E(core.KindConflict, "duplicate record")
	}
	cp := *d
	t.st.DepositAddr[d.AgentID] = &cp
	return nil
}

func (t *memTx) DepositAddressForAgent(ctx context.Context, agentID uuid.UUID) (*core.DepositAddress, error) {
	d, ok := t.st.DepositAddr[agentID]
	if !ok {
		return nil, core.E(core.KindNotFound, "deposit address not found")
	}
	cp := *d
	return &cp, nil
}

func (t *memTx) AllDepositAddresses(ctx context.Context) ([]core.DepositAddress, error) {
	var out []core.DepositAddress
	for _, d := range t.st.DepositAddr {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DerivationIndex < out[j].DerivationIndex })
	return out, nil
}

func (t *memTx) MaxDerivationIndex(ctx context.Context) (int, error) {
	max := -1
	for _, d := range t.st.DepositAddr {
		if d.DerivationIndex > max {
			max = d.DerivationIndex
		}
	}
	return max, nil
}

func (t *memTx) CreateDepositTx(ctx context.Context, d *core.DepositTransaction) error {
	if _, exists := t.st.DepositTxs[d.TxHash]; exists {
		return core.E(core.KindConflict, "duplicate record")
	}
	cp := *d
	t.st.DepositTxs[d.TxHash] = &cp
	return nil
}

func (t *memTx) DepositTxByHash(ctx context.Context, txHash string) (*core.DepositTransaction, error) {
	d, ok := t.st.DepositTxs[txHash]
	if !ok {
		return nil, core.E(core.KindNotFound, "deposit transaction not found")
	}
	cp := *d
	return &cp, nil
}

func (t *memTx) UpdateDepositTx(ctx context.Context, d *core.DepositTransaction) error {
	if _, ok := t.st.DepositTxs[d.TxHash]; !ok {
		return core.E(core.KindNotFound, "deposit transaction not found")
	}
	cp := *d
	t.st.DepositTxs[d.TxHash] = &cp
	return nil
}

func (t *memTx) DepositsForAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]core.DepositTransaction, error) {
	var out []core.DepositTransaction
	for _, d := range t.st.DepositTxs {
		if d.AgentID == agentID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) ConfirmingDeposits(ctx context.Context, limit int) ([]core.DepositTransaction, error) {
	var out []core.DepositTransaction
	for _, d := range t.st.DepositTxs {
		if d.Status == core.DepositConfirming {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) CreateWithdrawal(ctx context.Context, w *core.WithdrawalRequest) error {
	cp := *w
	t.st.Withdrawals[w.WithdrawalID] = &cp
	return nil
}

func (t *memTx) WithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*core.WithdrawalRequest, error) {
	w, ok := t.st.Withdrawals[id]
	if !ok {
		return nil, core.E(core.KindNotFound, "withdrawal not found")
	}
	cp := *w
	return &cp, nil
}

func (t *memTx) UpdateWithdrawal(ctx context.Context, w *core.WithdrawalRequest) error {
	if _, ok := t.st.Withdrawals[w.WithdrawalID]; !ok {
		return core.E(core.KindNotFound, "withdrawal not found")
	}
	cp := *w
	t.st.Withdrawals[w.WithdrawalID] = &cp
	return nil
}

func (t *memTx) PendingWithdrawals(ctx context.Context, limit int) ([]core.WithdrawalRequest, error) {
	var out []core.WithdrawalRequest
	for _, w := range t.st.Withdrawals {
		if w.Status == core.WithdrawalPending {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) ProcessingWithdrawals(ctx context.Context) ([]core.WithdrawalRequest, error) {
	var out []core.WithdrawalRequest
	for _, w := range t.st.Withdrawals {
		if w.Status == core.WithdrawalProcessing {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (t *memTx) WithdrawalsForAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]core.WithdrawalRequest, error) {
	var out []core.WithdrawalRequest
	for _, w := range t.st.Withdrawals {
		if w.AgentID == agentID {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// webhooks

func (t *memTx) EnqueueWebhook(ctx context.Context, d *core.WebhookDelivery) error {
	cp := *d
	t.st.Webhooks[d.DeliveryID] = &cp
	return nil
}

func (t *memTx) ClaimDueWebhooks(ctx context.Context, now time.Time, limit int) ([]core.WebhookDelivery, error) {
	var out []core.WebhookDelivery
	for _, d := range t.st.Webhooks {
		if d.Status == core.WebhookPending && !d.NextAttemptAt.After(now) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for _, d := range out {
		t.st.Webhooks[d.DeliveryID].NextAttemptAt = now.Add(2 * time.Minute)
	}
	return out, nil
}

func (t *memTx) UpdateWebhook(ctx context.Context, d *core.WebhookDelivery) error {
	if _, ok := t.st.Webhooks[d.DeliveryID]; !ok {
		return core.E(core.KindNotFound, "webhook delivery not found")
	}
	cp := *d
	t.st.Webhooks[d.DeliveryID] = &cp
	return nil
}

func (t *memTx) PendingWebhookCount(ctx context.Context) (int, error) {
	n := 0
	for _, d := range t.st.Webhooks {
		if d.Status == core.WebhookPending {
			n++
		}
	}
	return n, nil
}
