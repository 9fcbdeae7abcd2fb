// Package database is the Postgres persistence layer. Services depend on
// the Client and Tx interfaces here; tests substitute in-memory fakes.
package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agoranet/marketplace/internal/core"
)

// Client runs units of work against the store. Transact commits the
// closure atomically and rolls back on error; View runs read-only work.
type Client interface {
	Transact(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// ListingFilter narrows discovery queries.
type ListingFilter struct {
	SkillID    string
	Capability string
	PriceModel core.PriceModel
	MinRating  *decimal.Decimal
	MaxPrice   *decimal.Decimal
	Limit      int
}

// ReviewSample is the slice of a review the reputation aggregator needs.
type ReviewSample struct {
	Rating    int
	CreatedAt time.Time
}

// JobFilter narrows job listings for an agent.
type JobFilter struct {
	AgentID uuid.UUID
	Status  core.JobStatus
	Limit   int
}

// Tx is the per-transaction data access surface. ForUpdate variants take
// row locks (SELECT ... FOR UPDATE); lock agents in a fixed order, by
// agent id, when more than one is involved.
type Tx interface {
	// agents
	CreateAgent(ctx context.Context, a *core.Agent) error
	AgentByID(ctx context.Context, id uuid.UUID) (*core.Agent, error)
	AgentByPublicKey(ctx context.Context, publicKey string) (*core.Agent, error)
	AgentByIdentityID(ctx context.Context, identityID string) (*core.Agent, error)
	AgentForUpdate(ctx context.Context, id uuid.UUID) (*core.Agent, error)
	UpdateAgentProfile(ctx context.Context, a *core.Agent) error
	UpdateAgentBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error
	UpdateAgentReputation(ctx context.Context, id uuid.UUID, role core.ReviewRole, score decimal.Decimal) error
	TouchAgent(ctx context.Context, id uuid.UUID, at time.Time) error

	// listings
	CreateListing(ctx context.Context, l *core.Listing) error
	ListingByID(ctx context.Context, id uuid.UUID) (*core.Listing, error)
	UpdateListing(ctx context.Context, l *core.Listing) error
	ListingsBySeller(ctx context.Context, sellerID uuid.UUID) ([]core.Listing, error)
	SearchListings(ctx context.Context, f ListingFilter) ([]core.Listing, error)

	// jobs
	CreateJob(ctx context.Context, j *core.Job) error
	JobByID(ctx context.Context, id uuid.UUID) (*core.Job, error)
	JobForUpdate(ctx context.Context, id uuid.UUID) (*core.Job, error)
	UpdateJob(ctx context.Context, j *core.Job) error
	JobsForAgent(ctx context.Context, f JobFilter) ([]core.Job, error)
	JobsWithDeadlines(ctx context.Context) ([]core.Job, error)

	// escrow
	CreateEscrow(ctx context.Context, e *core.EscrowAccount) error
	EscrowByJob(ctx context.Context, jobID uuid.UUID) (*core.EscrowAccount, error)
	EscrowByJobForUpdate(ctx context.Context, jobID uuid.UUID) (*core.EscrowAccount, error)
	UpdateEscrow(ctx context.Context, e *core.EscrowAccount) error
	AppendAudit(ctx context.Context, entry *core.EscrowAuditEntry) error
	AuditTrail(ctx context.Context, escrowID uuid.UUID) ([]core.EscrowAuditEntry, error)

	// reviews
	CreateReview(ctx context.Context, r *core.Review) error
	ReviewExists(ctx context.Context, jobID, reviewerID uuid.UUID) (bool, error)
	ReviewsForReputation(ctx context.Context, revieweeID uuid.UUID, role core.ReviewRole) ([]ReviewSample, error)
	ReviewsForAgent(ctx context.Context, revieweeID uuid.UUID, role core.ReviewRole, limit int) ([]core.Review, error)

	// wallet
	CreateDepositAddress(ctx context.Context, d *core.DepositAddress) error
	DepositAddressForAgent(ctx context.Context, agentID uuid.UUID) (*core.DepositAddress, error)
	AllDepositAddresses(ctx context.Context) ([]core.DepositAddress, error)
	MaxDerivationIndex(ctx context.Context) (int, error)
	CreateDepositTx(ctx context.Context, d *core.DepositTransaction) error
	DepositTxByHash(ctx context.Context, txHash string) (*core.DepositTransaction, error)
	UpdateDepositTx(ctx context.Context, d *core.DepositTransaction) error
	DepositsForAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]core.DepositTransaction, error)
	ConfirmingDeposits(ctx context.Context, limit int) ([]core.DepositTransaction, error)
	CreateWithdrawal(ctx context.Context, w *core.WithdrawalRequest) error
	WithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*core.WithdrawalRequest, error)
	UpdateWithdrawal(ctx context.Context, w *core.WithdrawalRequest) error
	PendingWithdrawals(ctx context.Context, limit int) ([]core.WithdrawalRequest, error)
	ProcessingWithdrawals(ctx context.Context) ([]core.WithdrawalRequest, error)
	WithdrawalsForAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]core.WithdrawalRequest, error)

	// webhooks
	EnqueueWebhook(ctx context.Context, d *core.WebhookDelivery) error
	ClaimDueWebhooks(ctx context.Context, now time.Time, limit int) ([]core.WebhookDelivery, error)
	UpdateWebhook(ctx context.Context, d *core.WebhookDelivery) error
	PendingWebhookCount(ctx context.Context) (int, error)
}
