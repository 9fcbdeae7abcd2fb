// Package core holds the marketplace domain model: agents, listings, jobs,
// escrow, reviews, wallet records and webhook deliveries, together with the
// job state machine and the error kinds the HTTP layer maps to status codes.
package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentActive      AgentStatus = "active"
	AgentSuspended   AgentStatus = "suspended"
	AgentDeactivated AgentStatus = "deactivated"
)

// Agent is a marketplace participant identified by an Ed25519 public key.
type Agent struct {
	AgentID          uuid.UUID       `json:"agent_id"`
	PublicKey        string          `json:"public_key"`
	DisplayName      string          `json:"display_name"`
	Description      string          `json:"description,omitempty"`
	EndpointURL      string          `json:"endpoint_url"`
	Capabilities     []string        `json:"capabilities"`
	WebhookSecret    string          `json:"-"`
	ReputationSeller decimal.Decimal `json:"reputation_as_seller"`
	ReputationClient decimal.Decimal `json:"reputation_as_client"`
	Balance          decimal.Decimal `json:"balance"`
	Status           AgentStatus     `json:"status"`
	AgentCard        []byte          `json:"-"` // cached /.well-known/agent.json, verbatim
	IdentityID       string          `json:"identity_id,omitempty"`
	IdentityUsername string          `json:"identity_username,omitempty"`
	IdentityKarma    int             `json:"identity_karma,omitempty"`
	IdentityVerified bool            `json:"identity_verified,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	LastSeenAt       time.Time       `json:"last_seen_at"`
}

// PriceModel is how a listing's base price is quoted.
type PriceModel string

const (
	PerCall PriceModel = "per_call"
	PerUnit PriceModel = "per_unit"
	PerHour PriceModel = "per_hour"
	Flat    PriceModel = "flat"
)

// ListingStatus is the lifecycle state of a listing.
type ListingStatus string

const (
	ListingActive   ListingStatus = "active"
	ListingPaused   ListingStatus = "paused"
	ListingArchived ListingStatus = "archived"
)

// Listing is a priced service offering from a seller agent.
type Listing struct {
	ListingID     uuid.UUID       `json:"listing_id"`
	SellerAgentID uuid.UUID       `json:"seller_agent_id"`
	SkillID       string          `json:"skill_id"`
	Description   string          `json:"description,omitempty"`
	PriceModel    PriceModel      `json:"price_model"`
	BasePrice     decimal.Decimal `json:"base_price"`
	Currency      string          `json:"currency"`
	SLA           string          `json:"sla,omitempty"`
	Status        ListingStatus   `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// JobStatus is a state of the job lifecycle machine.
type JobStatus string

const (
	JobProposed    JobStatus = "proposed"
	JobNegotiating JobStatus = "negotiating"
	JobAgreed      JobStatus = "agreed"
	JobFunded      JobStatus = "funded"
	JobInProgress  JobStatus = "in_progress"
	JobDelivered   JobStatus = "delivered"
	JobVerifying   JobStatus = "verifying"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobDisputed    JobStatus = "disputed"
	JobResolved    JobStatus = "resolved"
	JobCancelled   JobStatus = "cancelled"
)

// ValidTransitions is the exhaustive edge set of the job state machine.
var ValidTransitions = map[JobStatus][]JobStatus{
	JobProposed:    {JobNegotiating, JobAgreed, JobCancelled},
	JobNegotiating: {JobAgreed, JobCancelled},
	JobAgreed:      {JobFunded, JobCancelled},
	JobFunded:      {JobInProgress},
	JobInProgress:  {JobDelivered, JobFailed},
	JobDelivered:   {JobVerifying, JobFailed},
	JobVerifying:   {JobCompleted, JobFailed},
	JobCompleted:   {},
	JobFailed:      {JobDisputed},
	JobDisputed:    {JobResolved},
	JobResolved:    {},
	JobCancelled:   {},
}

// CanTransition reports whether current -> target is a legal edge.
func CanTransition(current, target JobStatus) bool {
	for _, t := range ValidTransitions[current] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further work happens on the job. Disputed
// and resolved count as terminal for deadline and escrow purposes even
// though the dispute edges exist; disputes only get recorded, never decided.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobDisputed, JobResolved, JobCancelled:
		return true
	}
	return false
}

// NegotiationRound is one append-only entry of a job's negotiation log.
// Counter rounds leave Action empty; acceptance appends a record with
// Action "accepted" carrying the final price and criteria hash.
type NegotiationRound struct {
	Round         int            `json:"round,omitempty"`
	Action        string         `json:"action,omitempty"`
	Proposer      string         `json:"proposer,omitempty"`
	By            string         `json:"by,omitempty"`
	ProposedPrice string         `json:"proposed_price,omitempty"`
	AgreedPrice   string         `json:"agreed_price,omitempty"`
	CounterTerms  map[string]any `json:"counter_terms,omitempty"`
	Message       string         `json:"message,omitempty"`
	CriteriaHash  string         `json:"acceptance_criteria_hash,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Job is the full lifecycle record of one engagement.
type Job struct {
	JobID            uuid.UUID          `json:"job_id"`
	ClientAgentID    uuid.UUID          `json:"client_agent_id"`
	SellerAgentID    uuid.UUID          `json:"seller_agent_id"`
	ListingID        *uuid.UUID         `json:"listing_id,omitempty"`
	A2ATaskID        string             `json:"a2a_task_id,omitempty"`
	A2AContextID     string             `json:"a2a_context_id,omitempty"`
	Status           JobStatus          `json:"status"`
	Criteria         []byte             `json:"-"` // raw acceptance-criteria JSON
	CriteriaHash     string             `json:"acceptance_criteria_hash,omitempty"`
	Requirements     []byte             `json:"-"` // raw requirements JSON
	AgreedPrice      decimal.Decimal    `json:"agreed_price"`
	DeliveryDeadline *time.Time         `json:"delivery_deadline,omitempty"`
	NegotiationLog   []NegotiationRound `json:"negotiation_log"`
	MaxRounds        int                `json:"max_rounds"`
	CurrentRound     int                `json:"current_round"`
	Result           []byte             `json:"-"` // raw result JSON; API layer decides exposure
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	DeliveredAt      *time.Time         `json:"delivered_at,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// IsParty reports whether the given agent is the job's client or seller.
func (j *Job) IsParty(agentID uuid.UUID) bool {
	return j.ClientAgentID == agentID || j.SellerAgentID == agentID
}

// EscrowStatus is the state of a per-job escrow account.
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowFunded   EscrowStatus = "funded"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowDisputed EscrowStatus = "disputed"
)

// EscrowAccount holds a job's locked funds.
type EscrowAccount struct {
	EscrowID      uuid.UUID       `json:"escrow_id"`
	JobID         uuid.UUID       `json:"job_id"`
	ClientAgentID uuid.UUID       `json:"client_agent_id"`
	SellerAgentID uuid.UUID       `json:"seller_agent_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        EscrowStatus    `json:"status"`
	FundedAt      *time.Time      `json:"funded_at,omitempty"`
	ReleasedAt    *time.Time      `json:"released_at,omitempty"`
}

// EscrowAction labels an audit entry. Audit rows are append-only and are
// written inside the same database transaction as the change they record.
type EscrowAction string

const (
	AuditCreated  EscrowAction = "created"
	AuditFunded   EscrowAction = "funded"
	AuditReleased EscrowAction = "released"
	AuditRefunded EscrowAction = "refunded"
	AuditDisputed EscrowAction = "disputed"
	AuditResolved EscrowAction = "resolved"
)

// EscrowAuditEntry is one immutable row of the escrow audit trail.
type EscrowAuditEntry struct {
	AuditID      uuid.UUID         `json:"audit_id"`
	EscrowID     uuid.UUID         `json:"escrow_id"`
	Action       EscrowAction      `json:"action"`
	ActorAgentID *uuid.UUID        `json:"actor_agent_id,omitempty"` // nil for platform actions
	Amount       decimal.Decimal   `json:"amount"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// ReviewRole distinguishes who is reviewing whom on a finished job.
type ReviewRole string

const (
	ClientOfSeller ReviewRole = "client_of_seller"
	SellerOfClient ReviewRole = "seller_of_client"
)

// Review is one party's rating of the other for a single job.
type Review struct {
	ReviewID        uuid.UUID  `json:"review_id"`
	JobID           uuid.UUID  `json:"job_id"`
	ReviewerAgentID uuid.UUID  `json:"reviewer_agent_id"`
	RevieweeAgentID uuid.UUID  `json:"reviewee_agent_id"`
	Role            ReviewRole `json:"role"`
	Rating          int        `json:"rating"` // 1..5
	Tags            []string   `json:"tags,omitempty"`
	Comment         string     `json:"comment,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// DepositAddress maps an agent to its unique chain receive address.
type DepositAddress struct {
	DepositAddressID uuid.UUID `json:"deposit_address_id"`
	AgentID          uuid.UUID `json:"agent_id"`
	Address          string    `json:"address"`
	DerivationIndex  int       `json:"derivation_index"`
	CreatedAt        time.Time `json:"created_at"`
}

// DepositStatus is the confirmation state of an observed deposit.
type DepositStatus string

const (
	DepositPending    DepositStatus = "pending"
	DepositConfirming DepositStatus = "confirming"
	DepositCredited   DepositStatus = "credited"
	DepositFailed     DepositStatus = "failed"
)

// DepositTransaction is one observed on-chain USDC transfer to a deposit
// address. USDC amounts carry six fractional digits, credits two.
type DepositTransaction struct {
	DepositTxID   uuid.UUID       `json:"deposit_tx_id"`
	AgentID       uuid.UUID       `json:"agent_id"`
	TxHash        string          `json:"tx_hash"`
	FromAddress   string          `json:"from_address"`
	AmountUSDC    decimal.Decimal `json:"amount_usdc"`
	AmountCredits decimal.Decimal `json:"amount_credits"`
	Confirmations int64           `json:"confirmations"`
	BlockNumber   int64           `json:"block_number"`
	Status        DepositStatus   `json:"status"`
	DetectedAt    time.Time       `json:"detected_at"`
	CreditedAt    *time.Time      `json:"credited_at,omitempty"`
}

// WithdrawalStatus is the processing state of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// WithdrawalRequest records an agent cashing credits out as USDC. The
// balance is debited by Amount up front and refunded on terminal failure.
// NetPayout = Amount - Fee is what goes on chain.
type WithdrawalRequest struct {
	WithdrawalID       uuid.UUID        `json:"withdrawal_id"`
	AgentID            uuid.UUID        `json:"agent_id"`
	Amount             decimal.Decimal  `json:"amount"`
	Fee                decimal.Decimal  `json:"fee"`
	NetPayout          decimal.Decimal  `json:"net_payout"`
	DestinationAddress string           `json:"destination_address"`
	Status             WithdrawalStatus `json:"status"`
	TxHash             string           `json:"tx_hash,omitempty"`
	ErrorMessage       string           `json:"error_message,omitempty"`
	RequestedAt        time.Time        `json:"requested_at"`
	ProcessedAt        *time.Time       `json:"processed_at,omitempty"`
}

// WebhookStatus is the delivery state of an outbound webhook.
type WebhookStatus string

const (
	WebhookPending   WebhookStatus = "pending"
	WebhookDelivered WebhookStatus = "delivered"
	WebhookFailed    WebhookStatus = "failed"
)

// WebhookDelivery is one at-least-once outbound event envelope.
type WebhookDelivery struct {
	DeliveryID    uuid.UUID     `json:"delivery_id"`
	TargetAgentID uuid.UUID     `json:"target_agent_id"`
	EventType     string        `json:"event_type"`
	JobID         *uuid.UUID    `json:"job_id,omitempty"`
	Payload       []byte        `json:"payload"`
	Status        WebhookStatus `json:"status"`
	Attempts      int           `json:"attempts"`
	LastError     string        `json:"last_error,omitempty"`
	NextAttemptAt time.Time     `json:"next_attempt_at"`
	CreatedAt     time.Time     `json:"created_at"`
}
