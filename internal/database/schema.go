package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied idempotently at startup. The escrow_audit table is
// append-only; nothing in this package issues UPDATE or DELETE against it.
const schema = `
CREATE TABLE IF NOT EXISTS agents (
    agent_id          UUID PRIMARY KEY,
    public_key        TEXT NOT NULL UNIQUE,
    display_name      TEXT NOT NULL,
    description       TEXT NOT NULL DEFAULT '',
    endpoint_url      TEXT NOT NULL,
    capabilities      JSONB NOT NULL DEFAULT '[]',
    webhook_secret    TEXT NOT NULL,
    reputation_seller NUMERIC(5,2) NOT NULL DEFAULT 0,
    reputation_client NUMERIC(5,2) NOT NULL DEFAULT 0,
    balance           NUMERIC(18,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
    status            TEXT NOT NULL DEFAULT 'active',
    agent_card        JSONB,
    identity_id       TEXT NOT NULL DEFAULT '',
    identity_username TEXT NOT NULL DEFAULT '',
    identity_karma    INTEGER NOT NULL DEFAULT 0,
    identity_verified BOOLEAN NOT NULL DEFAULT FALSE,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_seen_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS agents_identity_id_idx
    ON agents (identity_id) WHERE identity_id <> '';

CREATE TABLE IF NOT EXISTS listings (
    listing_id      UUID PRIMARY KEY,
    seller_agent_id UUID NOT NULL REFERENCES agents(agent_id),
    skill_id        TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    price_model     TEXT NOT NULL,
    base_price      NUMERIC(18,2) NOT NULL,
    currency        TEXT NOT NULL,
    sla             TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'active',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS listings_skill_idx ON listings (skill_id) WHERE status = 'active';
CREATE UNIQUE INDEX IF NOT EXISTS listings_one_active_idx
    ON listings (seller_agent_id, skill_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS jobs (
    job_id            UUID PRIMARY KEY,
    client_agent_id   UUID NOT NULL REFERENCES agents(agent_id),
    seller_agent_id   UUID NOT NULL REFERENCES agents(agent_id),
    listing_id        UUID REFERENCES listings(listing_id),
    a2a_task_id       TEXT NOT NULL DEFAULT '',
    a2a_context_id    TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT 'proposed',
    criteria          JSONB,
    criteria_hash     TEXT NOT NULL DEFAULT '',
    requirements      JSONB,
    agreed_price      NUMERIC(18,2) NOT NULL DEFAULT 0,
    delivery_deadline TIMESTAMPTZ,
    negotiation_log   JSONB NOT NULL DEFAULT '[]',
    max_rounds        INTEGER NOT NULL DEFAULT 5,
    current_round     INTEGER NOT NULL DEFAULT 0,
    result            JSONB,
    started_at        TIMESTAMPTZ,
    delivered_at      TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS jobs_client_idx ON jobs (client_agent_id, created_at DESC);
CREATE INDEX IF NOT EXISTS jobs_seller_idx ON jobs (seller_agent_id, created_at DESC);

CREATE TABLE IF NOT EXISTS escrow_accounts (
    escrow_id       UUID PRIMARY KEY,
    job_id          UUID NOT NULL UNIQUE REFERENCES jobs(job_id),
    client_agent_id UUID NOT NULL REFERENCES agents(agent_id),
    seller_agent_id UUID NOT NULL REFERENCES agents(agent_id),
    amount          NUMERIC(18,2) NOT NULL CHECK (amount > 0),
    status          TEXT NOT NULL DEFAULT 'pending',
    funded_at       TIMESTAMPTZ,
    released_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS escrow_audit (
    audit_id       UUID PRIMARY KEY,
    escrow_id      UUID NOT NULL REFERENCES escrow_accounts(escrow_id),
    action         TEXT NOT NULL,
    actor_agent_id UUID,
    amount         NUMERIC(18,2) NOT NULL,
    metadata       JSONB NOT NULL DEFAULT '{}',
    ts             TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS escrow_audit_escrow_idx ON escrow_audit (escrow_id, ts);

CREATE TABLE IF NOT EXISTS reviews (
    review_id         UUID PRIMARY KEY,
    job_id            UUID NOT NULL REFERENCES jobs(job_id),
    reviewer_agent_id UUID NOT NULL REFERENCES agents(agent_id),
    reviewee_agent_id UUID NOT NULL REFERENCES agents(agent_id),
    role              TEXT NOT NULL,
    rating            INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
    tags              JSONB NOT NULL DEFAULT '[]',
    comment           TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (job_id, reviewer_agent_id)
);
CREATE INDEX IF NOT EXISTS reviews_reviewee_idx ON reviews (reviewee_agent_id, role, created_at DESC);

CREATE TABLE IF NOT EXISTS deposit_addresses (
    deposit_address_id UUID PRIMARY KEY,
    agent_id           UUID NOT NULL UNIQUE REFERENCES agents(agent_id),
    address            TEXT NOT NULL UNIQUE,
    derivation_index   INTEGER NOT NULL UNIQUE,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS deposit_transactions (
    deposit_tx_id  UUID PRIMARY KEY,
    agent_id       UUID NOT NULL REFERENCES agents(agent_id),
    tx_hash        TEXT NOT NULL UNIQUE,
    from_address   TEXT NOT NULL DEFAULT '',
    amount_usdc    NUMERIC(24,6) NOT NULL,
    amount_credits NUMERIC(18,2) NOT NULL,
    confirmations  BIGINT NOT NULL DEFAULT 0,
    block_number   BIGINT NOT NULL DEFAULT 0,
    status         TEXT NOT NULL DEFAULT 'pending',
    detected_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    credited_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS deposit_tx_agent_idx ON deposit_transactions (agent_id, detected_at DESC);

CREATE TABLE IF NOT EXISTS withdrawal_requests (
    withdrawal_id       UUID PRIMARY KEY,
    agent_id            UUID NOT NULL REFERENCES agents(agent_id),
    amount              NUMERIC(18,2) NOT NULL,
    fee                 NUMERIC(18,2) NOT NULL,
    net_payout          NUMERIC(18,2) NOT NULL,
    destination_address TEXT NOT NULL,
    status              TEXT NOT NULL DEFAULT 'pending',
    tx_hash             TEXT NOT NULL DEFAULT '',
    error_message       TEXT NOT NULL DEFAULT '',
    requested_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    processed_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS withdrawals_agent_idx ON withdrawal_requests (agent_id, requested_at DESC);
CREATE INDEX IF NOT EXISTS withdrawals_pending_idx ON withdrawal_requests (requested_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    delivery_id     UUID PRIMARY KEY,
    target_agent_id UUID NOT NULL REFERENCES agents(agent_id),
    event_type      TEXT NOT NULL,
    job_id          UUID,
    payload         JSONB NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending',
    attempts        INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT NOT NULL DEFAULT '',
    next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS webhooks_due_idx ON webhook_deliveries (next_attempt_at) WHERE status = 'pending';
`

// Migrate applies the schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
