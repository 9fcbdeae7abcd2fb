package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agoranet/marketplace/internal/core"
)

const agentColumns = `agent_id, public_key, display_name, description, endpoint_url,
	capabilities, webhook_secret, reputation_seller, reputation_client, balance,
	status, agent_card, identity_id, identity_username, identity_karma,
	identity_verified, created_at, last_seen_at`

func (t *pgTx) CreateAgent(ctx context.Context, a *core.Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		a.AgentID, a.PublicKey, a.DisplayName, a.Description, a.EndpointURL,
		caps, a.WebhookSecret, a.ReputationSeller, a.ReputationClient, a.Balance,
		a.Status, nullBytes(a.AgentCard), a.IdentityID, a.IdentityUsername,
		a.IdentityKarma, a.IdentityVerified, a.CreatedAt, a.LastSeenAt)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (t *pgTx) AgentByID(ctx context.Context, id uuid.UUID) (*core.Agent, error) {
	return t.scanAgent(t.tx.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, id))
}

func (t *pgTx) AgentByPublicKey(ctx context.Context, publicKey string) (*core.Agent, error) {
	return t.scanAgent(t.tx.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE public_key = $1`, publicKey))
}

func (t *pgTx) AgentByIdentityID(ctx context.Context, identityID string) (*core.Agent, error) {
	return t.scanAgent(t.tx.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE identity_id = $1 AND identity_id <> ''`, identityID))
}

func (t *pgTx) AgentForUpdate(ctx context.Context, id uuid.UUID) (*core.Agent, error) {
	return t.scanAgent(t.tx.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateAgentProfile(ctx context.Context, a *core.Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE agents SET display_name = $2, description = $3, endpoint_url = $4,
			capabilities = $5, webhook_secret = $6, status = $7, agent_card = $8,
			identity_id = $9, identity_username = $10, identity_karma = $11,
			identity_verified = $12, last_seen_at = $13
		WHERE agent_id = $1`,
		a.AgentID, a.DisplayName, a.Description, a.EndpointURL, caps,
		a.WebhookSecret, a.Status, nullBytes(a.AgentCard), a.IdentityID,
		a.IdentityUsername, a.IdentityKarma, a.IdentityVerified, a.LastSeenAt)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return requireOneRow(res, "agent")
}

func (t *pgTx) UpdateAgentBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE agents SET balance = $2 WHERE agent_id = $1`, id, balance)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return requireOneRow(res, "agent")
}

func (t *pgTx) UpdateAgentReputation(ctx context.Context, id uuid.UUID, role core.ReviewRole, score decimal.Decimal) error {
	column := "reputation_seller"
	if role == core.SellerOfClient {
		column = "reputation_client"
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE agents SET `+column+` = $2 WHERE agent_id = $1`, id, score)
	if err != nil {
		return fmt.Errorf("update reputation: %w", err)
	}
	return requireOneRow(res, "agent")
}

func (t *pgTx) TouchAgent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE agents SET last_seen_at = $2 WHERE agent_id = $1`, id, at)
	return err
}

func (t *pgTx) scanAgent(row *sql.Row) (*core.Agent, error) {
	var a core.Agent
	var caps []byte
	var card []byte
	err := row.Scan(&a.AgentID, &a.PublicKey, &a.DisplayName, &a.Description,
		&a.EndpointURL, &caps, &a.WebhookSecret, &a.ReputationSeller,
		&a.ReputationClient, &a.Balance, &a.Status, &card, &a.IdentityID,
		&a.IdentityUsername, &a.IdentityKarma, &a.IdentityVerified,
		&a.CreatedAt, &a.LastSeenAt)
	if err != nil {
		return nil, notFound("agent", err)
	}
	if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	a.AgentCard = card
	return &a, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func requireOneRow(res sql.Result, entity string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.E(core.KindNotFound, "%s not found", entity)
	}
	return nil
}
