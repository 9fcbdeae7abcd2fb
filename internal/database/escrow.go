package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/agoranet/marketplace/internal/core"
)

const escrowColumns = `escrow_id, job_id, client_agent_id, seller_agent_id,
	amount, status, funded_at, released_at`

func (t *pgTx) CreateEscrow(ctx context.Context, e *core.EscrowAccount) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO escrow_accounts (`+escrowColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.EscrowID, e.JobID, e.ClientAgentID, e.SellerAgentID, e.Amount,
		e.Status, e.FundedAt, e.ReleasedAt)
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (t *pgTx) EscrowByJob(ctx context.Context, jobID uuid.UUID) (*core.EscrowAccount, error) {
	return scanEscrow(t.tx.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_accounts WHERE job_id = $1`, jobID))
}

func (t *pgTx) EscrowByJobForUpdate(ctx context.Context, jobID uuid.UUID) (*core.EscrowAccount, error) {
	return scanEscrow(t.tx.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_accounts WHERE job_id = $1 FOR UPDATE`, jobID))
}

func (t *pgTx) UpdateEscrow(ctx context.Context, e *core.EscrowAccount) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE escrow_accounts SET status = $2, funded_at = $3, released_at = $4
		WHERE escrow_id = $1`,
		e.EscrowID, e.Status, e.FundedAt, e.ReleasedAt)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	return requireOneRow(res, "escrow")
}

// AppendAudit inserts an audit row. There is deliberately no update or
// delete counterpart anywhere in this package.
func (t *pgTx) AppendAudit(ctx context.Context, entry *core.EscrowAuditEntry) error {
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	if entry.Metadata == nil {
		meta = []byte("{}")
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO escrow_audit (audit_id, escrow_id, action, actor_agent_id, amount, metadata, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.AuditID, entry.EscrowID, entry.Action, entry.ActorAgentID,
		entry.Amount, meta, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func (t *pgTx) AuditTrail(ctx context.Context, escrowID uuid.UUID) ([]core.EscrowAuditEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT audit_id, escrow_id, action, actor_agent_id, amount, metadata, ts
		FROM escrow_audit WHERE escrow_id = $1 ORDER BY ts ASC, audit_id ASC`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}
	defer rows.Close()
	var out []core.EscrowAuditEntry
	for rows.Next() {
		var e core.EscrowAuditEntry
		var meta []byte
		if err := rows.Scan(&e.AuditID, &e.EscrowID, &e.Action, &e.ActorAgentID,
			&e.Amount, &meta, &e.Timestamp); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEscrow(row *sql.Row) (*core.EscrowAccount, error) {
	var e core.EscrowAccount
	err := row.Scan(&e.EscrowID, &e.JobID, &e.ClientAgentID, &e.SellerAgentID,
		&e.Amount, &e.Status, &e.FundedAt, &e.ReleasedAt)
	if err != nil {
		return nil, notFound("escrow", err)
	}
	return &e, nil
}
