package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/agoranet/marketplace/internal/core"
)

const jobColumns = `job_id, client_agent_id, seller_agent_id, listing_id,
	a2a_task_id, a2a_context_id, status, criteria, criteria_hash, requirements,
	agreed_price, delivery_deadline, negotiation_log, max_rounds, current_round,
	result, started_at, delivered_at, created_at, updated_at`

func (t *pgTx) CreateJob(ctx context.Context, j *core.Job) error {
	log, err := json.Marshal(j.NegotiationLog)
	if err != nil {
		return fmt.Errorf("marshal negotiation log: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		j.JobID, j.ClientAgentID, j.SellerAgentID, j.ListingID, j.A2ATaskID,
		j.A2AContextID, j.Status, nullBytes(j.Criteria), j.CriteriaHash,
		nullBytes(j.Requirements), j.AgreedPrice, j.DeliveryDeadline, log,
		j.MaxRounds, j.CurrentRound, nullBytes(j.Result), j.StartedAt,
		j.DeliveredAt, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (t *pgTx) JobByID(ctx context.Context, id uuid.UUID) (*core.Job, error) {
	return scanJob(t.tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, id))
}

func (t *pgTx) JobForUpdate(ctx context.Context, id uuid.UUID) (*core.Job, error) {
	return scanJob(t.tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateJob(ctx context.Context, j *core.Job) error {
	log, err := json.Marshal(j.NegotiationLog)
	if err != nil {
		return fmt.Errorf("marshal negotiation log: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE jobs SET status = $2, criteria = $3, criteria_hash = $4,
			requirements = $5, agreed_price = $6, delivery_deadline = $7,
			negotiation_log = $8, max_rounds = $9, current_round = $10,
			result = $11, started_at = $12, delivered_at = $13,
			a2a_task_id = $14, a2a_context_id = $15, updated_at = $16
		WHERE job_id = $1`,
		j.JobID, j.Status, nullBytes(j.Criteria), j.CriteriaHash,
		nullBytes(j.Requirements), j.AgreedPrice, j.DeliveryDeadline, log,
		j.MaxRounds, j.CurrentRound, nullBytes(j.Result), j.StartedAt,
		j.DeliveredAt, j.A2ATaskID, j.A2AContextID, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return requireOneRow(res, "job")
}

func (t *pgTx) JobsForAgent(ctx context.Context, f JobFilter) ([]core.Job, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE (client_agent_id = $1 OR seller_agent_id = $1)`
	args := []any{f.AgentID}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobs for agent: %w", err)
	}
	return collectJobs(rows)
}

// JobsWithDeadlines lists every live job carrying a delivery deadline,
// used by the deadline queue's boot recovery scan.
func (t *pgTx) JobsWithDeadlines(ctx context.Context) ([]core.Job, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE delivery_deadline IS NOT NULL
		  AND status IN ('funded', 'in_progress', 'delivered')
		ORDER BY delivery_deadline ASC`)
	if err != nil {
		return nil, fmt.Errorf("jobs with deadlines: %w", err)
	}
	return collectJobs(rows)
}

func scanJob(row *sql.Row) (*core.Job, error) {
	var j core.Job
	var criteria, requirements, log, result []byte
	err := row.Scan(&j.JobID, &j.ClientAgentID, &j.SellerAgentID, &j.ListingID,
		&j.A2ATaskID, &j.A2AContextID, &j.Status, &criteria, &j.CriteriaHash,
		&requirements, &j.AgreedPrice, &j.DeliveryDeadline, &log, &j.MaxRounds,
		&j.CurrentRound, &result, &j.StartedAt, &j.DeliveredAt, &j.CreatedAt,
		&j.UpdatedAt)
	if err != nil {
		return nil, notFound("job", err)
	}
	return finishJob(&j, criteria, requirements, log, result)
}

func collectJobs(rows *sql.Rows) ([]core.Job, error) {
	defer rows.Close()
	var out []core.Job
	for rows.Next() {
		var j core.Job
		var criteria, requirements, log, result []byte
		if err := rows.Scan(&j.JobID, &j.ClientAgentID, &j.SellerAgentID,
			&j.ListingID, &j.A2ATaskID, &j.A2AContextID, &j.Status, &criteria,
			&j.CriteriaHash, &requirements, &j.AgreedPrice, &j.DeliveryDeadline,
			&log, &j.MaxRounds, &j.CurrentRound, &result, &j.StartedAt,
			&j.DeliveredAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		jj, err := finishJob(&j, criteria, requirements, log, result)
		if err != nil {
			return nil, err
		}
		out = append(out, *jj)
	}
	return out, rows.Err()
}

func finishJob(j *core.Job, criteria, requirements, log, result []byte) (*core.Job, error) {
	j.Criteria = criteria
	j.Requirements = requirements
	j.Result = result
	j.NegotiationLog = []core.NegotiationRound{}
	if len(log) > 0 {
		if err := json.Unmarshal(log, &j.NegotiationLog); err != nil {
			return nil, fmt.Errorf("decode negotiation log: %w", err)
		}
	}
	return j, nil
}
