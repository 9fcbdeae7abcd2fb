package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/agoranet/marketplace/internal/core"
)

func (t *pgTx) CreateReview(ctx context.Context, r *core.Review) error {
	tags, err := json.Marshal(r.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	if r.Tags == nil {
		tags = []byte("[]")
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO reviews (review_id, job_id, reviewer_agent_id, reviewee_agent_id,
			role, rating, tags, comment, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ReviewID, r.JobID, r.ReviewerAgentID, r.RevieweeAgentID, r.Role,
		r.Rating, tags, r.Comment, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

func (t *pgTx) ReviewExists(ctx context.Context, jobID, reviewerID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM reviews WHERE job_id = $1 AND reviewer_agent_id = $2)`,
		jobID, reviewerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("review exists: %w", err)
	}
	return exists, nil
}

func (t *pgTx) ReviewsForReputation(ctx context.Context, revieweeID uuid.UUID, role core.ReviewRole) ([]ReviewSample, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT rating, created_at FROM reviews
		WHERE reviewee_agent_id = $1 AND role = $2`, revieweeID, role)
	if err != nil {
		return nil, fmt.Errorf("reviews for reputation: %w", err)
	}
	defer rows.Close()
	var out []ReviewSample
	for rows.Next() {
		var s ReviewSample
		if err := rows.Scan(&s.Rating, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) ReviewsForAgent(ctx context.Context, revieweeID uuid.UUID, role core.ReviewRole, limit int) ([]core.Review, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT review_id, job_id, reviewer_agent_id, reviewee_agent_id, role,
			rating, tags, comment, created_at
		FROM reviews WHERE reviewee_agent_id = $1 AND role = $2
		ORDER BY created_at DESC LIMIT $3`, revieweeID, role, limit)
	if err != nil {
		return nil, fmt.Errorf("reviews for agent: %w", err)
	}
	defer rows.Close()
	var out []core.Review
	for rows.Next() {
		var r core.Review
		var tags []byte
		if err := rows.Scan(&r.ReviewID, &r.JobID, &r.ReviewerAgentID,
			&r.RevieweeAgentID, &r.Role, &r.Rating, &tags, &r.Comment,
			&r.CreatedAt); err != nil {
			return nil, err
		}
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &r.Tags); err != nil {
				return nil, fmt.Errorf("decode tags: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
