// Package reputation accepts reviews on finished jobs and maintains the
// per-role reputation scalars. Scores are recency-weighted means scaled
// by a confidence factor; agents with few reviews display as "new"
// instead of a number.
package reputation

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/database"
	"github.com/agoranet/marketplace/internal/validate"
)

// newThreshold is how many reviews a role needs before the numeric
// score is shown.
const newThreshold = 20

// confidenceDivisor dampens scores built on few reviews.
const confidenceDivisor = 20.0

// EventSink notifies the reviewee that a review landed.
type EventSink interface {
	AgentEvent(ctx context.Context, tx database.Tx, target uuid.UUID, event string, jobID *uuid.UUID, data map[string]any) error
}

// Service records reviews and recomputes reputation.
type Service struct {
	db     database.Client
	events EventSink
	logger *log.Logger
	now    func() time.Time
}

// NewService wires the review service. events may be nil.
func NewService(db database.Client, events EventSink) *Service {
	return &Service{
		db:     db,
		events: events,
		logger: log.New(log.Writer(), "[REPUTATION] ", log.LstdFlags),
		now:    time.Now,
	}
}

// ReviewInput is one party's rating of the other.
type ReviewInput struct {
	Rating  int
	Tags    []string
	Comment string
}

// Submit records a review and recomputes the reviewee's reputation in
// the same transaction. Each party reviews the other at most once, and
// only once the job reached a terminal success or failure state.
func (s *Service) Submit(ctx context.Context, jobID, reviewerID uuid.UUID, in ReviewInput) (*core.Review, error) {
	if err := validate.Rating(in.Rating); err != nil {
		return nil, err
	}
	if err := validate.Capabilities(in.Tags); err != nil {
		return nil, err
	}
	if err := validate.Comment(in.Comment); err != nil {
		return nil, err
	}

	var review *core.Review
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		job, err := tx.JobByID(ctx, jobID)
		if err != nil {
			return err
		}
		switch job.Status {
		case core.JobCompleted, core.JobFailed, core.JobResolved:
		default:
			return core.E(core.KindConflict, "job is %s, reviews need a completed, failed, or resolved job", job.Status)
		}

		var revieweeID uuid.UUID
		var role core.ReviewRole
		switch reviewerID {
		case job.ClientAgentID:
			revieweeID = job.SellerAgentID
			role = core.ClientOfSeller
		case job.SellerAgentID:
			revieweeID = job.ClientAgentID
			role = core.SellerOfClient
		default:
			return core.E(core.KindForbidden, "only parties to the job can review it")
		}

		if exists, err := tx.ReviewExists(ctx, jobID, reviewerID); err != nil {
			return err
		} else if exists {
			return core.E(core.KindConflict, "job already reviewed by this agent")
		}

		review = &core.Review{
			ReviewID:        uuid.New(),
			JobID:           jobID,
			ReviewerAgentID: reviewerID,
			RevieweeAgentID: revieweeID,
			Role:            role,
			Rating:          in.Rating,
			Tags:            in.Tags,
			Comment:         in.Comment,
			CreatedAt:       s.now().UTC(),
		}
		if err := tx.CreateReview(ctx, review); err != nil {
			return err
		}

		samples, err := tx.ReviewsForReputation(ctx, revieweeID, role)
		if err != nil {
			return err
		}
		if err := tx.UpdateAgentReputation(ctx, revieweeID, role, Score(samples, s.now())); err != nil {
			return err
		}

		if s.events != nil {
			return s.events.AgentEvent(ctx, tx, revieweeID, "review.created", &jobID, map[string]any{
				"rating":   in.Rating,
				"reviewer": reviewerID.String(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return review, nil
}

// Score computes the recency-weighted reputation for a sample set:
// reviews inside 30 days weigh double, inside 90 days 1.5x, and the
// result is scaled by min(1, n/20) so thin histories read low.
func Score(samples []database.ReviewSample, now time.Time) decimal.Decimal {
	if len(samples) == 0 {
		return decimal.Zero
	}
	var weightedSum, totalWeight float64
	for _, s := range samples {
		w := recencyWeight(now.Sub(s.CreatedAt))
		weightedSum += float64(s.Rating) * w
		totalWeight += w
	}
	confidence := float64(len(samples)) / confidenceDivisor
	if confidence > 1 {
		confidence = 1
	}
	score := decimal.NewFromFloat(weightedSum / totalWeight * confidence).Round(2)
	if score.GreaterThan(decimal.NewFromInt(5)) {
		score = decimal.New(500, -2)
	}
	return score
}

func recencyWeight(age time.Duration) float64 {
	switch {
	case age <= 30*24*time.Hour:
		return 2.0
	case age <= 90*24*time.Hour:
		return 1.5
	}
	return 1.0
}

// Summary is an agent's public reputation view.
type Summary struct {
	AgentID              uuid.UUID        `json:"agent_id"`
	ReputationSeller     *decimal.Decimal `json:"reputation_as_seller,omitempty"`
	SellerDisplay        string           `json:"reputation_as_seller_display"`
	ReputationClient     *decimal.Decimal `json:"reputation_as_client,omitempty"`
	ClientDisplay        string           `json:"reputation_as_client_display"`
	TotalReviewsAsSeller int              `json:"total_reviews_as_seller"`
	TotalReviewsAsClient int              `json:"total_reviews_as_client"`
	TopTags              []string         `json:"top_tags"`
}

// Summarize builds the public reputation view, hiding numeric scores
// behind "new" until the role has enough reviews.
func (s *Service) Summarize(ctx context.Context, agentID uuid.UUID) (*Summary, error) {
	out := &Summary{AgentID: agentID, SellerDisplay: "new", ClientDisplay: "new"}
	err := s.db.View(ctx, func(tx database.Tx) error {
		agent, err := tx.AgentByID(ctx, agentID)
		if err != nil {
			return err
		}

		tagCounts := map[string]int{}
		for _, role := range []core.ReviewRole{core.ClientOfSeller, core.SellerOfClient} {
			reviews, err := tx.ReviewsForAgent(ctx, agentID, role, 0)
			if err != nil {
				return err
			}
			for _, r := range reviews {
				for _, tag := range r.Tags {
					tagCounts[tag]++
				}
			}
			if role == core.ClientOfSeller {
				out.TotalReviewsAsSeller = len(reviews)
			} else {
				out.TotalReviewsAsClient = len(reviews)
			}
		}
		if out.TotalReviewsAsSeller >= newThreshold {
			score := agent.ReputationSeller
			out.ReputationSeller = &score
			out.SellerDisplay = score.StringFixed(2)
		}
		if out.TotalReviewsAsClient >= newThreshold {
			score := agent.ReputationClient
			out.ReputationClient = &score
			out.ClientDisplay = score.StringFixed(2)
		}
		out.TopTags = topTags(tagCounts, 5)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ForAgent lists reviews received in a role, newest first.
func (s *Service) ForAgent(ctx context.Context, agentID uuid.UUID, role core.ReviewRole, limit int) ([]core.Review, error) {
	var out []core.Review
	err := s.db.View(ctx, func(tx database.Tx) error {
		reviews, err := tx.ReviewsForAgent(ctx, agentID, role, limit)
		if err != nil {
			return err
		}
		out = reviews
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func topTags(counts map[string]int, n int) []string {
	tags := make([]string, 0, len(counts))
	for tag := range counts {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if counts[tags[i]] != counts[tags[j]] {
			return counts[tags[i]] > counts[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if len(tags) > n {
		tags = tags[:n]
	}
	return tags
}
