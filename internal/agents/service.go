// Package agents handles registration, profiles and deactivation of
// marketplace participants.
package agents

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agoranet/marketplace/internal/config"
	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/database"
	"github.com/agoranet/marketplace/internal/identity"
	"github.com/agoranet/marketplace/internal/validate"
)

// JobSweeper closes an agent's live jobs on deactivation. The jobs
// service implements it.
type JobSweeper interface {
	AbandonForAgent(ctx context.Context, agentID uuid.UUID) (int, error)
}

// Service manages agent records.
type Service struct {
	db           database.Client
	cards        *CardFetcher
	identity     identity.Provider
	jobs         JobSweeper
	cfg          config.IdentityConfig
	allowPrivate bool
	logger       *log.Logger
	now          func() time.Time
}

// NewService wires the agent service. cards, provider and sweeper may be
// nil; card fetching, identity verification and the deactivation sweep
// are then skipped.
func NewService(db database.Client, cards *CardFetcher, provider identity.Provider,
	sweeper JobSweeper, cfg config.IdentityConfig, allowPrivateEndpoints bool) *Service {
	return &Service{
		db:           db,
		cards:        cards,
		identity:     provider,
		jobs:         sweeper,
		cfg:          cfg,
		allowPrivate: allowPrivateEndpoints,
		logger:       log.New(log.Writer(), "[AGENTS] ", log.LstdFlags),
		now:          time.Now,
	}
}

// RegisterInput is a new agent registration.
type RegisterInput struct {
	PublicKey     string
	DisplayName   string
	Description   string
	EndpointURL   string
	Capabilities  []string
	IdentityToken string
}

// Register creates an active agent. The public key must be unused, the
// endpoint must pass the URL policy, and the agent card at
// {endpoint}/.well-known/agent.json is fetched when reachable. A card
// failure is fatal only when the caller supplied no capabilities of its
// own.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*core.Agent, error) {
	if err := validate.PublicKey(in.PublicKey); err != nil {
		return nil, err
	}
	if err := validate.DisplayName(in.DisplayName); err != nil {
		return nil, err
	}
	if err := validate.Description(in.Description); err != nil {
		return nil, err
	}
	if err := validate.EndpointURL(in.EndpointURL, s.allowPrivate); err != nil {
		return nil, err
	}
	if err := validate.Capabilities(in.Capabilities); err != nil {
		return nil, err
	}

	var profile *identity.Profile
	if in.IdentityToken != "" && s.identity != nil {
		p, err := s.identity.VerifyToken(ctx, in.IdentityToken)
		if err != nil {
			return nil, err
		}
		profile = p
	} else if s.cfg.Required {
		return nil, core.E(core.KindValidation, "identity_token is required for registration")
	}

	capabilities := in.Capabilities
	var card []byte
	if s.cards != nil {
		raw, derived, err := s.cards.Fetch(ctx, in.EndpointURL)
		switch {
		case err == nil:
			card = raw
			capabilities = derived
		case len(in.Capabilities) > 0:
			// Graceful degradation: keep the declared capabilities.
			s.logger.Printf("agent card unavailable at %s: %v", in.EndpointURL, err)
		default:
			return nil, err
		}
	}

	secret, err := newWebhookSecret()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	agent := &core.Agent{
		AgentID:       uuid.New(),
		PublicKey:     in.PublicKey,
		DisplayName:   in.DisplayName,
		Description:   in.Description,
		EndpointURL:   in.EndpointURL,
		Capabilities:  capabilities,
		WebhookSecret: secret,
		Balance:       decimal.Zero,
		Status:        core.AgentActive,
		AgentCard:     card,
		CreatedAt:     now,
		LastSeenAt:    now,
	}
	if profile != nil {
		agent.IdentityID = profile.ID
		agent.IdentityUsername = profile.Username
		agent.IdentityKarma = profile.Karma
		agent.IdentityVerified = profile.Verified
	}

	err = s.db.Transact(ctx, func(tx database.Tx) error {
		if _, err := tx.AgentByPublicKey(ctx, in.PublicKey); err == nil {
			return core.E(core.KindConflict, "public key already registered")
		} else if core.KindOf(err) != core.KindNotFound {
			return err
		}
		if profile != nil {
			if _, err := tx.AgentByIdentityID(ctx, profile.ID); err == nil {
				return core.E(core.KindConflict, "identity already linked to an agent")
			} else if core.KindOf(err) != core.KindNotFound {
				return err
			}
		}
		return tx.CreateAgent(ctx, agent)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Printf("agent %s registered (%s)", agent.AgentID, agent.DisplayName)
	return agent, nil
}

// Get loads an agent by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*core.Agent, error) {
	var agent *core.Agent
	err := s.db.View(ctx, func(tx database.Tx) error {
		a, err := tx.AgentByID(ctx, id)
		if err != nil {
			return err
		}
		agent = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// UpdateInput carries the mutable profile fields; nil means unchanged.
type UpdateInput struct {
	DisplayName  *string
	Description  *string
	EndpointURL  *string
	Capabilities []string
}

// Update changes an agent's mutable fields. Changing the endpoint
// re-fetches the agent card.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*core.Agent, error) {
	if in.DisplayName != nil {
		if err := validate.DisplayName(*in.DisplayName); err != nil {
			return nil, err
		}
	}
	if in.Description != nil {
		if err := validate.Description(*in.Description); err != nil {
			return nil, err
		}
	}
	if in.EndpointURL != nil {
		if err := validate.EndpointURL(*in.EndpointURL, s.allowPrivate); err != nil {
			return nil, err
		}
	}
	if in.Capabilities != nil {
		if err := validate.Capabilities(in.Capabilities); err != nil {
			return nil, err
		}
	}

	var card []byte
	var derived []string
	if in.EndpointURL != nil && s.cards != nil {
		raw, caps, err := s.cards.Fetch(ctx, *in.EndpointURL)
		if err != nil && len(in.Capabilities) == 0 {
			return nil, err
		}
		card = raw
		derived = caps
	}

	var agent *core.Agent
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		a, err := tx.AgentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status == core.AgentDeactivated {
			return core.E(core.KindConflict, "agent is deactivated")
		}
		if in.DisplayName != nil {
			a.DisplayName = *in.DisplayName
		}
		if in.Description != nil {
			a.Description = *in.Description
		}
		if in.EndpointURL != nil {
			a.EndpointURL = *in.EndpointURL
			if card != nil {
				a.AgentCard = card
				a.Capabilities = derived
			}
		}
		if in.Capabilities != nil {
			a.Capabilities = in.Capabilities
		}
		if err := tx.UpdateAgentProfile(ctx, a); err != nil {
			return err
		}
		agent = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// Deactivate soft-deletes the agent and sweeps its live jobs, refunding
// any escrow still locked.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) error {
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		a, err := tx.AgentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status == core.AgentDeactivated {
			return nil
		}
		a.Status = core.AgentDeactivated
		return tx.UpdateAgentProfile(ctx, a)
	})
	if err != nil {
		return err
	}
	if s.jobs != nil {
		closed, err := s.jobs.AbandonForAgent(ctx, id)
		if err != nil {
			return err
		}
		if closed > 0 {
			s.logger.Printf("agent %s deactivated, closed %d job(s)", id, closed)
		}
	}
	return nil
}

// Balance returns an agent's current credit balance.
func (s *Service) Balance(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	agent, err := s.Get(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return agent.Balance, nil
}

// Card returns the cached agent card, or not-found when none was
// fetched.
func (s *Service) Card(ctx context.Context, id uuid.UUID) ([]byte, error) {
	agent, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(agent.AgentCard) == 0 {
		return nil, core.E(core.KindNotFound, "agent has no cached card")
	}
	return agent.AgentCard, nil
}

func newWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
