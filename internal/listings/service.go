// Package listings manages the service catalog: sellers publish priced
// skills, clients discover them with filtered, deterministically ordered
// search.
package listings

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/database"
	"github.com/agoranet/marketplace/internal/validate"
)

// Service manages listing records.
type Service struct {
	db     database.Client
	logger *log.Logger
	now    func() time.Time
}

// NewService wires the listing service.
func NewService(db database.Client) *Service {
	return &Service{
		db:     db,
		logger: log.New(log.Writer(), "[LISTINGS] ", log.LstdFlags),
		now:    time.Now,
	}
}

// CreateInput is a new listing from a seller.
type CreateInput struct {
	SkillID     string
	Description string
	PriceModel  core.PriceModel
	BasePrice   decimal.Decimal
	Currency    string
	SLA         string
}

// Create publishes an active listing. The seller must be active, the
// skill must appear in the seller's cached agent card when one exists,
// and a seller holds at most one active listing per skill.
func (s *Service) Create(ctx context.Context, sellerID uuid.UUID, in CreateInput) (*core.Listing, error) {
	if err := validate.SkillID(in.SkillID); err != nil {
		return nil, err
	}
	if err := validate.Description(in.Description); err != nil {
		return nil, err
	}
	if err := validate.PriceModel(string(in.PriceModel)); err != nil {
		return nil, err
	}
	if err := checkPrice(in.BasePrice); err != nil {
		return nil, err
	}
	if in.Currency == "" {
		in.Currency = "credits"
	}
	if err := validate.Currency(in.Currency); err != nil {
		return nil, err
	}

	listing := &core.Listing{
		ListingID:     uuid.New(),
		SellerAgentID: sellerID,
		SkillID:       in.SkillID,
		Description:   in.Description,
		PriceModel:    in.PriceModel,
		BasePrice:     in.BasePrice,
		Currency:      in.Currency,
		SLA:           in.SLA,
		Status:        core.ListingActive,
		CreatedAt:     s.now().UTC(),
	}
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		seller, err := tx.AgentByID(ctx, sellerID)
		if err != nil {
			return err
		}
		if seller.Status != core.AgentActive {
			return core.E(core.KindForbidden, "seller is not active")
		}
		if err := checkCardSkill(seller, in.SkillID); err != nil {
			return err
		}
		if err := tx.CreateListing(ctx, listing); err != nil {
			if core.KindOf(err) == core.KindConflict {
				return core.E(core.KindConflict, "seller already has an active listing for skill %q", in.SkillID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Printf("listing %s created by %s (%s)", listing.ListingID, sellerID, in.SkillID)
	return listing, nil
}

// UpdateInput carries the mutable listing fields; nil means unchanged.
type UpdateInput struct {
	Description *string
	PriceModel  *core.PriceModel
	BasePrice   *decimal.Decimal
	SLA         *string
	Status      *core.ListingStatus
}

// Update changes a listing. Only the seller may edit, archived listings
// stay archived, and re-activating must not break the one-active-per-
// skill rule.
func (s *Service) Update(ctx context.Context, listingID, actorID uuid.UUID, in UpdateInput) (*core.Listing, error) {
	if in.Description != nil {
		if err := validate.Description(*in.Description); err != nil {
			return nil, err
		}
	}
	if in.PriceModel != nil {
		if err := validate.PriceModel(string(*in.PriceModel)); err != nil {
			return nil, err
		}
	}
	if in.BasePrice != nil {
		if err := checkPrice(*in.BasePrice); err != nil {
			return nil, err
		}
	}
	if in.Status != nil {
		switch *in.Status {
		case core.ListingActive, core.ListingPaused, core.ListingArchived:
		default:
			return nil, core.E(core.KindValidation, "status must be one of active, paused, archived")
		}
	}

	var listing *core.Listing
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		l, err := tx.ListingByID(ctx, listingID)
		if err != nil {
			return err
		}
		if l.SellerAgentID != actorID {
			return core.E(core.KindForbidden, "only the seller can edit a listing")
		}
		if l.Status == core.ListingArchived {
			return core.E(core.KindConflict, "listing is archived")
		}
		if in.Description != nil {
			l.Description = *in.Description
		}
		if in.PriceModel != nil {
			l.PriceModel = *in.PriceModel
		}
		if in.BasePrice != nil {
			l.BasePrice = *in.BasePrice
		}
		if in.SLA != nil {
			l.SLA = *in.SLA
		}
		if in.Status != nil && *in.Status != l.Status {
			if *in.Status == core.ListingActive {
				if err := s.checkNoActiveDuplicate(ctx, tx, l); err != nil {
					return err
				}
			}
			l.Status = *in.Status
		}
		if err := tx.UpdateListing(ctx, l); err != nil {
			return err
		}
		listing = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// Archive retires a listing. Idempotent for the seller.
func (s *Service) Archive(ctx context.Context, listingID, actorID uuid.UUID) error {
	return s.db.Transact(ctx, func(tx database.Tx) error {
		l, err := tx.ListingByID(ctx, listingID)
		if err != nil {
			return err
		}
		if l.SellerAgentID != actorID {
			return core.E(core.KindForbidden, "only the seller can edit a listing")
		}
		if l.Status == core.ListingArchived {
			return nil
		}
		l.Status = core.ListingArchived
		return tx.UpdateListing(ctx, l)
	})
}

// Get loads one listing.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*core.Listing, error) {
	var listing *core.Listing
	err := s.db.View(ctx, func(tx database.Tx) error {
		l, err := tx.ListingByID(ctx, id)
		if err != nil {
			return err
		}
		listing = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// BySeller lists a seller's non-archived listings, newest first.
func (s *Service) BySeller(ctx context.Context, sellerID uuid.UUID) ([]core.Listing, error) {
	var out []core.Listing
	err := s.db.View(ctx, func(tx database.Tx) error {
		listings, err := tx.ListingsBySeller(ctx, sellerID)
		if err != nil {
			return err
		}
		out = listings
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Search runs a discovery query over active listings from active
// sellers. Results order by seller reputation descending, then base
// price ascending, then listing id, so paging is stable.
func (s *Service) Search(ctx context.Context, f database.ListingFilter) ([]core.Listing, error) {
	if f.SkillID != "" {
		if err := validate.SkillID(f.SkillID); err != nil {
			return nil, err
		}
	}
	if f.PriceModel != "" {
		if err := validate.PriceModel(string(f.PriceModel)); err != nil {
			return nil, err
		}
	}
	var out []core.Listing
	err := s.db.View(ctx, func(tx database.Tx) error {
		listings, err := tx.SearchListings(ctx, f)
		if err != nil {
			return err
		}
		out = listings
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) checkNoActiveDuplicate(ctx context.Context, tx database.Tx, l *core.Listing) error {
	others, err := tx.ListingsBySeller(ctx, l.SellerAgentID)
	if err != nil {
		return err
	}
	for _, other := range others {
		if other.ListingID != l.ListingID && other.SkillID == l.SkillID &&
			other.Status == core.ListingActive {
			return core.E(core.KindConflict, "seller already has an active listing for skill %q", l.SkillID)
		}
	}
	return nil
}

func checkPrice(price decimal.Decimal) error {
	if !price.IsPositive() {
		return core.E(core.KindValidation, "base_price must be positive")
	}
	if price.Exponent() < -2 {
		return core.E(core.KindValidation, "base_price has more than two decimal places")
	}
	if price.GreaterThan(decimal.NewFromInt(1_000_000)) {
		return core.E(core.KindValidation, "base_price exceeds the maximum amount")
	}
	return nil
}

// checkCardSkill requires the skill to be declared in the seller's
// cached agent card. Sellers without a card may list freely.
func checkCardSkill(seller *core.Agent, skillID string) error {
	if len(seller.AgentCard) == 0 {
		return nil
	}
	var card struct {
		Skills []struct {
			ID string `json:"id"`
		} `json:"skills"`
	}
	if err := json.Unmarshal(seller.AgentCard, &card); err != nil {
		// A corrupt cached card should not block the seller.
		return nil
	}
	for _, skill := range card.Skills {
		if skill.ID == skillID {
			return nil
		}
	}
	return core.E(core.KindValidation, "skill %q is not declared in the agent card", skillID)
}
