package api

import (
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/database"
	"github.com/agoranet/marketplace/internal/listings"
)

// parseMoney converts a JSON string field to a decimal with a
// field-specific validation message.
func parseMoney(field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, core.E(core.KindValidation, "%s is required", field)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, core.E(core.KindValidation, "%s is not a valid amount", field)
	}
	return d, nil
}

func (s *Server) handleListingCreate(w http.ResponseWriter, r *http.Request) {
	caller, err := currentAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		SkillID     string `json:"skill_id"`
		Description string `json:"description"`
		PriceModel  string `json:"price_model"`
		BasePrice   string `json:"base_price"`
		Currency    string `json:"currency"`
		SLA         string `json:"sla"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	price, err := parseMoney("base_price", body.BasePrice)
	if err != nil {
		writeError(w, err)
		return
	}
	listing, err := s.listings.Create(r.Context(), caller.AgentID, listings.CreateInput{
		SkillID:     body.SkillID,
		Description: body.Description,
		PriceModel:  core.PriceModel(body.PriceModel),
		BasePrice:   price,
		Currency:    body.Currency,
		SLA:         body.SLA,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, listing)
}

func (s *Server) handleListingGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	listing, err := s.listings.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleListingUpdate(w http.ResponseWriter, r *http.Request) {
	caller, err := currentAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Description *string `json:"description"`
		PriceModel  *string `json:"price_model"`
		BasePrice   *string `json:"base_price"`
		SLA         *string `json:"sla"`
		Status      *string `json:"status"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	in := listings.UpdateInput{
		Description: body.Description,
		SLA:         body.SLA,
	}
	if body.PriceModel != nil {
		pm := core.PriceModel(*body.PriceModel)
		in.PriceModel = &pm
	}
	if body.BasePrice != nil {
		price, err := parseMoney("base_price", *body.BasePrice)
		if err != nil {
			writeError(w, err)
			return
		}
		in.BasePrice = &price
	}
	if body.Status != nil {
		st := core.ListingStatus(*body.Status)
		in.Status = &st
	}
	listing, err := s.listings.Update(r.Context(), id, caller.AgentID, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleListingArchive(w http.ResponseWriter, r *http.Request) {
	caller, err := currentAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.listings.Archive(r.Context(), id, caller.AgentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (s *Server) handleListingsBySeller(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.listings.BySeller(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": out})
}

// handleDiscover is filtered marketplace search: reputation descending,
// price ascending, listing id as the tie-break.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.ListingFilter{
		SkillID:    q.Get("skill_id"),
		Capability: q.Get("capability"),
		PriceModel: core.PriceModel(q.Get("price_model")),
	}
	if raw := q.Get("max_price"); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			writeError(w, core.E(core.KindValidation, "max_price is not a valid amount"))
			return
		}
		filter.MaxPrice = &d
	}
	if raw := q.Get("min_rating"); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			writeError(w, core.E(core.KindValidation, "min_rating is not a valid number"))
			return
		}
		filter.MinRating = &d
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, core.E(core.KindValidation, "limit must be a positive integer"))
			return
		}
		filter.Limit = n
	}
	out, err := s.listings.Search(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": out, "count": len(out)})
}
