package api

import (
	"net/http"
	"strconv"

	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/reputation"
)

func (s *Server) handleReviewSubmit(w http.ResponseWriter, r *http.Request) {
	caller, err := currentAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Rating  int      `json:"rating"`
		Tags    []string `json:"tags"`
		Comment string   `json:"comment"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	review, err := s.reputation.Submit(r.Context(), jobID, caller.AgentID, reputation.ReviewInput{
		Rating:  body.Rating,
		Tags:    body.Tags,
		Comment: body.Comment,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, review)
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	summary, err := s.reputation.Summarize(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	role := core.ClientOfSeller
	switch q.Get("role") {
	case "", "seller":
		// Reviews received as a seller: written by clients.
	case "client":
		role = core.SellerOfClient
	default:
		writeError(w, core.E(core.KindValidation, "role must be seller or client"))
		return
	}
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, core.E(core.KindValidation, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	out, err := s.reputation.ForAgent(r.Context(), id, role, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": out, "count": len(out)})
}
