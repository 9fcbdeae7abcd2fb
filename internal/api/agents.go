package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/agoranet/marketplace/internal/agents"
	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/middleware"
)

// currentAgent returns the authenticated caller. Auth middleware
// guarantees presence on authed routes.
func currentAgent(r *http.Request) (*core.Agent, error) {
	a, ok := middleware.AgentFrom(r.Context())
	if !ok {
		return nil, core.E(core.KindAuth, "authentication required")
	}
	return a, nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, core.E(core.KindValidation, "malformed id in path")
	}
	return id, nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PublicKey     string   `json:"public_key"`
		DisplayName   string   `json:"display_name"`
		Description   string   `json:"description"`
		EndpointURL   string   `json:"endpoint_url"`
		Capabilities  []string `json:"capabilities"`
		IdentityToken string   `json:"identity_token"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.agents.Register(r.Context(), agents.RegisterInput{
		PublicKey:     body.PublicKey,
		DisplayName:   body.DisplayName,
		Description:   body.Description,
		EndpointURL:   body.EndpointURL,
		Capabilities:  body.Capabilities,
		IdentityToken: body.IdentityToken,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	// The webhook secret is shown exactly once, at registration.
	writeJSON(w, http.StatusCreated, map[string]any{
		"agent":          agent,
		"webhook_secret": agent.WebhookSecret,
	})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.agents.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentUpdate(w http.ResponseWriter, r *http.Request) {
	caller, err := currentAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		DisplayName  *string  `json:"display_name"`
		Description  *string  `json:"description"`
		EndpointURL  *string  `json:"endpoint_url"`
		Capabilities []string `json:"capabilities"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.agents.Update(r.Context(), caller.AgentID, agents.UpdateInput{
		DisplayName:  body.DisplayName,
		Description:  body.Description,
		EndpointURL:  body.EndpointURL,
		Capabilities: body.Capabilities,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentDeactivate(w http.ResponseWriter, r *http.Request) {
	caller, err := currentAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.agents.Deactivate(r.Context(), caller.AgentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	caller, err := currentAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	balance, err := s.agents.Balance(r.Context(), caller.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"balance":  balance.StringFixed(2),
		"currency": "credits",
	})
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	card, err := s.agents.Card(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(card)
}
