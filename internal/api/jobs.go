package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/jobs"
)

// jobView is a job as a specific caller is allowed to see it. Terms and
// deliverables are party-only; the result additionally requires the job
// to be completed.
type jobView struct {
	*core.Job
	Requirements json.RawMessage `json:"requirements,omitempty"`
	Criteria     json.RawMessage `json:"acceptance_criteria,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

func viewFor(j *core.Job, caller *uuid.UUID) jobView {
	v := jobView{Job: j}
	if caller != nil && j.IsParty(*caller) {
		v.Requirements = j.Requirements
		v.Criteria = j.Criteria
	}
	v.Result = jobs.ResultFor(j, caller)
	return v
}

func (s *Server) writeJob(w http.ResponseWriter, r *http.Request, status int, j *core.Job) {
	var caller *uuid.UUID
	if agent, err := currentAgent(r); err == nil {
		caller = &agent.AgentID
	}
	writeJSON(w, status, viewFor(j, caller))
}

func (s *Server) handleJobPropose(w http.ResponseWriter, r *http.Request) {
	caller, err := currentAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		SellerAgentID    string          `json:"seller_agent_id"`
		ListingID        *string         `json:"listing_id"`
		Requirements     json.RawMessage `json:"requirements"`
		Criteria         json.RawMessage `json:"acceptance_criteria"`
		ProposedPrice    string          `json:"proposed_price"`
		DeliveryDeadline *time.Time      `json:"delivery_deadline"`
		MaxRounds        int             `json:"max_rounds"`
		Message          string          `json:"message"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sellerID, err := uuid.Parse(body.SellerAgentID)
	if err != nil {
		writeError(w, core.E(core.KindValidation, "seller_agent_id is not a valid id"))
		return
	}
	price, err := parseMoney("proposed_price", body.ProposedPrice)
	if err != nil {
		writeError(w, err)
		return
	}
	in := jobs.ProposeInput{
		ClientAgentID:    caller.AgentID,
		SellerAgentID:    sellerID,
		Requirements:     body.Requirements,
		Criteria:         body.Criteria,
		ProposedPrice:    price,
		DeliveryDeadline: body.DeliveryDeadline,
		MaxRounds:        body.MaxRounds,
		Message:          body.Message,
	}
	if body.ListingID != nil {
		listingID, err := uuid.Parse(*body.ListingID)
		if err != nil {
			writeError(w, core.E(core.KindValidation, "listing_id is not a valid id"))
			return
		}
		in.ListingID = &listingID
	}
	job, err := s.jobs.Propose(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJob(w, r, http.StatusCreated, job)
}

func (s *Server) handleJobCounter(w http.ResponseWriter, r *http.Request) {
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
		ProposedPrice    string         `json:"proposed_price"`
		CounterTerms     map[string]any `json:"counter_terms"`
		Message          string         `json:"message"`
		DeliveryDeadline *time.Time     `json:"delivery_deadline"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	price, err := parseMoney("proposed_price", body.ProposedPrice)
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := s.jobs.Counter(r.Context(), id, caller.AgentID, jobs.CounterInput{
		ProposedPrice:    price,
		CounterTerms:     body.CounterTerms,
		Message:          body.Message,
		DeliveryDeadline: body.DeliveryDeadline,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJob(w, r, http.StatusOK, job)
}

func (s *Server) handleJobAccept(w http.ResponseWriter, r *http.Request) {
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
		CriteriaHash string `json:"acceptance_criteria_hash"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.jobs.Accept(r.Context(), id, caller.AgentID, body.CriteriaHash)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJob(w, r, http.StatusOK, job)
}

func (s *Server) handleJobFund(w http.ResponseWriter, r *http.Request) {
	s.bodylessVerb(w, r, s.jobs.Fund)
}

func (s *Server) handleJobStart(w http.ResponseWriter, r *http.Request) {
	s.bodylessVerb(w, r, s.jobs.Start)
}

func (s *Server) handleJobComplete(w http.ResponseWriter, r *http.Request) {
	s.bodylessVerb(w, r, s.jobs.Complete)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	s.bodylessVerb(w, r, s.jobs.Cancel)
}

func (s *Server) handleJobDeliver(w http.ResponseWriter, r *http.Request) {
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
		Result json.RawMessage `json:"result"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.jobs.Deliver(r.Context(), id, caller.AgentID, body.Result)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJob(w, r, http.StatusOK, job)
}

func (s *Server) handleJobVerify(w http.ResponseWriter, r *http.Request) {
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
	job, outcome, err := s.jobs.Verify(r.Context(), id, caller.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":     viewFor(job, &caller.AgentID),
		"outcome": outcome,
	})
}

func (s *Server) handleJobFail(w http.ResponseWriter, r *http.Request) {
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
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.jobs.Fail(r.Context(), id, caller.AgentID, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJob(w, r, http.StatusOK, job)
}

func (s *Server) handleJobDispute(w http.ResponseWriter, r *http.Request) {
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
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.jobs.Dispute(r.Context(), id, caller.AgentID, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJob(w, r, http.StatusOK, job)
}

// handleJobResolve closes a disputed job. Only a party to the job may
// trigger resolution; frozen escrow refunds to the client.
func (s *Server) handleJobResolve(w http.ResponseWriter, r *http.Request) {
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
		Resolution string `json:"resolution"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !job.IsParty(caller.AgentID) {
		writeError(w, core.E(core.KindForbidden, "only parties to the job can resolve it"))
		return
	}
	job, err = s.jobs.Resolve(r.Context(), id, body.Resolution)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJob(w, r, http.StatusOK, job)
}

func (s *Server) bodylessVerb(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, jobID, actorID uuid.UUID) (*core.Job, error)) {
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
	job, err := op(r.Context(), id, caller.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJob(w, r, http.StatusOK, job)
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeJob(w, r, http.StatusOK, job)
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	caller, err := currentAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, core.E(core.KindValidation, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	out, err := s.jobs.List(r.Context(), caller.AgentID, core.JobStatus(q.Get("status")), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]jobView, len(out))
	for i := range out {
		views[i] = viewFor(&out[i], &caller.AgentID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "count": len(views)})
}
