package api

import (
	"net/http"
)

func (s *Server) handleDepositAddress(w http.ResponseWriter, r *http.Request) {
	caller, err := currentAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	addr, err := s.wallet.DepositAddress(r.Context(), caller.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, addr)
}

func (s *Server) handleNotifyDeposit(w http.ResponseWriter, r *http.Request) {
	caller, err := currentAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		TxHash string `json:"tx_hash"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	deposit, err := s.wallet.NotifyDeposit(r.Context(), caller.AgentID, body.TxHash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, deposit)
}

func (s *Server) handleDeposits(w http.ResponseWriter, r *http.Request) {
	caller, err := currentAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.wallet.Deposits(r.Context(), caller.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deposits": out, "count": len(out)})
}

func (s *Server) handleWithdrawalRequest(w http.ResponseWriter, r *http.Request) {
	caller, err := currentAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Amount             string `json:"amount"`
		DestinationAddress string `json:"destination_address"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseMoney("amount", body.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	withdrawal, err := s.wallet.RequestWithdrawal(r.Context(), caller.AgentID, amount, body.DestinationAddress)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, withdrawal)
}

func (s *Server) handleWithdrawals(w http.ResponseWriter, r *http.Request) {
	caller, err := currentAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.wallet.Withdrawals(r.Context(), caller.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawals": out, "count": len(out)})
}
