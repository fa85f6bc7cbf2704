package referrald

import (
	"net/http"
	"strings"

	"cgdao/gateway/middleware"
	"cgdao/native/referral"
)

// OpsStatus summarises distribution state for operators.
type OpsStatus struct {
	Paused         bool              `json:"paused"`
	Treasury       *treasuryResponse `json:"treasury,omitempty"`
	TreasuryError  string            `json:"treasuryError,omitempty"`
	UnresolvedLegs []legResponse     `json:"unresolvedLegs"`
}

type legResponse struct {
	referral.Leg
	Amount string `json:"amount"`
}

type attemptResponse struct {
	referral.Attempt
	Required string `json:"required,omitempty"`
}

func (s *Server) handleOpsStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := OpsStatus{Paused: s.executor.Paused(), UnresolvedLegs: []legResponse{}}
	if treasury, err := s.treasury.Status(ctx); err != nil {
		status.TreasuryError = err.Error()
	} else {
		resp := newTreasuryResponse(treasury, status.Paused)
		status.Treasury = &resp
	}
	legs, err := s.store.Legs(ctx, referral.LegSubmitted, queryLimit(r, 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, leg := range legs {
		status.UnresolvedLegs = append(status.UnresolvedLegs, legResponse{Leg: leg, Amount: amountString(leg.Amount)})
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.executor.Pause()
	s.logger.Warn("distribution paused by operator", "subject", middleware.Subject(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.executor.Resume()
	s.logger.Info("distribution resumed by operator", "subject", middleware.Subject(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	filter := referral.AttemptStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	switch filter {
	case "", referral.AttemptCompleted, referral.AttemptPartial, referral.AttemptExceedsCap,
		referral.AttemptTreasuryExhausted, referral.AttemptFailed:
	default:
		middleware.WriteError(w, http.StatusBadRequest, string(referral.KindInvalidInput), "unknown attempt status", false)
		return
	}
	attempts, err := s.store.Attempts(r.Context(), filter, queryLimit(r, 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		resp := attemptResponse{Attempt: a}
		if a.Required != nil {
			resp.Required = a.Required.String()
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": out})
}
