package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"expenseflow/fault"
	"expenseflow/workflow"
)

// decideBody is the optional JSON payload of a decision. Approvals may omit
// it entirely; rejections must carry comments.
type decideBody struct {
	Comments string `json:"comments"`
}

// PendingApprovals lists the slots the caller can act on right now.
func (s *Server) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.engine.ListPendingForMe(r.Context(), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// ApproveSlot records an approval on the addressed slot.
func (s *Server) ApproveSlot(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, workflow.VerdictApprove)
}

// RejectSlot records a rejection; the engine enforces the comment rule and
// cascades over the remaining chain.
func (s *Server) RejectSlot(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, workflow.VerdictReject)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, verdict workflow.Verdict) {
	actor, err := actorFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	slotID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, fault.New(fault.ValidationFailed, "invalid approval id"))
		return
	}

	var body decideBody
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
			s.writeError(w, r, fault.Wrap(fault.ValidationFailed, err, "invalid request body"))
			return
		}
	}

	result, err := s.engine.Decide(r.Context(), workflow.DecideInput{
		SlotID:  slotID,
		Actor:   actor,
		Verdict: verdict,
		Comment: body.Comments,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ApprovalHistory returns the full chain with decision statistics.
func (s *Server) ApprovalHistory(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	expenseID, err := uuid.Parse(chi.URLParam(r, "expenseID"))
	if err != nil {
		s.writeError(w, r, fault.New(fault.ValidationFailed, "invalid expense id"))
		return
	}
	history, err := s.engine.GetApprovalHistory(r.Context(), actor, expenseID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}
