package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"expenseflow/fault"
	"expenseflow/models"
	"expenseflow/workflow"
)

type addApproverBody struct {
	UserID   uuid.UUID `json:"user_id"   validate:"required"`
	RoleName string    `json:"role_name" validate:"required,max=255"`
	Sequence int       `json:"sequence"  validate:"required,min=1"`
}

// AddApprover appends a user to the company's approval roster.
func (s *Server) AddApprover(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body addApproverBody
	if err := s.decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg, err := s.engine.AddApprover(r.Context(), workflow.AddApproverInput{
		Actor:    actor,
		UserID:   body.UserID,
		RoleName: body.RoleName,
		Sequence: body.Sequence,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

// ListApprovers returns the full roster, active entries first.
func (s *Server) ListApprovers(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	configs, err := s.engine.ListApprovers(r.Context(), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvers": configs, "count": len(configs)})
}

type updateSequenceBody struct {
	Sequence int `json:"sequence" validate:"required,min=1"`
}

// UpdateApproverSequence moves a roster entry, swapping with any occupant of
// the target position.
func (s *Server) UpdateApproverSequence(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, fault.New(fault.ValidationFailed, "invalid approver id"))
		return
	}
	var body updateSequenceBody
	if err := s.decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg, err := s.engine.UpdateApproverSequence(r.Context(), actor, id, body.Sequence)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// RemoveApprover deactivates a roster entry unless pending work references it.
func (s *Server) RemoveApprover(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, fault.New(fault.ValidationFailed, "invalid approver id"))
		return
	}
	if err := s.engine.RemoveApprover(r.Context(), actor, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setRuleBody struct {
	RuleType string          `json:"rule_type" validate:"required"`
	Config   json.RawMessage `json:"config"    validate:"required"`
}

// SetApprovalRule installs a new active rule of the given type, retiring any
// predecessor of the same type.
func (s *Server) SetApprovalRule(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body setRuleBody
	if err := s.decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rule, err := s.engine.SetApprovalRule(r.Context(), workflow.SetRuleInput{
		Actor:    actor,
		RuleType: models.RuleType(body.RuleType),
		Config:   body.Config,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// ListRules returns every configured rule with a human-readable description.
func (s *Server) ListRules(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rules, err := s.engine.ListRules(r.Context(), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules, "count": len(rules)})
}

// decodeJSON reads a bounded JSON body into dst and runs struct validation.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return fault.Wrap(fault.ValidationFailed, err, "invalid request body")
	}
	if err := s.validate.Struct(dst); err != nil {
		return fault.Wrap(fault.ValidationFailed, err, "invalid request body")
	}
	return nil
}
