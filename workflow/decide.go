package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"expenseflow/fault"
	"expenseflow/models"
)

// Verdict is one approver's decision on their slot.
type Verdict string

// The two verdicts a decider may issue.
const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

// DecideInput identifies the slot being decided and by whom.
type DecideInput struct {
	SlotID  uuid.UUID
	Actor   Actor
	Verdict Verdict
	Comment string
}

// DecideResult reports the applied transition: the decided slot, the expense
// rollup after rule evaluation, and the next pending slot if the chain
// continues.
type DecideResult struct {
	Slot     models.ApprovalSlot  `json:"slot"`
	Expense  models.Expense       `json:"expense"`
	NextSlot *models.ApprovalSlot `json:"next_slot,omitempty"`
	Terminal bool                 `json:"terminal"`
}

// Decide applies one approver's verdict to their slot. The expense row is
// locked FOR UPDATE before its slots are read, so concurrent deciders on the
// same expense observe a total order and the sequential-gating check is
// race-free. Any precondition violation returns a classified error and
// writes nothing.
func (e *Engine) Decide(ctx context.Context, in DecideInput) (*DecideResult, error) {
	comment := strings.TrimSpace(in.Comment)
	if in.Verdict != VerdictApprove && in.Verdict != VerdictReject {
		return nil, fault.New(fault.ValidationFailed, "verdict must be approve or reject")
	}
	if in.Verdict == VerdictReject && comment == "" {
		return nil, fault.New(fault.CommentRequired, "a comment is required when rejecting")
	}

	result := &DecideResult{}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var probe models.ApprovalSlot
		if err := tx.First(&probe, "id = ?", in.SlotID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.New(fault.NotFound, "approval slot not found")
			}
			return fmt.Errorf("load slot: %w", err)
		}

		// Lock the expense before reading its slots: this serializes every
		// decider on the expense and makes the reads below consistent.
		var expense models.Expense
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&expense, "id = ?", probe.ExpenseID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.New(fault.NotFound, "expense not found")
			}
			return fmt.Errorf("lock expense: %w", err)
		}
		if expense.CompanyID != in.Actor.CompanyID {
			return fault.New(fault.NotFound, "approval slot not found")
		}

		var slots []models.ApprovalSlot
		if err := tx.Where("expense_id = ?", expense.ID).Order("sequence asc").Find(&slots).Error; err != nil {
			return fmt.Errorf("load chain: %w", err)
		}
		var slot *models.ApprovalSlot
		for i := range slots {
			if slots[i].ID == in.SlotID {
				slot = &slots[i]
				break
			}
		}
		if slot == nil {
			return fault.New(fault.NotFound, "approval slot not found")
		}

		if slot.ApproverID != in.Actor.UserID {
			return fault.New(fault.Forbidden, "you are not the assigned approver for this slot")
		}
		if slot.Status != models.SlotPending {
			return fault.New(fault.Conflict, "slot already decided")
		}
		if expense.Status != models.ExpensePending {
			return fault.New(fault.Conflict, "expense already reached a terminal decision")
		}
		if in.Verdict == VerdictApprove {
			for _, prior := range slots {
				if prior.Sequence < slot.Sequence && prior.Status != models.SlotApproved {
					return fault.New(fault.OutOfOrderApproval,
						"approval blocked: slot at sequence %d has not approved yet", prior.Sequence)
				}
			}
		}

		if in.Verdict == VerdictApprove {
			return e.applyApprove(tx, &expense, slots, slot, comment, result)
		}
		return e.applyReject(tx, &expense, slots, slot, comment, result)
	})
	if err != nil {
		return nil, err
	}

	e.metrics.decision(string(in.Verdict))
	e.log.Info("slot decided",
		"slot_id", result.Slot.ID,
		"expense_id", result.Expense.ID,
		"verdict", in.Verdict,
		"expense_status", result.Expense.Status,
	)
	return result, nil
}

// applyApprove marks the slot approved, consults the rule evaluator, and
// rolls the expense up to approved when a rule fires or the chain completes.
func (e *Engine) applyApprove(tx *gorm.DB, expense *models.Expense, slots []models.ApprovalSlot, slot *models.ApprovalSlot, comment string, result *DecideResult) error {
	now := e.now()
	if err := tx.Model(&models.ApprovalSlot{}).Where("id = ?", slot.ID).
		Updates(map[string]any{"status": models.SlotApproved, "comments": comment, "decided_at": now}).Error; err != nil {
		return fmt.Errorf("approve slot: %w", err)
	}
	slot.Status = models.SlotApproved
	slot.Comments = comment
	slot.DecidedAt = &now
	if err := e.appendAudit(tx, &expense.ID, slot.ApproverID, "slot.approved", detailJSON(map[string]any{
		"slot_id": slot.ID, "sequence": slot.Sequence,
	})); err != nil {
		return err
	}

	var rules []models.ApprovalRule
	if err := tx.Where("company_id = ? AND is_active = ?", expense.CompanyID, true).Find(&rules).Error; err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	terminated, firedBy := EvaluateRules(slots, rules)

	allApproved := true
	for _, s := range slots {
		if s.Status != models.SlotApproved {
			allApproved = false
			break
		}
	}

	if terminated || allApproved {
		if err := tx.Model(&models.Expense{}).Where("id = ?", expense.ID).
			Updates(map[string]any{"status": models.ExpenseApproved, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("approve expense: %w", err)
		}
		expense.Status = models.ExpenseApproved
		expense.UpdatedAt = now
		trigger := "chain_complete"
		detail := "all slots approved"
		if terminated && !allApproved {
			trigger = "rule"
			detail = fmt.Sprintf("terminated by %s rule", firedBy)
		}
		if err := e.appendAudit(tx, &expense.ID, slot.ApproverID, "expense.approved", detail); err != nil {
			return err
		}
		e.metrics.terminal(string(models.ExpenseApproved), trigger)
	}

	result.Slot = *slot
	result.Expense = *expense
	result.Terminal = expense.Status != models.ExpensePending
	if !result.Terminal {
		result.NextSlot = nextPending(slots)
	}
	return nil
}

// applyReject marks the slot rejected and cascades: every remaining pending
// slot is rejected with the standard comment and the expense terminates.
func (e *Engine) applyReject(tx *gorm.DB, expense *models.Expense, slots []models.ApprovalSlot, slot *models.ApprovalSlot, comment string, result *DecideResult) error {
	now := e.now()
	if err := tx.Model(&models.ApprovalSlot{}).Where("id = ?", slot.ID).
		Updates(map[string]any{"status": models.SlotRejected, "comments": comment, "decided_at": now}).Error; err != nil {
		return fmt.Errorf("reject slot: %w", err)
	}
	slot.Status = models.SlotRejected
	slot.Comments = comment
	slot.DecidedAt = &now

	if err := tx.Model(&models.ApprovalSlot{}).
		Where("expense_id = ? AND status = ?", expense.ID, models.SlotPending).
		Updates(map[string]any{"status": models.SlotRejected, "comments": CascadeComment, "decided_at": now}).Error; err != nil {
		return fmt.Errorf("cascade reject slots: %w", err)
	}
	for i := range slots {
		if slots[i].ID != slot.ID && slots[i].Status == models.SlotPending {
			slots[i].Status = models.SlotRejected
			slots[i].Comments = CascadeComment
			slots[i].DecidedAt = &now
		}
	}

	if err := tx.Model(&models.Expense{}).Where("id = ?", expense.ID).
		Updates(map[string]any{"status": models.ExpenseRejected, "updated_at": now}).Error; err != nil {
		return fmt.Errorf("reject expense: %w", err)
	}
	expense.Status = models.ExpenseRejected
	expense.UpdatedAt = now

	if err := e.appendAudit(tx, &expense.ID, slot.ApproverID, "slot.rejected", detailJSON(map[string]any{
		"slot_id": slot.ID, "sequence": slot.Sequence,
	})); err != nil {
		return err
	}
	if err := e.appendAudit(tx, &expense.ID, slot.ApproverID, "expense.rejected", ""); err != nil {
		return err
	}
	e.metrics.terminal(string(models.ExpenseRejected), "rejection")

	result.Slot = *slot
	result.Expense = *expense
	result.Terminal = true
	return nil
}

// nextPending returns the pending slot with the lowest sequence, if any.
func nextPending(slots []models.ApprovalSlot) *models.ApprovalSlot {
	for i := range slots {
		if slots[i].Status == models.SlotPending {
			next := slots[i]
			return &next
		}
	}
	return nil
}
