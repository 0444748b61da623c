package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"expenseflow/fault"
	"expenseflow/models"
)

// AddApproverInput registers a user on the company's approver roster.
type AddApproverInput struct {
	Actor    Actor
	UserID   uuid.UUID
	RoleName string
	Sequence int
}

// AddApprover appends an active roster row. The user must belong to the
// actor's company, be active, and hold the manager or admin role. Duplicate
// active (user, role_name) pairs and occupied sequences are refused.
func (e *Engine) AddApprover(ctx context.Context, in AddApproverInput) (*models.ApproverConfig, error) {
	if in.RoleName == "" {
		return nil, fault.New(fault.ValidationFailed, "role_name is required")
	}
	if in.Sequence < 1 {
		return nil, fault.New(fault.ValidationFailed, "sequence must be a positive integer")
	}

	var cfg models.ApproverConfig
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, "id = ? AND company_id = ?", in.UserID, in.Actor.CompanyID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.New(fault.NotFound, "user not found in company")
			}
			return fmt.Errorf("load user: %w", err)
		}
		if !user.IsActive {
			return fault.New(fault.ValidationFailed, "user is inactive")
		}
		if user.Role != models.RoleManager && user.Role != models.RoleAdmin {
			return fault.New(fault.ValidationFailed, "approvers must hold the manager or admin role")
		}

		var dup int64
		if err := tx.Model(&models.ApproverConfig{}).
			Where("company_id = ? AND user_id = ? AND role_name = ? AND is_active = ?",
				in.Actor.CompanyID, in.UserID, in.RoleName, true).
			Count(&dup).Error; err != nil {
			return fmt.Errorf("check duplicate approver: %w", err)
		}
		if dup > 0 {
			return fault.New(fault.Conflict, "user already active on the roster as %q", in.RoleName)
		}
		var occupied int64
		if err := tx.Model(&models.ApproverConfig{}).
			Where("company_id = ? AND sequence = ? AND is_active = ?", in.Actor.CompanyID, in.Sequence, true).
			Count(&occupied).Error; err != nil {
			return fmt.Errorf("check sequence occupancy: %w", err)
		}
		if occupied > 0 {
			return fault.New(fault.Conflict, "sequence %d is already occupied", in.Sequence)
		}

		now := e.now()
		cfg = models.ApproverConfig{
			ID:        uuid.New(),
			CompanyID: in.Actor.CompanyID,
			UserID:    in.UserID,
			RoleName:  in.RoleName,
			Sequence:  in.Sequence,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&cfg).Error; err != nil {
			return fmt.Errorf("create approver: %w", err)
		}
		cfg.User = cloneUser(user)
		return e.appendAudit(tx, nil, in.Actor.UserID, "approver.added", detailJSON(map[string]any{
			"approver_id": cfg.ID, "user_id": in.UserID, "sequence": in.Sequence,
		}))
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateApproverSequence moves an active roster row to a new sequence. When
// another active row already occupies it, the two rows swap atomically: the
// occupant takes the vacated sequence.
func (e *Engine) UpdateApproverSequence(ctx context.Context, actor Actor, approverID uuid.UUID, newSequence int) (*models.ApproverConfig, error) {
	if newSequence < 1 {
		return nil, fault.New(fault.ValidationFailed, "sequence must be a positive integer")
	}

	var cfg models.ApproverConfig
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&cfg, "id = ? AND company_id = ?", approverID, actor.CompanyID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.New(fault.NotFound, "approver not found")
			}
			return fmt.Errorf("lock approver: %w", err)
		}
		if !cfg.IsActive {
			return fault.New(fault.ValidationFailed, "approver is inactive")
		}
		if cfg.Sequence == newSequence {
			return nil
		}

		now := e.now()
		var occupant models.ApproverConfig
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&occupant, "company_id = ? AND sequence = ? AND is_active = ? AND id <> ?",
				actor.CompanyID, newSequence, true, cfg.ID).Error
		hasOccupant := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load occupant: %w", err)
		}

		if hasOccupant {
			// Park the occupant on a negative sequence first so the unique
			// index never sees a transient duplicate during the swap.
			if err := tx.Model(&models.ApproverConfig{}).Where("id = ?", occupant.ID).
				Updates(map[string]any{"sequence": -occupant.Sequence, "updated_at": now}).Error; err != nil {
				return fmt.Errorf("park occupant: %w", err)
			}
		}
		if err := tx.Model(&models.ApproverConfig{}).Where("id = ?", cfg.ID).
			Updates(map[string]any{"sequence": newSequence, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("update sequence: %w", err)
		}
		if hasOccupant {
			if err := tx.Model(&models.ApproverConfig{}).Where("id = ?", occupant.ID).
				Updates(map[string]any{"sequence": cfg.Sequence, "updated_at": now}).Error; err != nil {
				return fmt.Errorf("swap occupant: %w", err)
			}
		}
		old := cfg.Sequence
		cfg.Sequence = newSequence
		cfg.UpdatedAt = now
		return e.appendAudit(tx, nil, actor.UserID, "approver.resequenced", detailJSON(map[string]any{
			"approver_id": cfg.ID, "from": old, "to": newSequence,
		}))
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RemoveApprover soft-deletes a roster row. Refused while the approver still
// holds a pending slot on a pending expense, because removing them would
// strand those chains.
func (e *Engine) RemoveApprover(ctx context.Context, actor Actor, approverID uuid.UUID) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cfg models.ApproverConfig
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&cfg, "id = ? AND company_id = ?", approverID, actor.CompanyID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.New(fault.NotFound, "approver not found")
			}
			return fmt.Errorf("lock approver: %w", err)
		}
		if !cfg.IsActive {
			return nil
		}

		var pending int64
		if err := tx.Model(&models.ApprovalSlot{}).
			Joins("JOIN expenses ON expenses.id = approvals.expense_id").
			Where("approvals.approver_id = ? AND approvals.status = ? AND expenses.status = ?",
				cfg.UserID, models.SlotPending, models.ExpensePending).
			Count(&pending).Error; err != nil {
			return fmt.Errorf("count pending slots: %w", err)
		}
		if pending > 0 {
			return fault.New(fault.PendingWorkBlocksRemoval,
				"approver holds %d pending approval(s); resolve them before removal", pending)
		}

		now := e.now()
		if err := tx.Model(&models.ApproverConfig{}).Where("id = ?", cfg.ID).
			Updates(map[string]any{"is_active": false, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("deactivate approver: %w", err)
		}
		return e.appendAudit(tx, nil, actor.UserID, "approver.removed", detailJSON(map[string]any{
			"approver_id": cfg.ID, "user_id": cfg.UserID,
		}))
	})
}

// ListApprovers returns the full roster, active rows first by sequence.
func (e *Engine) ListApprovers(ctx context.Context, actor Actor) ([]models.ApproverConfig, error) {
	var configs []models.ApproverConfig
	err := e.db.WithContext(ctx).Preload("User").
		Where("company_id = ?", actor.CompanyID).
		Order("is_active desc").Order("sequence asc").
		Find(&configs).Error
	if err != nil {
		return nil, fmt.Errorf("list approvers: %w", err)
	}
	for i := range configs {
		if configs[i].User != nil {
			configs[i].User.PasswordHash = ""
		}
	}
	return configs, nil
}

// SetRuleInput configures one approval rule for the actor's company.
type SetRuleInput struct {
	Actor    Actor
	RuleType models.RuleType
	Config   json.RawMessage
}

// SetApprovalRule validates the tagged config, verifies referenced approvers
// exist in the company, deactivates any active rule of the same type, and
// inserts the new active row, all in one transaction.
func (e *Engine) SetApprovalRule(ctx context.Context, in SetRuleInput) (*models.ApprovalRule, error) {
	cfg, err := ParseRuleConfig(in.RuleType, in.Config)
	if err != nil {
		return nil, err
	}

	var rule models.ApprovalRule
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var refs []uuid.UUID
		switch c := cfg.(type) {
		case SpecificApproverConfig:
			refs = append(refs, c.ApproverID)
		case HybridConfig:
			refs = append(refs, c.SpecialApproverID)
		}
		for _, ref := range refs {
			var count int64
			if err := tx.Model(&models.User{}).
				Where("id = ? AND company_id = ? AND is_active = ?", ref, in.Actor.CompanyID, true).
				Count(&count).Error; err != nil {
				return fmt.Errorf("check rule approver: %w", err)
			}
			if count == 0 {
				return fault.New(fault.ValidationFailed, "rule references user %s outside the company", ref)
			}
		}

		now := e.now()
		if err := tx.Model(&models.ApprovalRule{}).
			Where("company_id = ? AND rule_type = ? AND is_active = ?", in.Actor.CompanyID, in.RuleType, true).
			Updates(map[string]any{"is_active": false, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("deactivate previous rule: %w", err)
		}

		canonical, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode rule config: %w", err)
		}
		rule = models.ApprovalRule{
			ID:         uuid.New(),
			CompanyID:  in.Actor.CompanyID,
			RuleType:   in.RuleType,
			RuleConfig: string(canonical),
			IsActive:   true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Create(&rule).Error; err != nil {
			return fmt.Errorf("create rule: %w", err)
		}
		return e.appendAudit(tx, nil, in.Actor.UserID, "rule.configured", detailJSON(map[string]any{
			"rule_id": rule.ID, "rule_type": in.RuleType,
		}))
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// RuleView pairs a stored rule with its human-readable description.
type RuleView struct {
	models.ApprovalRule
	Description string `json:"description"`
}

// ListRules returns every rule, active and inactive, with descriptions.
func (e *Engine) ListRules(ctx context.Context, actor Actor) ([]RuleView, error) {
	var rules []models.ApprovalRule
	err := e.db.WithContext(ctx).
		Where("company_id = ?", actor.CompanyID).
		Order("is_active desc").Order("created_at desc").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	names := make(map[uuid.UUID]string)
	lookup := func(id uuid.UUID) string {
		if name, ok := names[id]; ok {
			return name
		}
		var user models.User
		if err := e.db.WithContext(ctx).Select("id", "name").First(&user, "id = ?", id).Error; err != nil {
			names[id] = ""
			return ""
		}
		names[id] = user.Name
		return user.Name
	}

	views := make([]RuleView, 0, len(rules))
	for _, rule := range rules {
		views = append(views, RuleView{
			ApprovalRule: rule,
			Description:  DescribeRule(rule, lookup),
		})
	}
	return views, nil
}
