package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"expenseflow/fault"
	"expenseflow/models"
)

// WarningNoApprovers is surfaced when a non-admin submits into a company with
// no configured approvers. The expense persists but nobody can decide it.
const WarningNoApprovers = "no approvers configured; expense will remain pending"

// SubmitInput is one expense submission. Amount and Currency are the
// submitter's original values; normalization into the company base currency
// happens here, before anything is persisted.
type SubmitInput struct {
	Actor       Actor
	Amount      decimal.Decimal
	Currency    string
	Category    string
	Description string
	ExpenseDate time.Time
	ReceiptURL  string
}

// SubmitResult is the persisted expense plus its materialized chain.
type SubmitResult struct {
	Expense      models.Expense        `json:"expense"`
	Chain        []models.ApprovalSlot `json:"chain"`
	NextApprover *models.User          `json:"next_approver,omitempty"`
	Warning      string                `json:"warning,omitempty"`
}

// Submit normalizes the amount, persists the expense, and materializes its
// approval chain from (submitter's manager) followed by the company roster,
// deduplicated by user. The whole write runs in one transaction; conversion
// failure means nothing is persisted.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if strings.TrimSpace(in.Category) == "" {
		return nil, fault.New(fault.ValidationFailed, "category is required")
	}
	if in.ExpenseDate.IsZero() {
		return nil, fault.New(fault.ValidationFailed, "expense date is required")
	}
	if in.Amount.Sign() <= 0 {
		return nil, fault.New(fault.ValidationFailed, "amount must be positive")
	}

	var submitter models.User
	if err := e.db.WithContext(ctx).First(&submitter, "id = ? AND company_id = ?", in.Actor.UserID, in.Actor.CompanyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.NotFound, "submitter not found")
		}
		return nil, fmt.Errorf("load submitter: %w", err)
	}
	if !submitter.IsActive {
		return nil, fault.New(fault.Forbidden, "submitter account is inactive")
	}
	var company models.Company
	if err := e.db.WithContext(ctx).First(&company, "id = ?", in.Actor.CompanyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.NotFound, "company not found")
		}
		return nil, fmt.Errorf("load company: %w", err)
	}

	currencyCode := strings.ToUpper(strings.TrimSpace(in.Currency))
	converted, rate, err := e.converter.Convert(ctx, in.Amount, currencyCode, company.Currency)
	if err != nil {
		return nil, err
	}

	now := e.now()
	result := &SubmitResult{}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		expense := models.Expense{
			ID:               uuid.New(),
			UserID:           submitter.ID,
			CompanyID:        company.ID,
			Amount:           converted,
			OriginalAmount:   in.Amount.Round(2),
			OriginalCurrency: currencyCode,
			ExchangeRate:     rate,
			Category:         strings.TrimSpace(in.Category),
			Description:      strings.TrimSpace(in.Description),
			ExpenseDate:      in.ExpenseDate,
			Status:           models.ExpensePending,
			ReceiptURL:       strings.TrimSpace(in.ReceiptURL),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.Create(&expense).Error; err != nil {
			return fmt.Errorf("create expense: %w", err)
		}

		approvers, err := e.assembleChain(tx, submitter)
		if err != nil {
			return err
		}

		slots := make([]models.ApprovalSlot, 0, len(approvers))
		for i, approver := range approvers {
			slot := models.ApprovalSlot{
				ID:         uuid.New(),
				ExpenseID:  expense.ID,
				ApproverID: approver.ID,
				Sequence:   i + 1,
				Status:     models.SlotPending,
				CreatedAt:  now,
			}
			if err := tx.Create(&slot).Error; err != nil {
				return fmt.Errorf("create approval slot %d: %w", slot.Sequence, err)
			}
			slot.Approver = cloneUser(approver)
			slots = append(slots, slot)
		}

		if err := e.appendAudit(tx, &expense.ID, submitter.ID, "expense.submitted", detailJSON(map[string]any{
			"amount":   expense.Amount,
			"currency": company.Currency,
			"slots":    len(slots),
		})); err != nil {
			return err
		}

		switch {
		case len(slots) == 0 && submitter.Role == models.RoleAdmin:
			// Bootstrap: an admin with no configured approvers self-approves.
			expense.Status = models.ExpenseApproved
			expense.UpdatedAt = now
			if err := tx.Model(&models.Expense{}).Where("id = ?", expense.ID).
				Updates(map[string]any{"status": models.ExpenseApproved, "updated_at": now}).Error; err != nil {
				return fmt.Errorf("auto-approve expense: %w", err)
			}
			if err := e.appendAudit(tx, &expense.ID, submitter.ID, "expense.approved", "auto-approved"); err != nil {
				return err
			}
			e.metrics.submission("auto_approved")
		case len(slots) == 0:
			result.Warning = WarningNoApprovers
			e.metrics.submission("no_approvers")
		default:
			result.NextApprover = slots[0].Approver
			e.metrics.submission("chained")
		}

		result.Expense = expense
		result.Chain = slots
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("expense submitted",
		"expense_id", result.Expense.ID,
		"company_id", company.ID,
		"status", result.Expense.Status,
		"slots", len(result.Chain),
	)
	return result, nil
}

// assembleChain builds the ordered, deduplicated approver list: the
// submitter's direct manager first, then the active company roster by
// configured sequence, skipping the manager if the roster repeats them.
func (e *Engine) assembleChain(tx *gorm.DB, submitter models.User) ([]models.User, error) {
	ordered := make([]models.User, 0, 4)
	seen := make(map[uuid.UUID]bool)

	if submitter.ManagerID != nil {
		var manager models.User
		err := tx.First(&manager, "id = ? AND company_id = ?", *submitter.ManagerID, submitter.CompanyID).Error
		switch {
		case err == nil:
			ordered = append(ordered, manager)
			seen[manager.ID] = true
		case errors.Is(err, gorm.ErrRecordNotFound):
			// Dangling manager link; the roster alone forms the chain.
		default:
			return nil, fmt.Errorf("load manager: %w", err)
		}
	}

	var configs []models.ApproverConfig
	if err := tx.Preload("User").
		Where("company_id = ? AND is_active = ?", submitter.CompanyID, true).
		Order("sequence asc").
		Find(&configs).Error; err != nil {
		return nil, fmt.Errorf("load approver roster: %w", err)
	}
	sort.SliceStable(configs, func(i, j int) bool { return configs[i].Sequence < configs[j].Sequence })
	for _, cfg := range configs {
		if cfg.User == nil || seen[cfg.UserID] {
			continue
		}
		ordered = append(ordered, *cfg.User)
		seen[cfg.UserID] = true
	}
	return ordered, nil
}

func cloneUser(u models.User) *models.User {
	c := u
	c.PasswordHash = ""
	return &c
}
