package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"expenseflow/fault"
	"expenseflow/models"
)

// PageFilter narrows and paginates expense listings. Zero values mean "no
// filter"; page and limit are clamped to sane bounds.
type PageFilter struct {
	Page      int
	Limit     int
	Status    string
	Category  string
	StartDate *time.Time
	EndDate   *time.Time
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

func (f PageFilter) normalized() PageFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = defaultPageLimit
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}
	return f
}

// apply narrows a query over the expenses table.
func (f PageFilter) apply(q *gorm.DB) *gorm.DB {
	if status := strings.TrimSpace(f.Status); status != "" {
		q = q.Where("expenses.status = ?", strings.ToLower(status))
	}
	if category := strings.TrimSpace(f.Category); category != "" {
		q = q.Where("LOWER(expenses.category) LIKE ?", "%"+strings.ToLower(category)+"%")
	}
	if f.StartDate != nil {
		q = q.Where("expenses.expense_date >= ?", *f.StartDate)
	}
	if f.EndDate != nil {
		q = q.Where("expenses.expense_date <= ?", *f.EndDate)
	}
	return q
}

// ExpenseList is one page of expenses with their chains.
type ExpenseList struct {
	Items []models.Expense `json:"items"`
	Page  int              `json:"page"`
	Limit int              `json:"limit"`
	Total int64            `json:"total"`
}

// PendingItem is one actionable slot for an approver: the slot is pending,
// the expense is pending, and every lower-sequence slot has approved.
type PendingItem struct {
	SlotID    uuid.UUID       `json:"slot_id"`
	Sequence  int             `json:"sequence"`
	Expense   ExpenseSummary  `json:"expense"`
	Submitter UserSummary     `json:"submitter"`
	Context   ApprovalContext `json:"context"`
}

// ExpenseSummary carries both the normalized and the original amounts.
type ExpenseSummary struct {
	ID               uuid.UUID            `json:"id"`
	Amount           decimal.Decimal      `json:"amount"`
	Currency         string               `json:"currency"`
	OriginalAmount   decimal.Decimal      `json:"original_amount"`
	OriginalCurrency string               `json:"original_currency"`
	Category         string               `json:"category"`
	Description      string               `json:"description,omitempty"`
	ExpenseDate      time.Time            `json:"expense_date"`
	Status           models.ExpenseStatus `json:"status"`
}

// UserSummary is the public slice of a user row.
type UserSummary struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
}

// PriorDecision is one earlier chain entry shown to the next approver.
type PriorDecision struct {
	ApproverName string            `json:"approver_name"`
	Sequence     int               `json:"sequence"`
	Status       models.SlotStatus `json:"status"`
	Comments     string            `json:"comments,omitempty"`
}

// ApprovalContext summarizes chain progress for a pending item.
type ApprovalContext struct {
	TotalSlots    int             `json:"total_slots"`
	ApprovedCount int             `json:"approved_count"`
	Previous      []PriorDecision `json:"previous"`
}

// ChainStats aggregates a chain for the history endpoint.
type ChainStats struct {
	Total                int `json:"total"`
	Approved             int `json:"approved"`
	Rejected             int `json:"rejected"`
	Pending              int `json:"pending"`
	CompletionPercentage int `json:"completion_percentage"`
}

// HistoryResult is the ordered chain plus its aggregate statistics.
type HistoryResult struct {
	ExpenseID uuid.UUID             `json:"expense_id"`
	Status    models.ExpenseStatus  `json:"status"`
	Chain     []models.ApprovalSlot `json:"chain"`
	Stats     ChainStats            `json:"stats"`
}

// ListPendingForMe returns the caller's actionable slots: pending slots on
// pending expenses whose lower-sequence slots have all approved.
func (e *Engine) ListPendingForMe(ctx context.Context, actor Actor) ([]PendingItem, error) {
	var slots []models.ApprovalSlot
	err := e.db.WithContext(ctx).
		Joins("JOIN expenses ON expenses.id = approvals.expense_id").
		Where("approvals.approver_id = ? AND approvals.status = ? AND expenses.status = ? AND expenses.company_id = ?",
			actor.UserID, models.SlotPending, models.ExpensePending, actor.CompanyID).
		Preload("Expense").
		Preload("Expense.Submitter").
		Order("approvals.created_at asc").
		Find(&slots).Error
	if err != nil {
		return nil, fmt.Errorf("list pending slots: %w", err)
	}

	items := make([]PendingItem, 0, len(slots))
	for _, slot := range slots {
		if slot.Expense == nil || slot.Expense.Submitter == nil {
			continue
		}
		var chain []models.ApprovalSlot
		if err := e.db.WithContext(ctx).Preload("Approver").
			Where("expense_id = ?", slot.ExpenseID).
			Order("sequence asc").
			Find(&chain).Error; err != nil {
			return nil, fmt.Errorf("load chain for %s: %w", slot.ExpenseID, err)
		}

		ready := true
		approved := 0
		previous := make([]PriorDecision, 0, len(chain))
		for _, s := range chain {
			if s.Status == models.SlotApproved {
				approved++
			}
			if s.Sequence < slot.Sequence {
				if s.Status != models.SlotApproved {
					ready = false
				}
				name := s.ApproverID.String()
				if s.Approver != nil {
					name = s.Approver.Name
				}
				previous = append(previous, PriorDecision{
					ApproverName: name,
					Sequence:     s.Sequence,
					Status:       s.Status,
					Comments:     s.Comments,
				})
			}
		}
		if !ready {
			continue
		}

		var company models.Company
		if err := e.db.WithContext(ctx).First(&company, "id = ?", slot.Expense.CompanyID).Error; err != nil {
			return nil, fmt.Errorf("load company: %w", err)
		}
		items = append(items, PendingItem{
			SlotID:   slot.ID,
			Sequence: slot.Sequence,
			Expense:  summarize(*slot.Expense, company.Currency),
			Submitter: UserSummary{
				ID:    slot.Expense.Submitter.ID,
				Name:  slot.Expense.Submitter.Name,
				Email: slot.Expense.Submitter.Email,
			},
			Context: ApprovalContext{
				TotalSlots:    len(chain),
				ApprovedCount: approved,
				Previous:      previous,
			},
		})
	}
	return items, nil
}

// ListMyExpenses returns the caller's own expenses, newest first, each with
// its ordered chain.
func (e *Engine) ListMyExpenses(ctx context.Context, actor Actor, filter PageFilter) (*ExpenseList, error) {
	filter = filter.normalized()
	base := e.db.WithContext(ctx).Model(&models.Expense{}).
		Where("expenses.user_id = ? AND expenses.company_id = ?", actor.UserID, actor.CompanyID)
	return e.listExpenses(ctx, filter.apply(base), filter)
}

// ListExpenses returns the expenses the caller may see company-wide: admins
// see everything, managers their visibility set, employees their own.
func (e *Engine) ListExpenses(ctx context.Context, actor Actor, filter PageFilter) (*ExpenseList, error) {
	filter = filter.normalized()
	base := e.db.WithContext(ctx).Model(&models.Expense{}).
		Where("expenses.company_id = ?", actor.CompanyID)

	switch actor.Role {
	case models.RoleAdmin:
		// Full company visibility.
	case models.RoleManager:
		base = base.Where(
			"expenses.user_id = ? OR expenses.user_id IN (?) OR expenses.id IN (?)",
			actor.UserID,
			e.db.Model(&models.User{}).Select("id").Where("manager_id = ?", actor.UserID),
			e.db.Model(&models.ApprovalSlot{}).Select("expense_id").Where("approver_id = ?", actor.UserID),
		)
	default:
		base = base.Where("expenses.user_id = ?", actor.UserID)
	}
	return e.listExpenses(ctx, filter.apply(base), filter)
}

func (e *Engine) listExpenses(ctx context.Context, q *gorm.DB, filter PageFilter) (*ExpenseList, error) {
	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count expenses: %w", err)
	}
	var items []models.Expense
	err := q.Session(&gorm.Session{}).
		Preload("Submitter").
		Preload("Approvals", func(db *gorm.DB) *gorm.DB { return db.Order("approvals.sequence asc") }).
		Preload("Approvals.Approver").
		Order("expenses.created_at desc").
		Offset((filter.Page - 1) * filter.Limit).
		Limit(filter.Limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	return &ExpenseList{Items: items, Page: filter.Page, Limit: filter.Limit, Total: total}, nil
}

// GetExpense loads one expense with its full chain, enforcing role-scoped
// visibility: admins see any company expense; managers see their reports',
// their own, and chains they sit on; employees only their own.
func (e *Engine) GetExpense(ctx context.Context, actor Actor, expenseID uuid.UUID) (*models.Expense, error) {
	var expense models.Expense
	err := e.db.WithContext(ctx).
		Preload("Submitter").
		Preload("Approvals", func(db *gorm.DB) *gorm.DB { return db.Order("approvals.sequence asc") }).
		Preload("Approvals.Approver").
		First(&expense, "id = ?", expenseID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.NotFound, "expense not found")
		}
		return nil, fmt.Errorf("load expense: %w", err)
	}
	if expense.CompanyID != actor.CompanyID {
		// Cross-company rows are indistinguishable from missing ones.
		return nil, fault.New(fault.NotFound, "expense not found")
	}
	ok, err := e.mayView(ctx, actor, &expense)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.New(fault.Forbidden, "you may not view this expense")
	}
	return &expense, nil
}

// GetApprovalHistory returns the ordered chain plus aggregate statistics,
// under the same visibility rules as GetExpense.
func (e *Engine) GetApprovalHistory(ctx context.Context, actor Actor, expenseID uuid.UUID) (*HistoryResult, error) {
	expense, err := e.GetExpense(ctx, actor, expenseID)
	if err != nil {
		return nil, err
	}
	stats := ChainStats{Total: len(expense.Approvals)}
	for _, slot := range expense.Approvals {
		switch slot.Status {
		case models.SlotApproved:
			stats.Approved++
		case models.SlotRejected:
			stats.Rejected++
		default:
			stats.Pending++
		}
	}
	if stats.Total > 0 {
		// Integer rounding, half away from zero.
		stats.CompletionPercentage = (200*stats.Approved + stats.Total) / (2 * stats.Total)
	}
	return &HistoryResult{
		ExpenseID: expense.ID,
		Status:    expense.Status,
		Chain:     expense.Approvals,
		Stats:     stats,
	}, nil
}

// mayView applies the read-access matrix to a same-company expense.
func (e *Engine) mayView(ctx context.Context, actor Actor, expense *models.Expense) (bool, error) {
	if actor.Role == models.RoleAdmin {
		return true, nil
	}
	if expense.UserID == actor.UserID {
		return true, nil
	}
	if actor.Role != models.RoleManager {
		return false, nil
	}
	if expense.Submitter != nil && expense.Submitter.ManagerID != nil && *expense.Submitter.ManagerID == actor.UserID {
		return true, nil
	}
	var held int64
	if err := e.db.WithContext(ctx).Model(&models.ApprovalSlot{}).
		Where("expense_id = ? AND approver_id = ?", expense.ID, actor.UserID).
		Count(&held).Error; err != nil {
		return false, fmt.Errorf("check slot membership: %w", err)
	}
	return held > 0, nil
}

func summarize(expense models.Expense, baseCurrency string) ExpenseSummary {
	return ExpenseSummary{
		ID:               expense.ID,
		Amount:           expense.Amount,
		Currency:         baseCurrency,
		OriginalAmount:   expense.OriginalAmount,
		OriginalCurrency: expense.OriginalCurrency,
		Category:         expense.Category,
		Description:      expense.Description,
		ExpenseDate:      expense.ExpenseDate,
		Status:           expense.Status,
	}
}
