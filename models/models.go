package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Role identifies a user's persona within their company.
type Role string

// Supported roles.
const (
	RoleEmployee Role = "employee"
	RoleManager  Role = "manager"
	RoleAdmin    Role = "admin"
)

// ExpenseStatus tracks the rollup state of an expense.
type ExpenseStatus string

// Expense lifecycle states. Pending is the only non-terminal state.
const (
	ExpensePending  ExpenseStatus = "pending"
	ExpenseApproved ExpenseStatus = "approved"
	ExpenseRejected ExpenseStatus = "rejected"
)

// SlotStatus tracks one approval slot's decision state.
type SlotStatus string

// Slot decision states. A slot that leaves pending never changes again.
const (
	SlotPending  SlotStatus = "pending"
	SlotApproved SlotStatus = "approved"
	SlotRejected SlotStatus = "rejected"
)

// RuleType selects the evaluation semantics of an approval rule.
type RuleType string

// Supported rule families. Anything else is rejected at configuration time.
const (
	RulePercentage       RuleType = "percentage"
	RuleSpecificApprover RuleType = "specific_approver"
	RuleHybrid           RuleType = "hybrid"
)

// Company is a tenant. All other rows hang off a company.
type Company struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Country   string    `gorm:"size:64" json:"country"`
	Currency  string    `gorm:"size:3;not null" json:"currency"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is an employee, manager, or admin of one company. Password hashes are
// written by the external identity service and never leave this process.
type User struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CompanyID    uuid.UUID  `gorm:"type:uuid;index;not null" json:"company_id"`
	Company      *Company   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Name         string     `gorm:"size:255;not null" json:"name"`
	Email        string     `gorm:"size:255;uniqueIndex" json:"email"`
	PasswordHash string     `gorm:"size:255" json:"-"`
	Role         Role       `gorm:"size:16;not null" json:"role"`
	ManagerID    *uuid.UUID `gorm:"type:uuid;index" json:"manager_id,omitempty"`
	IsActive     bool       `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Expense is a submitted claim. Amount is denominated in the company base
// currency; the original submission is preserved verbatim alongside it.
type Expense struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	UserID           uuid.UUID       `gorm:"type:uuid;index;not null" json:"user_id"`
	Submitter        *User           `gorm:"foreignKey:UserID" json:"submitter,omitempty"`
	CompanyID        uuid.UUID       `gorm:"type:uuid;index;not null" json:"company_id"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	OriginalAmount   decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"original_amount"`
	OriginalCurrency string          `gorm:"size:3;not null" json:"original_currency"`
	ExchangeRate     decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"exchange_rate"`
	Category         string          `gorm:"size:255;not null" json:"category"`
	Description      string          `gorm:"type:text" json:"description,omitempty"`
	ExpenseDate      time.Time       `gorm:"index" json:"expense_date"`
	Status           ExpenseStatus   `gorm:"size:16;index;not null" json:"status"`
	ReceiptURL       string          `gorm:"size:512" json:"receipt_url,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Approvals        []ApprovalSlot  `gorm:"foreignKey:ExpenseID" json:"approvals,omitempty"`
}

// ApprovalSlot is one position in an expense's approval chain, assigned to
// exactly one approver at creation. Sequences are dense {1..N} per expense.
type ApprovalSlot struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ExpenseID  uuid.UUID  `gorm:"type:uuid;index;uniqueIndex:uq_approvals_expense_seq;not null" json:"expense_id"`
	Expense    *Expense   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	ApproverID uuid.UUID  `gorm:"type:uuid;index;not null" json:"approver_id"`
	Approver   *User      `gorm:"foreignKey:ApproverID" json:"approver,omitempty"`
	Sequence   int        `gorm:"uniqueIndex:uq_approvals_expense_seq;not null" json:"sequence"`
	Status     SlotStatus `gorm:"size:16;not null" json:"status"`
	Comments   string     `gorm:"size:1024" json:"comments,omitempty"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// TableName keeps the historical table name for approval slots.
func (ApprovalSlot) TableName() string { return "approvals" }

// ApproverConfig is one row of a company's approver roster. Removal is a
// soft delete so decided chains keep their history.
type ApproverConfig struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CompanyID uuid.UUID `gorm:"type:uuid;index;uniqueIndex:uq_approvers_company_role_seq;not null" json:"company_id"`
	UserID    uuid.UUID `gorm:"type:uuid;index;not null" json:"user_id"`
	User      *User     `gorm:"foreignKey:UserID" json:"user,omitempty"`
	RoleName  string    `gorm:"size:128;uniqueIndex:uq_approvers_company_role_seq;not null" json:"role_name"`
	Sequence  int       `gorm:"uniqueIndex:uq_approvers_company_role_seq;not null" json:"sequence"`
	IsActive  bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps the historical table name for the approver roster.
func (ApproverConfig) TableName() string { return "approvers" }

// ApprovalRule stores one rule as a tagged JSON config. At most one active
// rule per (company, rule_type).
type ApprovalRule struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CompanyID  uuid.UUID `gorm:"type:uuid;index;not null" json:"company_id"`
	RuleType   RuleType  `gorm:"size:32;not null" json:"rule_type"`
	RuleConfig string    `gorm:"type:text;not null" json:"rule_config"`
	IsActive   bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AuditEvent is the append-only trail of submissions, decisions, and
// configuration changes. Written in the same transaction as the change.
type AuditEvent struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ExpenseID *uuid.UUID `gorm:"type:uuid;index" json:"expense_id,omitempty"`
	ActorID   uuid.UUID  `gorm:"type:uuid;index" json:"actor_id"`
	Action    string     `gorm:"size:64;not null" json:"action"`
	Details   string     `gorm:"type:text" json:"details,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// IdempotencyRecord stores a replayable response for a mutating request.
type IdempotencyRecord struct {
	Key         string    `gorm:"primaryKey;size:128" json:"key"`
	ActorID     string    `gorm:"primaryKey;size:64" json:"actor_id"`
	Method      string    `gorm:"size:8" json:"method"`
	Path        string    `gorm:"size:255" json:"path"`
	RequestHash string    `gorm:"size:64" json:"request_hash"`
	Status      int       `json:"status"`
	Response    string    `gorm:"type:text" json:"response"`
	CreatedAt   time.Time `json:"created_at"`
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Company{},
		&User{},
		&Expense{},
		&ApprovalSlot{},
		&ApproverConfig{},
		&ApprovalRule{},
		&AuditEvent{},
		&IdempotencyRecord{},
	)
}

// maxManagerWalk bounds the upward walk when checking for reporting cycles.
const maxManagerWalk = 1000

// ErrManagerCycle is returned when a manager assignment would make a user
// its own transitive manager.
var ErrManagerCycle = errors.New("manager assignment creates a reporting cycle")

// ValidateManagerAssignment walks upward from the proposed manager and fails
// if it reaches the user being assigned, or if the chain leaves the company.
func ValidateManagerAssignment(db *gorm.DB, userID, managerID, companyID uuid.UUID) error {
	if userID == managerID {
		return ErrManagerCycle
	}
	current := managerID
	for i := 0; i < maxManagerWalk; i++ {
		var mgr User
		if err := db.Select("id", "manager_id", "company_id").First(&mgr, "id = ?", current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("manager %s not found", current)
			}
			return err
		}
		if mgr.CompanyID != companyID {
			return fmt.Errorf("manager %s belongs to another company", current)
		}
		if mgr.ManagerID == nil {
			return nil
		}
		if *mgr.ManagerID == userID {
			return ErrManagerCycle
		}
		current = *mgr.ManagerID
	}
	return fmt.Errorf("manager chain exceeds %d links", maxManagerWalk)
}
