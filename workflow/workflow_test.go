package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"expenseflow/fault"
	"expenseflow/models"
)

// stubConverter converts through a fixed rate table keyed FROM/TO and counts
// calls that reach it, mirroring the oracle-backed normalizer's contract.
type stubConverter struct {
	rates map[string]decimal.Decimal
	calls int
	err   error
}

func (s *stubConverter) Convert(_ context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, decimal.Decimal, error) {
	if from == to {
		return amount.Round(2), decimal.NewFromInt(1), nil
	}
	s.calls++
	if s.err != nil {
		return decimal.Zero, decimal.Zero, s.err
	}
	rate, ok := s.rates[from+"/"+to]
	if !ok {
		return decimal.Zero, decimal.Zero, fault.New(fault.CurrencyUnsupported, "no rate for %s/%s", from, to)
	}
	return amount.Mul(rate).Round(2), rate, nil
}

type fixture struct {
	t         *testing.T
	db        *gorm.DB
	engine    *Engine
	converter *stubConverter
	company   models.Company
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	// busy_timeout makes concurrent writers queue instead of failing fast,
	// approximating the blocking row lock the postgres deployment relies on.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(10000)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	now := time.Date(2025, 10, 4, 12, 0, 0, 0, time.UTC)
	converter := &stubConverter{rates: map[string]decimal.Decimal{
		"EUR/USD": decimal.RequireFromString("1.10"),
	}}
	company := models.Company{ID: uuid.New(), Name: "Acme", Country: "US", Currency: "USD", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, db.Create(&company).Error)

	engine := NewEngine(db, converter, WithClock(func() time.Time { return now }))
	return &fixture{t: t, db: db, engine: engine, converter: converter, company: company, now: now}
}

func (f *fixture) user(name string, role models.Role, managerID *uuid.UUID) models.User {
	f.t.Helper()
	u := models.User{
		ID:        uuid.New(),
		CompanyID: f.company.ID,
		Name:      name,
		Email:     fmt.Sprintf("%s-%s@acme.test", name, uuid.NewString()[:8]),
		Role:      role,
		ManagerID: managerID,
		IsActive:  true,
		CreatedAt: f.now,
		UpdatedAt: f.now,
	}
	require.NoError(f.t, f.db.Create(&u).Error)
	return u
}

func (f *fixture) roster(user models.User, roleName string, sequence int) models.ApproverConfig {
	f.t.Helper()
	cfg := models.ApproverConfig{
		ID:        uuid.New(),
		CompanyID: f.company.ID,
		UserID:    user.ID,
		RoleName:  roleName,
		Sequence:  sequence,
		IsActive:  true,
		CreatedAt: f.now,
		UpdatedAt: f.now,
	}
	require.NoError(f.t, f.db.Create(&cfg).Error)
	return cfg
}

func (f *fixture) rule(ruleType models.RuleType, config string) models.ApprovalRule {
	f.t.Helper()
	rule := models.ApprovalRule{
		ID:         uuid.New(),
		CompanyID:  f.company.ID,
		RuleType:   ruleType,
		RuleConfig: config,
		IsActive:   true,
		CreatedAt:  f.now,
		UpdatedAt:  f.now,
	}
	require.NoError(f.t, f.db.Create(&rule).Error)
	return rule
}

func actorFor(u models.User) Actor {
	return Actor{UserID: u.ID, CompanyID: u.CompanyID, Role: u.Role}
}

func (f *fixture) submit(submitter models.User, amount, currency string) *SubmitResult {
	f.t.Helper()
	result, err := f.engine.Submit(context.Background(), SubmitInput{
		Actor:       actorFor(submitter),
		Amount:      decimal.RequireFromString(amount),
		Currency:    currency,
		Category:    "Travel",
		ExpenseDate: time.Date(2025, 10, 4, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(f.t, err)
	return result
}

func (f *fixture) decide(actor models.User, slotID uuid.UUID, verdict Verdict, comment string) (*DecideResult, error) {
	f.t.Helper()
	return f.engine.Decide(context.Background(), DecideInput{
		SlotID:  slotID,
		Actor:   actorFor(actor),
		Verdict: verdict,
		Comment: comment,
	})
}

// reloadChain fetches the persisted chain ordered by sequence.
func (f *fixture) reloadChain(expenseID uuid.UUID) []models.ApprovalSlot {
	f.t.Helper()
	var slots []models.ApprovalSlot
	require.NoError(f.t, f.db.Where("expense_id = ?", expenseID).Order("sequence asc").Find(&slots).Error)
	return slots
}

func (f *fixture) reloadExpense(expenseID uuid.UUID) models.Expense {
	f.t.Helper()
	var expense models.Expense
	require.NoError(f.t, f.db.First(&expense, "id = ?", expenseID).Error)
	return expense
}

// requireDenseSequences asserts the chain's sequences form {1..N}.
func requireDenseSequences(t *testing.T, slots []models.ApprovalSlot) {
	t.Helper()
	for i, slot := range slots {
		require.Equal(t, i+1, slot.Sequence, "sequences must be dense starting at 1")
	}
}
