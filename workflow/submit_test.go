package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"expenseflow/fault"
	"expenseflow/models"
)

func TestSubmitBuildsManagerFirstChain(t *testing.T) {
	f := newFixture(t)
	manager := f.user("manager", models.RoleManager, nil)
	admin := f.user("admin", models.RoleAdmin, nil)
	f.roster(admin, "Admin", 1)
	employee := f.user("employee", models.RoleEmployee, &manager.ID)

	result := f.submit(employee, "100.00", "USD")

	require.Equal(t, models.ExpensePending, result.Expense.Status)
	require.Len(t, result.Chain, 2)
	require.Equal(t, manager.ID, result.Chain[0].ApproverID)
	require.Equal(t, admin.ID, result.Chain[1].ApproverID)
	requireDenseSequences(t, result.Chain)
	require.NotNil(t, result.NextApprover)
	require.Equal(t, manager.ID, result.NextApprover.ID)
	require.Empty(t, result.Warning)
}

func TestSubmitDeduplicatesManagerFromRoster(t *testing.T) {
	f := newFixture(t)
	manager := f.user("manager", models.RoleManager, nil)
	finance := f.user("finance", models.RoleManager, nil)
	f.roster(manager, "Manager", 1)
	f.roster(finance, "Finance", 2)
	employee := f.user("employee", models.RoleEmployee, &manager.ID)

	result := f.submit(employee, "50.00", "USD")

	require.Len(t, result.Chain, 2, "manager appearing in the roster must not create a second slot")
	require.Equal(t, manager.ID, result.Chain[0].ApproverID)
	require.Equal(t, finance.ID, result.Chain[1].ApproverID)
	requireDenseSequences(t, result.Chain)
}

func TestSubmitNormalizesCurrencyAndPreservesOriginal(t *testing.T) {
	f := newFixture(t)
	manager := f.user("manager", models.RoleManager, nil)
	employee := f.user("employee", models.RoleEmployee, &manager.ID)

	result := f.submit(employee, "250.50", "EUR")

	expense := f.reloadExpense(result.Expense.ID)
	require.Equal(t, "275.55", expense.Amount.StringFixed(2))
	require.Equal(t, "250.50", expense.OriginalAmount.StringFixed(2))
	require.Equal(t, "EUR", expense.OriginalCurrency)
	require.Equal(t, "1.10", expense.ExchangeRate.StringFixed(2))
	require.Equal(t, 1, f.converter.calls)
}

func TestSubmitBaseCurrencySkipsConverterProvider(t *testing.T) {
	f := newFixture(t)
	manager := f.user("manager", models.RoleManager, nil)
	employee := f.user("employee", models.RoleEmployee, &manager.ID)

	f.submit(employee, "42.00", "USD")
	require.Zero(t, f.converter.calls)
}

func TestSubmitConversionFailurePersistsNothing(t *testing.T) {
	f := newFixture(t)
	manager := f.user("manager", models.RoleManager, nil)
	employee := f.user("employee", models.RoleEmployee, &manager.ID)
	f.converter.err = fault.New(fault.CurrencyUnavailable, "oracle down")

	_, err := f.engine.Submit(context.Background(), SubmitInput{
		Actor:       actorFor(employee),
		Amount:      decimal.RequireFromString("10.00"),
		Currency:    "EUR",
		Category:    "Travel",
		ExpenseDate: time.Now(),
	})
	require.Error(t, err)
	require.Equal(t, fault.CurrencyUnavailable, fault.KindOf(err))

	var count int64
	require.NoError(t, f.db.Model(&models.Expense{}).Count(&count).Error)
	require.Zero(t, count, "failed conversion must not persist an expense")
}

func TestSubmitAdminWithNoApproversAutoApproves(t *testing.T) {
	f := newFixture(t)
	admin := f.user("admin", models.RoleAdmin, nil)

	result := f.submit(admin, "99.99", "USD")

	require.Equal(t, models.ExpenseApproved, result.Expense.Status)
	require.Empty(t, result.Chain)
	require.Nil(t, result.NextApprover)
	require.Equal(t, models.ExpenseApproved, f.reloadExpense(result.Expense.ID).Status)
}

func TestSubmitEmployeeWithNoApproversWarnsAndStaysPending(t *testing.T) {
	f := newFixture(t)
	employee := f.user("employee", models.RoleEmployee, nil)

	result := f.submit(employee, "10.00", "USD")

	require.Equal(t, models.ExpensePending, result.Expense.Status)
	require.Empty(t, result.Chain)
	require.Equal(t, WarningNoApprovers, result.Warning)
}

func TestSubmitRejectsMissingFields(t *testing.T) {
	f := newFixture(t)
	employee := f.user("employee", models.RoleEmployee, nil)

	cases := []SubmitInput{
		{Actor: actorFor(employee), Amount: decimal.RequireFromString("10"), Currency: "USD", ExpenseDate: time.Now()},
		{Actor: actorFor(employee), Amount: decimal.RequireFromString("10"), Currency: "USD", Category: "Travel"},
		{Actor: actorFor(employee), Amount: decimal.Zero, Currency: "USD", Category: "Travel", ExpenseDate: time.Now()},
		{Actor: actorFor(employee), Amount: decimal.RequireFromString("-5"), Currency: "USD", Category: "Travel", ExpenseDate: time.Now()},
	}
	for _, in := range cases {
		_, err := f.engine.Submit(context.Background(), in)
		require.Error(t, err)
		require.Equal(t, fault.ValidationFailed, fault.KindOf(err))
	}
}

func TestSubmitWritesAuditTrail(t *testing.T) {
	f := newFixture(t)
	manager := f.user("manager", models.RoleManager, nil)
	employee := f.user("employee", models.RoleEmployee, &manager.ID)

	result := f.submit(employee, "10.00", "USD")

	var events []models.AuditEvent
	require.NoError(t, f.db.Where("expense_id = ?", result.Expense.ID).Find(&events).Error)
	require.Len(t, events, 1)
	require.Equal(t, "expense.submitted", events[0].Action)
	require.Equal(t, employee.ID, events[0].ActorID)
}
