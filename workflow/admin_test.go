package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"expenseflow/fault"
	"expenseflow/models"
)

func TestAddApproverValidations(t *testing.T) {
	f := newFixture(t)
	admin := f.user("admin", models.RoleAdmin, nil)
	manager := f.user("manager", models.RoleManager, nil)
	employee := f.user("employee", models.RoleEmployee, nil)
	actor := actorFor(admin)

	added, err := f.engine.AddApprover(context.Background(), AddApproverInput{
		Actor: actor, UserID: manager.ID, RoleName: "Manager", Sequence: 1,
	})
	require.NoError(t, err)
	require.True(t, added.IsActive)
	require.Equal(t, 1, added.Sequence)

	t.Run("employee role refused", func(t *testing.T) {
		_, err := f.engine.AddApprover(context.Background(), AddApproverInput{
			Actor: actor, UserID: employee.ID, RoleName: "Reviewer", Sequence: 2,
		})
		require.Equal(t, fault.ValidationFailed, fault.KindOf(err))
	})
	t.Run("duplicate active pair refused", func(t *testing.T) {
		_, err := f.engine.AddApprover(context.Background(), AddApproverInput{
			Actor: actor, UserID: manager.ID, RoleName: "Manager", Sequence: 2,
		})
		require.Equal(t, fault.Conflict, fault.KindOf(err))
	})
	t.Run("occupied sequence refused", func(t *testing.T) {
		other := f.user("other", models.RoleManager, nil)
		_, err := f.engine.AddApprover(context.Background(), AddApproverInput{
			Actor: actor, UserID: other.ID, RoleName: "Other", Sequence: 1,
		})
		require.Equal(t, fault.Conflict, fault.KindOf(err))
	})
	t.Run("unknown user", func(t *testing.T) {
		_, err := f.engine.AddApprover(context.Background(), AddApproverInput{
			Actor: actor, UserID: uuid.New(), RoleName: "Ghost", Sequence: 9,
		})
		require.Equal(t, fault.NotFound, fault.KindOf(err))
	})
	t.Run("inactive user refused", func(t *testing.T) {
		dormant := f.user("dormant", models.RoleManager, nil)
		require.NoError(t, f.db.Model(&models.User{}).Where("id = ?", dormant.ID).Update("is_active", false).Error)
		_, err := f.engine.AddApprover(context.Background(), AddApproverInput{
			Actor: actor, UserID: dormant.ID, RoleName: "Dormant", Sequence: 8,
		})
		require.Equal(t, fault.ValidationFailed, fault.KindOf(err))
	})
}

func TestUpdateApproverSequenceSwapsOccupant(t *testing.T) {
	f := newFixture(t)
	admin := f.user("admin", models.RoleAdmin, nil)
	alice := f.user("Alice", models.RoleManager, nil)
	bob := f.user("Bob", models.RoleManager, nil)
	carol := f.user("Carol", models.RoleManager, nil)
	cfgAlice := f.roster(alice, "Alice", 1)
	cfgBob := f.roster(bob, "Bob", 2)
	cfgCarol := f.roster(carol, "Carol", 3)

	_, err := f.engine.UpdateApproverSequence(context.Background(), actorFor(admin), cfgCarol.ID, 2)
	require.NoError(t, err)

	sequences := map[uuid.UUID]int{}
	var rows []models.ApproverConfig
	require.NoError(t, f.db.Where("company_id = ? AND is_active = ?", f.company.ID, true).Find(&rows).Error)
	for _, row := range rows {
		sequences[row.ID] = row.Sequence
	}
	require.Equal(t, 1, sequences[cfgAlice.ID])
	require.Equal(t, 2, sequences[cfgCarol.ID])
	require.Equal(t, 3, sequences[cfgBob.ID], "the displaced occupant takes the vacated sequence")
}

func TestUpdateApproverSequencePlainMove(t *testing.T) {
	f := newFixture(t)
	admin := f.user("admin", models.RoleAdmin, nil)
	alice := f.user("Alice", models.RoleManager, nil)
	cfg := f.roster(alice, "Alice", 1)

	updated, err := f.engine.UpdateApproverSequence(context.Background(), actorFor(admin), cfg.ID, 5)
	require.NoError(t, err)
	require.Equal(t, 5, updated.Sequence)
}

func TestRemoveApproverBlockedByPendingWork(t *testing.T) {
	f := newFixture(t)
	admin := f.user("admin", models.RoleAdmin, nil)
	manager := f.user("manager", models.RoleManager, nil)
	cfg := f.roster(manager, "Manager", 1)
	employee := f.user("employee", models.RoleEmployee, nil)

	result := f.submit(employee, "100.00", "USD")
	require.Len(t, result.Chain, 1)

	err := f.engine.RemoveApprover(context.Background(), actorFor(admin), cfg.ID)
	require.Equal(t, fault.PendingWorkBlocksRemoval, fault.KindOf(err))

	_, err = f.decide(manager, result.Chain[0].ID, VerdictApprove, "")
	require.NoError(t, err)

	require.NoError(t, f.engine.RemoveApprover(context.Background(), actorFor(admin), cfg.ID))
	var row models.ApproverConfig
	require.NoError(t, f.db.First(&row, "id = ?", cfg.ID).Error)
	require.False(t, row.IsActive, "removal is a soft delete")
}

func TestSetApprovalRuleDeactivatesPrevious(t *testing.T) {
	f := newFixture(t)
	admin := f.user("admin", models.RoleAdmin, nil)
	actor := actorFor(admin)

	first, err := f.engine.SetApprovalRule(context.Background(), SetRuleInput{
		Actor: actor, RuleType: models.RulePercentage,
		Config: json.RawMessage(`{"percentage":50,"total_approvers":2}`),
	})
	require.NoError(t, err)
	require.True(t, first.IsActive)

	second, err := f.engine.SetApprovalRule(context.Background(), SetRuleInput{
		Actor: actor, RuleType: models.RulePercentage,
		Config: json.RawMessage(`{"percentage":75,"total_approvers":4}`),
	})
	require.NoError(t, err)

	var active []models.ApprovalRule
	require.NoError(t, f.db.Where("company_id = ? AND rule_type = ? AND is_active = ?",
		f.company.ID, models.RulePercentage, true).Find(&active).Error)
	require.Len(t, active, 1, "at most one active rule per (company, rule_type)")
	require.Equal(t, second.ID, active[0].ID)
}

func TestSetApprovalRuleRejectsForeignApprover(t *testing.T) {
	f := newFixture(t)
	admin := f.user("admin", models.RoleAdmin, nil)

	_, err := f.engine.SetApprovalRule(context.Background(), SetRuleInput{
		Actor:    actorFor(admin),
		RuleType: models.RuleSpecificApprover,
		Config:   json.RawMessage(`{"approver_id":"` + uuid.NewString() + `"}`),
	})
	require.Equal(t, fault.ValidationFailed, fault.KindOf(err))
}

func TestSetApprovalRuleRejectsLegacyFamilies(t *testing.T) {
	f := newFixture(t)
	admin := f.user("admin", models.RoleAdmin, nil)

	for _, legacy := range []string{"amount_threshold", "category_based", "role_based"} {
		_, err := f.engine.SetApprovalRule(context.Background(), SetRuleInput{
			Actor:    actorFor(admin),
			RuleType: models.RuleType(legacy),
			Config:   json.RawMessage(`{}`),
		})
		require.Equal(t, fault.ValidationFailed, fault.KindOf(err), legacy)
	}
}

func TestListRulesDescribes(t *testing.T) {
	f := newFixture(t)
	admin := f.user("admin", models.RoleAdmin, nil)
	cfo := f.user("CFO", models.RoleManager, nil)
	f.rule(models.RulePercentage, `{"percentage":75,"total_approvers":4}`)
	f.rule(models.RuleSpecificApprover, `{"approver_id":"`+cfo.ID.String()+`"}`)

	views, err := f.engine.ListRules(context.Background(), actorFor(admin))
	require.NoError(t, err)
	require.Len(t, views, 2)
	descriptions := []string{views[0].Description, views[1].Description}
	require.Contains(t, descriptions, "approve when 75% of slots approve")
	require.Contains(t, descriptions, "approve when CFO approves")
}
