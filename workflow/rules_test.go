package workflow

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"expenseflow/fault"
	"expenseflow/models"
)

func slotSet(statuses ...models.SlotStatus) ([]models.ApprovalSlot, []uuid.UUID) {
	slots := make([]models.ApprovalSlot, len(statuses))
	ids := make([]uuid.UUID, len(statuses))
	for i, status := range statuses {
		ids[i] = uuid.New()
		slots[i] = models.ApprovalSlot{
			ID:         uuid.New(),
			ApproverID: ids[i],
			Sequence:   i + 1,
			Status:     status,
		}
	}
	return slots, ids
}

func activeRule(ruleType models.RuleType, config string) models.ApprovalRule {
	return models.ApprovalRule{ID: uuid.New(), RuleType: ruleType, RuleConfig: config, IsActive: true}
}

func TestParseRuleConfigValidation(t *testing.T) {
	cases := []struct {
		name     string
		ruleType models.RuleType
		config   string
		wantErr  bool
	}{
		{"valid percentage", models.RulePercentage, `{"percentage":75,"total_approvers":4}`, false},
		{"percentage too low", models.RulePercentage, `{"percentage":0,"total_approvers":4}`, true},
		{"percentage too high", models.RulePercentage, `{"percentage":101,"total_approvers":4}`, true},
		{"zero approvers", models.RulePercentage, `{"percentage":50,"total_approvers":0}`, true},
		{"unknown field", models.RulePercentage, `{"percentage":50,"total_approvers":1,"bogus":1}`, true},
		{"valid specific", models.RuleSpecificApprover, `{"approver_id":"` + uuid.NewString() + `"}`, false},
		{"nil approver", models.RuleSpecificApprover, `{"approver_id":"00000000-0000-0000-0000-000000000000"}`, true},
		{"valid hybrid", models.RuleHybrid, `{"percentage":60,"total_approvers":3,"special_approver_id":"` + uuid.NewString() + `"}`, false},
		{"hybrid missing special", models.RuleHybrid, `{"percentage":60,"total_approvers":3}`, true},
		{"legacy amount_threshold", models.RuleType("amount_threshold"), `{"threshold":100}`, true},
		{"legacy category_based", models.RuleType("category_based"), `{}`, true},
		{"legacy role_based", models.RuleType("role_based"), `{}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRuleConfig(tc.ruleType, []byte(tc.config))
			if tc.wantErr {
				require.Error(t, err)
				require.Equal(t, fault.ValidationFailed, fault.KindOf(err))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestEvaluatePercentageUsesActualSlotCount(t *testing.T) {
	// total_approvers says 10, but the expense has 4 slots; the actual count
	// governs, so 3 of 4 crosses a 75% threshold.
	slots, _ := slotSet(models.SlotApproved, models.SlotApproved, models.SlotApproved, models.SlotPending)
	rules := []models.ApprovalRule{activeRule(models.RulePercentage, `{"percentage":75,"total_approvers":10}`)}

	terminated, firedBy := EvaluateRules(slots, rules)
	require.True(t, terminated)
	require.Equal(t, models.RulePercentage, firedBy)
}

func TestEvaluatePercentageBelowThresholdContinues(t *testing.T) {
	slots, _ := slotSet(models.SlotApproved, models.SlotPending, models.SlotPending, models.SlotPending)
	rules := []models.ApprovalRule{activeRule(models.RulePercentage, `{"percentage":75,"total_approvers":4}`)}

	terminated, _ := EvaluateRules(slots, rules)
	require.False(t, terminated)
}

func TestEvaluateSpecificApproverInertWithoutSlot(t *testing.T) {
	slots, _ := slotSet(models.SlotApproved, models.SlotPending)
	rules := []models.ApprovalRule{activeRule(models.RuleSpecificApprover, `{"approver_id":"`+uuid.NewString()+`"}`)}

	terminated, _ := EvaluateRules(slots, rules)
	require.False(t, terminated, "a rule naming an absent approver never fires")
}

func TestEvaluateAnyActiveRuleWins(t *testing.T) {
	slots, ids := slotSet(models.SlotApproved, models.SlotPending, models.SlotPending)
	rules := []models.ApprovalRule{
		activeRule(models.RulePercentage, `{"percentage":90,"total_approvers":3}`),
		activeRule(models.RuleSpecificApprover, `{"approver_id":"`+ids[0].String()+`"}`),
	}

	terminated, firedBy := EvaluateRules(slots, rules)
	require.True(t, terminated)
	require.Equal(t, models.RuleSpecificApprover, firedBy)
}

func TestEvaluateIgnoresInactiveRules(t *testing.T) {
	slots, _ := slotSet(models.SlotApproved)
	rule := activeRule(models.RulePercentage, `{"percentage":1,"total_approvers":1}`)
	rule.IsActive = false

	terminated, _ := EvaluateRules(slots, []models.ApprovalRule{rule})
	require.False(t, terminated)
}

func TestEvaluateEmptySlotSetNeverTerminates(t *testing.T) {
	rules := []models.ApprovalRule{activeRule(models.RulePercentage, `{"percentage":1,"total_approvers":1}`)}
	terminated, _ := EvaluateRules(nil, rules)
	require.False(t, terminated)
}

func TestDescribeRule(t *testing.T) {
	id := uuid.New()
	name := func(uuid.UUID) string { return "CFO" }

	require.Equal(t, "approve when 75% of slots approve",
		DescribeRule(activeRule(models.RulePercentage, `{"percentage":75,"total_approvers":4}`), nil))
	require.Equal(t, "approve when CFO approves",
		DescribeRule(activeRule(models.RuleSpecificApprover, `{"approver_id":"`+id.String()+`"}`), name))
	require.Equal(t, "approve when 60% of slots AND CFO approve",
		DescribeRule(activeRule(models.RuleHybrid, `{"percentage":60,"total_approvers":3,"special_approver_id":"`+id.String()+`"}`), name))
	require.Equal(t, "invalid rule configuration",
		DescribeRule(activeRule(models.RulePercentage, `not json`), nil))
}
