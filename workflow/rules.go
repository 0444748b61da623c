package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"expenseflow/fault"
	"expenseflow/models"
)

// Rule configs are tagged variants: the rule_type column selects which struct
// the rule_config JSON decodes into. Loose maps never cross this boundary.

// PercentageConfig terminates an expense once the share of approved slots
// reaches the threshold. TotalApprovers is informational metadata recorded at
// creation; evaluation always counts the expense's actual slots.
type PercentageConfig struct {
	Percentage     int `json:"percentage"`
	TotalApprovers int `json:"total_approvers"`
}

// SpecificApproverConfig terminates an expense as soon as the named approver
// approves their slot. Inert when the chain holds no slot for that user.
type SpecificApproverConfig struct {
	ApproverID uuid.UUID `json:"approver_id"`
}

// HybridConfig requires both the percentage threshold and the special
// approver's own approval.
type HybridConfig struct {
	Percentage        int       `json:"percentage"`
	TotalApprovers    int       `json:"total_approvers"`
	SpecialApproverID uuid.UUID `json:"special_approver_id"`
}

// ParseRuleConfig decodes and validates raw against the schema ruleType
// selects. Unknown rule types, including the legacy amount_threshold /
// category_based / role_based namespace, are rejected outright: the engine
// never consults them, and storing dead configuration invites operator error.
func ParseRuleConfig(ruleType models.RuleType, raw []byte) (any, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()

	switch ruleType {
	case models.RulePercentage:
		var cfg PercentageConfig
		if err := dec.Decode(&cfg); err != nil {
			return nil, fault.Wrap(fault.ValidationFailed, err, "invalid percentage rule config")
		}
		if cfg.Percentage < 1 || cfg.Percentage > 100 {
			return nil, fault.New(fault.ValidationFailed, "percentage must be between 1 and 100")
		}
		if cfg.TotalApprovers < 1 {
			return nil, fault.New(fault.ValidationFailed, "total_approvers must be at least 1")
		}
		return cfg, nil
	case models.RuleSpecificApprover:
		var cfg SpecificApproverConfig
		if err := dec.Decode(&cfg); err != nil {
			return nil, fault.Wrap(fault.ValidationFailed, err, "invalid specific_approver rule config")
		}
		if cfg.ApproverID == uuid.Nil {
			return nil, fault.New(fault.ValidationFailed, "approver_id is required")
		}
		return cfg, nil
	case models.RuleHybrid:
		var cfg HybridConfig
		if err := dec.Decode(&cfg); err != nil {
			return nil, fault.Wrap(fault.ValidationFailed, err, "invalid hybrid rule config")
		}
		if cfg.Percentage < 1 || cfg.Percentage > 100 {
			return nil, fault.New(fault.ValidationFailed, "percentage must be between 1 and 100")
		}
		if cfg.TotalApprovers < 1 {
			return nil, fault.New(fault.ValidationFailed, "total_approvers must be at least 1")
		}
		if cfg.SpecialApproverID == uuid.Nil {
			return nil, fault.New(fault.ValidationFailed, "special_approver_id is required")
		}
		return cfg, nil
	default:
		return nil, fault.New(fault.ValidationFailed, "unsupported rule type %q", ruleType)
	}
}

// EvaluateRules inspects the post-decision slot set against every active rule
// and reports whether any of them terminates the expense in the approved
// state. It runs inside the decider transaction, under the expense lock, so
// it always sees the just-applied update. Rules never force rejection.
func EvaluateRules(slots []models.ApprovalSlot, rules []models.ApprovalRule) (bool, models.RuleType) {
	if len(slots) == 0 {
		return false, ""
	}
	approved := 0
	approvedBy := make(map[uuid.UUID]bool, len(slots))
	for _, slot := range slots {
		if slot.Status == models.SlotApproved {
			approved++
			approvedBy[slot.ApproverID] = true
		}
	}

	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		cfg, err := ParseRuleConfig(rule.RuleType, []byte(rule.RuleConfig))
		if err != nil {
			// Persisted configs are validated on write; a row that no longer
			// parses must not block decisions, so it is skipped.
			continue
		}
		switch c := cfg.(type) {
		case PercentageConfig:
			if approved*100 >= c.Percentage*len(slots) {
				return true, rule.RuleType
			}
		case SpecificApproverConfig:
			if approvedBy[c.ApproverID] {
				return true, rule.RuleType
			}
		case HybridConfig:
			if approved*100 >= c.Percentage*len(slots) && approvedBy[c.SpecialApproverID] {
				return true, rule.RuleType
			}
		}
	}
	return false, ""
}

// DescribeRule renders a human-readable summary for the admin listing.
func DescribeRule(rule models.ApprovalRule, approverName func(uuid.UUID) string) string {
	cfg, err := ParseRuleConfig(rule.RuleType, []byte(rule.RuleConfig))
	if err != nil {
		return "invalid rule configuration"
	}
	name := func(id uuid.UUID) string {
		if approverName != nil {
			if n := approverName(id); n != "" {
				return n
			}
		}
		return id.String()
	}
	switch c := cfg.(type) {
	case PercentageConfig:
		return fmt.Sprintf("approve when %d%% of slots approve", c.Percentage)
	case SpecificApproverConfig:
		return fmt.Sprintf("approve when %s approves", name(c.ApproverID))
	case HybridConfig:
		return fmt.Sprintf("approve when %d%% of slots AND %s approve", c.Percentage, name(c.SpecialApproverID))
	default:
		return "invalid rule configuration"
	}
}
