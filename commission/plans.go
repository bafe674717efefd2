package commission

import (
	"fmt"

	"github.com/warp/collections-engine/generic"
)

// =============================================================================
// PLAN PRESETS - Ready-to-use plan table definitions
// =============================================================================

// StandardPlanCode is the plan used by the worked examples and demo data.
const StandardPlanCode generic.PlanCode = "PLAN-498"

// StandardPlan returns the reference plan: 498 monthly due, 150 outright and
// 120 monthly commission per month covered.
func StandardPlan() generic.PlanRate {
	return generic.PlanRate{
		PlanCode:               StandardPlanCode,
		MonthlyDueAmount:       generic.MustParseDecimal("498"),
		OutrightCommissionRate: generic.MustParseDecimal("150"),
		MonthlyCommissionRate:  generic.MustParseDecimal("120"),
	}
}

// StandardMembershipBonus is the default fixed bonus on a qualifying membership fee.
func StandardMembershipBonus() generic.MembershipBonus {
	return generic.MembershipBonus{
		Outright: generic.MustParseDecimal("100"),
		Monthly:  generic.MustParseDecimal("50"),
	}
}

// StandardPlanTable returns a table holding only the standard plan.
func StandardPlanTable() *generic.StaticPlanTable {
	return generic.NewStaticPlanTable(StandardMembershipBonus(), StandardPlan())
}

// PlanTableJSON returns a plan-table document accepted by factory.ParsePlanTable.
func PlanTableJSON(code generic.PlanCode, due, outright, monthly string) string {
	return fmt.Sprintf(`{
  "membership_bonus": {"outright": "100", "monthly": "50"},
  "plans": [
    {"code": %q, "monthly_due": %q, "outright_rate": %q, "monthly_rate": %q}
  ]
}`, code, due, outright, monthly)
}
