package generic

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PLAN RATE - Static reference data per plan code
// =============================================================================

// PlanRate holds the commission terms of one membership plan.
type PlanRate struct {
	PlanCode               PlanCode
	MonthlyDueAmount       decimal.Decimal
	MonthlyCommissionRate  decimal.Decimal // Paid per month beyond the outright cap
	OutrightCommissionRate decimal.Decimal // Paid per month within the first 12
}

// MembershipBonus holds the fixed amounts paid on a qualifying membership fee.
type MembershipBonus struct {
	Outright decimal.Decimal
	Monthly  decimal.Decimal
}

// Total returns the combined bonus.
func (b MembershipBonus) Total() decimal.Decimal {
	return b.Outright.Add(b.Monthly)
}

// PlanRateTable resolves plan codes. Implementations are passed in explicitly;
// the engine keeps no process-wide cache of rates.
type PlanRateTable interface {
	// Lookup returns the rate for a plan code, or false when unknown.
	Lookup(code PlanCode) (PlanRate, bool)

	// Membership returns the fixed membership-fee bonus amounts.
	Membership() MembershipBonus
}

// =============================================================================
// STATIC PLAN TABLE - In-memory table built from config
// =============================================================================

// StaticPlanTable is an immutable PlanRateTable.
type StaticPlanTable struct {
	rates map[PlanCode]PlanRate
	bonus MembershipBonus
}

// NewStaticPlanTable copies the given rates into a new table.
func NewStaticPlanTable(bonus MembershipBonus, rates ...PlanRate) *StaticPlanTable {
	m := make(map[PlanCode]PlanRate, len(rates))
	for _, r := range rates {
		m[r.PlanCode] = r
	}
	return &StaticPlanTable{rates: m, bonus: bonus}
}

func (t *StaticPlanTable) Lookup(code PlanCode) (PlanRate, bool) {
	r, ok := t.rates[code]
	return r, ok
}

func (t *StaticPlanTable) Membership() MembershipBonus {
	return t.bonus
}

// Rates returns all rates sorted by plan code.
func (t *StaticPlanTable) Rates() []PlanRate {
	out := make([]PlanRate, 0, len(t.rates))
	for _, r := range t.rates {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanCode < out[j].PlanCode })
	return out
}
