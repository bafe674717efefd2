package generic

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COMMISSION TYPE - Closed enumeration of row kinds
// =============================================================================

type CommissionType string

const (
	CommissionPlanOutright       CommissionType = "plan_outright"       // Months within the first 12 of the contract
	CommissionPlanMonthly        CommissionType = "plan_monthly"        // Months beyond the outright cap
	CommissionMembershipOutright CommissionType = "membership_outright" // Fixed bonus on the qualifying membership fee
	CommissionMembershipMonthly  CommissionType = "membership_monthly"  // Fixed bonus on the qualifying membership fee
	CommissionRecruiterBonus     CommissionType = "recruiter_bonus"     // Override paid to the recruiting agent
)

// AllCommissionTypes lists every type in display order.
var AllCommissionTypes = []CommissionType{
	CommissionPlanOutright,
	CommissionPlanMonthly,
	CommissionMembershipOutright,
	CommissionMembershipMonthly,
	CommissionRecruiterBonus,
}

func (t CommissionType) Valid() bool {
	switch t {
	case CommissionPlanOutright, CommissionPlanMonthly,
		CommissionMembershipOutright, CommissionMembershipMonthly,
		CommissionRecruiterBonus:
		return true
	}
	return false
}

// IsOutright reports whether rows of this type count toward the 12-month outright cap.
func (t CommissionType) IsOutright() bool {
	return t == CommissionPlanOutright
}

// IsPlan reports whether rows of this type are month-divided plan commission.
func (t CommissionType) IsPlan() bool {
	return t == CommissionPlanOutright || t == CommissionPlanMonthly
}

func ParseCommissionType(s string) (CommissionType, error) {
	t := CommissionType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown commission type %q", s)
	}
	return t, nil
}

// CommissionStatus is the only mutable field of a row.
type CommissionStatus string

const (
	CommissionPending  CommissionStatus = "pending"
	CommissionReleased CommissionStatus = "released"
)

func ParseCommissionStatus(s string) (CommissionStatus, error) {
	switch CommissionStatus(s) {
	case CommissionPending, CommissionReleased:
		return CommissionStatus(s), nil
	}
	return "", fmt.Errorf("unknown commission status %q", s)
}

// =============================================================================
// COMMISSION ROW - Derived, append-only
// =============================================================================

type CommissionRowID string

// CommissionRow is one commission entry derived from one payment.
//
// INVARIANTS:
//   - For a regular payment, MonthsCovered over its plan rows sums to
//     floor(amount / monthlyDue).
//   - Outright months for a contract never exceed 12 over its lifetime.
//   - Only Status changes after insert.
type CommissionRow struct {
	ID             CommissionRowID
	AgentID        AgentID
	ContractID     ContractID
	PaymentID      PaymentID
	Type           CommissionType
	PlanCode       PlanCode
	BasisAmount    decimal.Decimal
	MonthsCovered  int
	Amount         decimal.Decimal
	OverrideAmount decimal.NullDecimal // Manual override for bonus rows
	EarnedDate     TimePoint
	Status         CommissionStatus
}

// RowID derives the deterministic id of a row. Replaying the same payment
// always yields the same id, which is what keeps a full recompute idempotent.
func RowID(paymentID PaymentID, t CommissionType, agentID AgentID) CommissionRowID {
	return CommissionRowID(fmt.Sprintf("%s:%s:%s", paymentID, t, agentID))
}

// OutrightMonths sums outright months covered across rows.
func OutrightMonths(rows []CommissionRow) int {
	total := 0
	for _, r := range rows {
		if r.Type.IsOutright() {
			total += r.MonthsCovered
		}
	}
	return total
}
