package release

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/collections-engine/generic"
)

// ReceivableTotal sums what a period releases from the agent's rows.
//
// Recruiter rows contribute their override when one is set. Plan and
// membership rows contribute their amount. Rows already released are
// skipped. An unrecognised type is an error rather than a silent zero.
func ReceivableTotal(rows []generic.CommissionRow) (decimal.Decimal, error) {
	total, _, err := Receivable(rows)
	return total, err
}

// Receivable is ReceivableTotal plus the ids of the rows it summed.
func Receivable(rows []generic.CommissionRow) (decimal.Decimal, []generic.CommissionRowID, error) {
	total := decimal.Zero
	var ids []generic.CommissionRowID
	for _, r := range rows {
		if r.Status == generic.CommissionReleased {
			continue
		}
		amount, err := receivable(r)
		if err != nil {
			return decimal.Zero, nil, err
		}
		total = total.Add(amount)
		ids = append(ids, r.ID)
	}
	return total, ids, nil
}

func receivable(r generic.CommissionRow) (decimal.Decimal, error) {
	switch r.Type {
	case generic.CommissionRecruiterBonus:
		if r.OverrideAmount.Valid {
			return r.OverrideAmount.Decimal, nil
		}
		return r.Amount, nil
	case generic.CommissionPlanOutright, generic.CommissionPlanMonthly,
		generic.CommissionMembershipOutright, generic.CommissionMembershipMonthly:
		return r.Amount, nil
	default:
		return decimal.Zero, generic.Violation(fmt.Sprintf("commission row %s", r.ID), "unknown type %q", r.Type)
	}
}
