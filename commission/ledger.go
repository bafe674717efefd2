/*
ledger.go - Commission ledger with the outright-cap invariant

PURPOSE:
  Wraps the generic commission ledger with the commission-specific rule:
  a contract never earns more than 12 outright months over its lifetime.

INVARIANT:
  sum(MonthsCovered of plan_outright rows for contract) <= 12

  Split already respects the cap when it is handed the complete prior
  history. The ledger re-checks against what is actually stored, which
  catches a backdated payment replayed against a ledger that already holds
  rows for later payments.

WHAT IT CHECKS:
  1. Every row in the batch belongs to the contract being appended
  2. Stored outright months + batch outright months <= 12
  3. Duplicate ids (delegated to generic.Ledger / the store)

ERROR HANDLING:
  A cap overflow is an InvariantViolationError naming the contract. The
  engine logs it and asks the operator to run a full recompute.

SEE ALSO:
  - generic/ledger.go: Base ledger interface
  - splitter.go: Produces the rows
*/
package commission

import (
	"context"
	"fmt"

	"github.com/warp/collections-engine/generic"
)

// =============================================================================
// COMMISSION LEDGER - Wrapper with the outright cap
// =============================================================================

type Ledger struct {
	generic.Ledger
}

func NewLedger(store generic.CommissionStore) *Ledger {
	return &Ledger{Ledger: generic.NewLedger(store)}
}

// AppendForContract appends rows derived from one contract's payments.
func (l *Ledger) AppendForContract(ctx context.Context, contractID generic.ContractID, rows []generic.CommissionRow) error {
	if len(rows) == 0 {
		return nil
	}
	record := fmt.Sprintf("contract %s", contractID)
	for _, r := range rows {
		if r.ContractID != contractID {
			return generic.Violation(record, "row %s belongs to contract %s", r.ID, r.ContractID)
		}
	}

	added := generic.OutrightMonths(rows)
	if added > 0 {
		existing, err := l.ContractRows(ctx, contractID)
		if err != nil {
			return err
		}
		if have := generic.OutrightMonths(existing); have+added > OutrightMonthsCap {
			return generic.Violation(record, "outright months would reach %d (cap %d)", have+added, OutrightMonthsCap)
		}
	}
	return l.Append(ctx, rows)
}

// =============================================================================
// PLAN RESOLUTION
// =============================================================================

// ResolvePlan looks up the payment's plan, failing with UnknownPlanError.
func ResolvePlan(table generic.PlanRateTable, p generic.Payment) (generic.PlanRate, error) {
	rate, ok := table.Lookup(p.PlanCode)
	if !ok {
		return generic.PlanRate{}, &generic.UnknownPlanError{PlanCode: p.PlanCode, PaymentID: p.ID}
	}
	return rate, nil
}
