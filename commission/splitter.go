/*
Package commission splits payments into commission rows.

PURPOSE:
  Converts one payment, plus the contract's earlier payments, into zero or
  more commission rows: outright months, plain monthly months, membership
  bonuses and the recruiter override. Split is a pure function; the engine
  performs all I/O around it.

ALGORITHM (regular payment):
  monthsPaidNow    = floor(amount / monthlyDue)
  totalPrevMonths  = floor(sum(prior amounts) / monthlyDue)
  remaining        = max(0, 12 - totalPrevMonths)
  outrightMonths   = min(monthsPaidNow, remaining)
  monthlyMonths    = monthsPaidNow - outrightMonths

  Each non-empty bucket becomes one row. A recruiter row worth 10% of the
  combined amount follows when the agent has a recruiter.

PRIOR MONTHS:
  Every earlier payment on the contract counts toward totalPrevMonths,
  membership fees included. A 996 fee ahead of a 5976 payment leaves 10
  outright months instead of 12.

PER-PAYMENT MONTHS:
  monthsPaidNow is computed from the single payment, not a running total.
  Two half-month payments therefore earn nothing, even though together they
  cover a month. The cumulative total only moves the outright/monthly split.

MEMBERSHIP:
  A membership-fee payment (flagged by Purpose, never inferred from amount)
  earns the fixed membership bonus once per contract: only the first
  membership payment qualifies.

EXAMPLE:
  Plan: due 498, outright 150, monthly 120.
  Payment 2490 with 10 prior months:
    monthsPaidNow = 5, remaining = 2
    plan_outright: 2 months = 300
    plan_monthly:  3 months = 360

SEE ALSO:
  - ledger.go: Enforces the lifetime outright cap when rows are stored
  - engine/engine.go: Resolves plans and recruiters, persists rows
*/
package commission

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/collections-engine/generic"
)

// OutrightMonthsCap is the number of contract months paid at the outright rate.
const OutrightMonthsCap = 12

// RecruiterShare is the recruiter override as a fraction of the agent's commission.
var RecruiterShare = decimal.New(10, -2)

// SplitInput carries everything Split needs. All fields are plain values.
type SplitInput struct {
	Payment generic.Payment

	// Prior holds the contract's payments that sort before Payment by
	// (DatePaid, Seq). Payment itself must not be included.
	Prior []generic.Payment

	Plan  generic.PlanRate
	Bonus generic.MembershipBonus

	// RecruiterID is the recruiter of the contract's agent, if any.
	RecruiterID *generic.AgentID
}

// Breakdown is the month arithmetic behind a regular payment's rows.
type Breakdown struct {
	MonthsPaidNow   int
	TotalPrevMonths int
	OutrightMonths  int
	MonthlyMonths   int
	OutrightAmount  decimal.Decimal
	MonthlyAmount   decimal.Decimal
}

// Split computes the commission rows for in.Payment. All rows are pending.
func Split(in SplitInput) ([]generic.CommissionRow, error) {
	p := in.Payment
	record := fmt.Sprintf("payment %s", p.ID)
	if p.Amount.IsNegative() {
		return nil, generic.Violation(record, "negative amount %s", p.Amount)
	}

	switch p.Purpose {
	case generic.PurposeMembership:
		return splitMembership(in), nil
	case generic.PurposeRegular:
		if !in.Plan.MonthlyDueAmount.IsPositive() {
			return nil, generic.Violation(record, "plan %s has non-positive monthly due %s", in.Plan.PlanCode, in.Plan.MonthlyDueAmount)
		}
		b := Compute(p.Amount, in.Prior, in.Plan)
		return regularRows(in, b), nil
	default:
		return nil, generic.Violation(record, "unknown purpose %q", p.Purpose)
	}
}

// Compute runs the month arithmetic for a regular payment amount.
func Compute(amount decimal.Decimal, prior []generic.Payment, plan generic.PlanRate) Breakdown {
	var b Breakdown
	b.MonthsPaidNow = int(generic.WholeMonths(amount, plan.MonthlyDueAmount))
	if b.MonthsPaidNow <= 0 {
		b.MonthsPaidNow = 0
		b.OutrightAmount = decimal.Zero
		b.MonthlyAmount = decimal.Zero
		return b
	}

	prevTotal := decimal.Zero
	for _, q := range prior {
		prevTotal = prevTotal.Add(q.Amount)
	}
	b.TotalPrevMonths = int(generic.WholeMonths(prevTotal, plan.MonthlyDueAmount))

	remaining := OutrightMonthsCap - b.TotalPrevMonths
	if remaining < 0 {
		remaining = 0
	}
	b.OutrightMonths = min(b.MonthsPaidNow, remaining)
	b.MonthlyMonths = b.MonthsPaidNow - b.OutrightMonths

	b.OutrightAmount = plan.OutrightCommissionRate.Mul(decimal.NewFromInt(int64(b.OutrightMonths)))
	b.MonthlyAmount = plan.MonthlyCommissionRate.Mul(decimal.NewFromInt(int64(b.MonthlyMonths)))
	return b
}

func regularRows(in SplitInput, b Breakdown) []generic.CommissionRow {
	p := in.Payment
	var rows []generic.CommissionRow
	if b.OutrightMonths > 0 {
		rows = append(rows, newRow(p, p.AgentID, generic.CommissionPlanOutright, p.Amount, b.OutrightMonths, b.OutrightAmount))
	}
	if b.MonthlyMonths > 0 {
		rows = append(rows, newRow(p, p.AgentID, generic.CommissionPlanMonthly, p.Amount, b.MonthlyMonths, b.MonthlyAmount))
	}
	return appendRecruiter(rows, in, b.OutrightAmount.Add(b.MonthlyAmount))
}

func splitMembership(in SplitInput) []generic.CommissionRow {
	if !IsQualifyingMembership(in.Payment, in.Prior) {
		return nil
	}
	p := in.Payment
	rows := []generic.CommissionRow{
		newRow(p, p.AgentID, generic.CommissionMembershipOutright, p.Amount, 0, in.Bonus.Outright),
		newRow(p, p.AgentID, generic.CommissionMembershipMonthly, p.Amount, 0, in.Bonus.Monthly),
	}
	return appendRecruiter(rows, in, in.Bonus.Total())
}

// IsQualifyingMembership reports whether p is the first membership fee on its contract.
func IsQualifyingMembership(p generic.Payment, prior []generic.Payment) bool {
	if p.Purpose != generic.PurposeMembership {
		return false
	}
	for _, q := range prior {
		if q.Purpose == generic.PurposeMembership {
			return false
		}
	}
	return true
}

func appendRecruiter(rows []generic.CommissionRow, in SplitInput, basis decimal.Decimal) []generic.CommissionRow {
	if in.RecruiterID == nil || !basis.IsPositive() {
		return rows
	}
	amount := basis.Mul(RecruiterShare).Round(2)
	return append(rows, newRow(in.Payment, *in.RecruiterID, generic.CommissionRecruiterBonus, basis, 0, amount))
}

func newRow(p generic.Payment, agent generic.AgentID, t generic.CommissionType, basis decimal.Decimal, months int, amount decimal.Decimal) generic.CommissionRow {
	return generic.CommissionRow{
		ID:            generic.RowID(p.ID, t, agent),
		AgentID:       agent,
		ContractID:    p.ContractID,
		PaymentID:     p.ID,
		Type:          t,
		PlanCode:      p.PlanCode,
		BasisAmount:   basis,
		MonthsCovered: months,
		Amount:        amount,
		EarnedDate:    p.DatePaid,
		Status:        generic.CommissionPending,
	}
}

// PriorTo returns the payments in history that sort before p, excluding p itself.
func PriorTo(p generic.Payment, history []generic.Payment) []generic.Payment {
	var prior []generic.Payment
	for _, q := range history {
		if q.ID == p.ID {
			continue
		}
		if q.Before(p) {
			prior = append(prior, q)
		}
	}
	return prior
}
