/*
Package release moves accrued commission into agent wallets, one billing
period at a time.

ELIGIBILITY (Agent Growth Requirement):
  An agent is eligible for period P when, in the billing period before P,
  either
    (a) the agent collected 3 or more membership-fee payments, or
    (b) on some contract the agent collected both a membership fee and a
        regular payment.
  Eligibility is never cached; each run re-reads the qualifying window.

BILLING MONTHS:
  Release windows use generic.BillingMonths (7th through the 6th of the next
  month). Statements and commission splitting use calendar months.

SEE ALSO:
  - receivable.go: Amount released for a period
  - scheduler.go: Per-agent release workflow
*/
package release

import (
	"sort"

	"github.com/warp/collections-engine/generic"
)

// MinMembershipPayments is the membership-count threshold of rule (a).
const MinMembershipPayments = 3

// Rule names which AGR clause made an agent eligible.
type Rule string

const (
	RuleNone       Rule = ""
	RuleMembership Rule = "membership_count"
	RuleMix        Rule = "membership_and_regular"
)

// Eligibility is the AGR evaluation of one agent over one qualifying window.
type Eligibility struct {
	Window          generic.Period
	MembershipCount int
	RegularCount    int

	// MixedContracts lists contracts with both payment kinds in the window.
	MixedContracts []generic.ContractID

	Eligible bool
	Rule     Rule
}

// CheckEligibility evaluates AGR over the agent's payments in the qualifying window.
// The caller is responsible for passing only payments inside the window.
func CheckEligibility(payments []generic.Payment) Eligibility {
	type kinds struct{ membership, regular bool }
	perContract := make(map[generic.ContractID]*kinds)

	var e Eligibility
	for _, p := range payments {
		k := perContract[p.ContractID]
		if k == nil {
			k = &kinds{}
			perContract[p.ContractID] = k
		}
		switch p.Purpose {
		case generic.PurposeMembership:
			e.MembershipCount++
			k.membership = true
		case generic.PurposeRegular:
			e.RegularCount++
			k.regular = true
		}
	}

	for id, k := range perContract {
		if k.membership && k.regular {
			e.MixedContracts = append(e.MixedContracts, id)
		}
	}
	sort.Slice(e.MixedContracts, func(i, j int) bool { return e.MixedContracts[i] < e.MixedContracts[j] })

	switch {
	case e.MembershipCount >= MinMembershipPayments:
		e.Eligible, e.Rule = true, RuleMembership
	case len(e.MixedContracts) > 0:
		e.Eligible, e.Rule = true, RuleMix
	}
	return e
}
