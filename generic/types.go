/*
Package generic provides the core types of the payment ledger derivation engine.

PURPOSE:
  This package contains the storage-facing vocabulary shared by every part of
  the engine: payments collected against contracts, the commission rows derived
  from them, release rollups, wallets and plan rates. Algorithms live in the
  domain packages (commission, release, contestability); this package only
  defines what they read and write.

KEY CONCEPTS IN THIS FILE (types.go):
  - Payment: An immutable collection record (regular installment or membership fee)
  - Agent / Contract: Directory data owned by the external store
  - Typed identifiers so agent, contract and payment IDs cannot be mixed

DESIGN PRINCIPLES:
  1. Immutability: Payments are never modified by the engine
  2. Precision: Money uses decimal.Decimal, never float64
  3. Type Safety: Strong typing for IDs and closed enumerations for tags
  4. Re-derivability: Everything except payments and directory data can be
     rebuilt from the payment history (see engine.RunFullRecompute)

USAGE:
  p := generic.Payment{
      ID:         "pay-001",
      ContractID: "ctr-001",
      AgentID:    "agent-7",
      Amount:     decimal.NewFromInt(2490),
      DatePaid:   generic.NewTimePoint(2025, time.March, 10),
      Purpose:    generic.PurposeRegular,
      PlanCode:   "PLAN-A",
  }

SEE ALSO:
  - commission.go: Commission rows derived from payments
  - rollup.go: Per-agent, per-period release state
  - store.go: Persistence interfaces
*/
package generic

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AgentID string
type ContractID string
type PaymentID string
type PlanCode string

// =============================================================================
// PAYMENT - Immutable collection record
// =============================================================================

// PaymentPurpose tags what a payment pays for.
type PaymentPurpose string

const (
	PurposeRegular    PaymentPurpose = "regular"    // Installment against the plan's monthly due
	PurposeMembership PaymentPurpose = "membership" // Membership fee, flagged explicitly by the collector
)

// Valid reports whether p is one of the known purposes.
func (p PaymentPurpose) Valid() bool {
	switch p {
	case PurposeRegular, PurposeMembership:
		return true
	}
	return false
}

// ParsePaymentPurpose converts a stored or submitted tag to a PaymentPurpose.
func ParsePaymentPurpose(s string) (PaymentPurpose, error) {
	p := PaymentPurpose(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown payment purpose %q", s)
	}
	return p, nil
}

type Payment struct {
	ID         PaymentID
	ContractID ContractID
	AgentID    AgentID // Agent who collected the payment
	Amount     decimal.Decimal
	DatePaid   TimePoint
	Purpose    PaymentPurpose
	PlanCode   PlanCode

	// Seq is the insertion id assigned by the store. It breaks ties between
	// payments recorded on the same day.
	Seq int64
}

// Before reports whether p sorts before other by (DatePaid, Seq).
func (p Payment) Before(other Payment) bool {
	if !p.DatePaid.Equal(other.DatePaid) {
		return p.DatePaid.Before(other.DatePaid)
	}
	return p.Seq < other.Seq
}

// =============================================================================
// DIRECTORY - Agents and contracts (externally owned)
// =============================================================================

type Agent struct {
	ID          AgentID
	Name        string
	RecruiterID *AgentID // Agent who recruited this one, if any
}

type Contract struct {
	ID        ContractID
	AgentID   AgentID // Selling agent
	PlanCode  PlanCode
	StartDate TimePoint
}

// =============================================================================
// DECIMAL HELPERS
// =============================================================================

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// WholeMonths returns floor(amount / due) for non-negative amounts.
// A non-positive due yields zero.
func WholeMonths(amount, due decimal.Decimal) int64 {
	if !due.IsPositive() || amount.IsNegative() {
		return 0
	}
	q, _ := amount.QuoRem(due, 0)
	return q.IntPart()
}

// ToCents converts a money amount to integer minor units, rounding half away from zero.
func ToCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// FromCents converts integer minor units back to a money amount.
func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}
