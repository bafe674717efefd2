package generic

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RELEASE ROLLUP - One row per (agent, billing period)
// =============================================================================

// ReleaseRollup records whether an agent's commission for a billing period has
// been moved into the wallet. Created lazily the first time the scheduler
// looks at the period and never deleted.
//
// INVARIANT: at most one unreleased -> released transition per key.
type ReleaseRollup struct {
	AgentID        AgentID
	Period         BillingPeriod
	Status         RollupStatus
	ReleasedAmount decimal.Decimal
	ReleasedAt     *time.Time
	CreatedAt      time.Time
}

type RollupStatus string

const (
	RollupUnreleased RollupStatus = "unreleased"
	RollupReleased   RollupStatus = "released"
)

func ParseRollupStatus(s string) (RollupStatus, error) {
	switch RollupStatus(s) {
	case RollupUnreleased, RollupReleased:
		return RollupStatus(s), nil
	}
	return "", fmt.Errorf("unknown rollup status %q", s)
}

// IsReleased reports whether the period has already been paid out.
func (r ReleaseRollup) IsReleased() bool {
	return r.Status == RollupReleased
}

// =============================================================================
// WALLET - Withdrawable balance per agent
// =============================================================================

// WalletBalance is mutated only by atomic increments triggered by a rollup
// release. No debits exist in this engine, so both fields only grow.
type WalletBalance struct {
	AgentID            AgentID
	Balance            decimal.Decimal
	LifetimeCommission decimal.Decimal
	UpdatedAt          time.Time
}
