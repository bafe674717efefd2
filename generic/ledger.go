/*
ledger.go - Append-only commission ledger

PURPOSE:
  The commission ledger holds every commission row derived from payments.
  Rows are appended when a payment is recorded and replayed wholesale by the
  bulk recompute. Only the Status field ever changes after insert.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update except Status, no Delete except full recompute
  2. DETERMINISTIC IDS: Replaying a payment produces the same row ids
  3. IDEMPOTENT: Same id = same row (no duplicates within or across batches)

CORRECTIONS:
  There is no per-payment delete path. After an operator edits or deletes a
  payment, the whole ledger is rebuilt from the payment history
  (engine.RunFullRecompute). This is the canonical recovery procedure.

SEE ALSO:
  - store.go: Low-level persistence interface
  - commission/ledger.go: Domain wrapper enforcing the outright cap
*/
package generic

import (
	"context"
	"fmt"
)

// =============================================================================
// LEDGER - Append-only commission log
// =============================================================================

// Ledger is the source of truth for derived commission.
//
// INVARIANTS:
//   - Append-only: Only Status changes after insert.
//   - Row ids are unique.
type Ledger interface {
	// Append adds rows atomically. Fails with ErrDuplicateIdempotencyKey if
	// two rows in the batch share an id.
	Append(ctx context.Context, rows []CommissionRow) error

	// ContractRows returns all rows for a contract.
	ContractRows(ctx context.Context, contractID ContractID) ([]CommissionRow, error)

	// AgentRowsIn returns the agent's rows earned within the period.
	AgentRowsIn(ctx context.Context, agentID AgentID, period Period) ([]CommissionRow, error)
}

// =============================================================================
// DEFAULT LEDGER - Implementation using CommissionStore
// =============================================================================

type DefaultLedger struct {
	Store CommissionStore
}

func NewLedger(store CommissionStore) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

func (l *DefaultLedger) Append(ctx context.Context, rows []CommissionRow) error {
	if len(rows) == 0 {
		return nil
	}
	seen := make(map[CommissionRowID]bool, len(rows))
	for _, r := range rows {
		if !r.Type.Valid() {
			return Violation(fmt.Sprintf("commission row %s", r.ID), "unknown type %q", r.Type)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: row %s repeated in batch", ErrDuplicateIdempotencyKey, r.ID)
		}
		seen[r.ID] = true
	}
	return l.Store.InsertCommissionRows(ctx, rows)
}

func (l *DefaultLedger) ContractRows(ctx context.Context, contractID ContractID) ([]CommissionRow, error) {
	return l.Store.ListCommissionRowsForContract(ctx, contractID)
}

func (l *DefaultLedger) AgentRowsIn(ctx context.Context, agentID AgentID, period Period) ([]CommissionRow, error) {
	return l.Store.ListCommissionRowsForAgentInRange(ctx, agentID, period.Start, period.EndExclusive())
}
