/*
store.go - Persistence interfaces consumed by the engine

PURPOSE:
  Defines the interface between the derivation logic and the data store.
  Storage itself is an external collaborator; the engine only needs the
  simple CRUD calls below. Different implementations use SQLite, PostgreSQL,
  or in-memory storage.

KEY INTERFACES:
  PaymentStore:    Source-of-truth payments (the ledger source)
  DirectoryStore:  Agents (with recruiters) and contracts (with start dates)
  CommissionStore: Derived commission rows (append-only, status mutable)
  RollupStore:     Per-agent, per-period release state
  WalletStore:     Withdrawable balances with an atomic increment
  TxStore:         All of the above plus atomic multi-write units

APPEND-ONLY CONTRACT:
  Commission rows are inserted, never edited, except for Status.
  DeleteAllCommissionRows exists only for the bulk recompute, which wipes and
  replays the whole payment history.

ATOMICITY:
  IncrementWalletBalance must be a single server-side increment
  (balance = balance + delta); never read-modify-write in the application.
  UpdateRollupStatus is conditional on the current status differing from the
  target, so two racing releases flip a rollup at most once.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - engine/engine.go: Orchestration over TxStore
  - release/scheduler.go: Wallet increment + rollup flip in one WithTx
*/
package generic

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYMENT STORE - Ledger source
// =============================================================================

type PaymentStore interface {
	// RecordPayment persists a payment and returns it with Seq assigned.
	// Returns ErrDuplicateIdempotencyKey if the payment id exists.
	RecordPayment(ctx context.Context, p Payment) (Payment, error)

	// ListPaymentsForContract returns all payments for a contract ordered by (DatePaid, Seq).
	ListPaymentsForContract(ctx context.Context, contractID ContractID) ([]Payment, error)

	// ListPaymentsForAgentInRange returns payments collected by an agent with
	// from <= DatePaid < toExclusive, ordered by (DatePaid, Seq).
	ListPaymentsForAgentInRange(ctx context.Context, agentID AgentID, from, toExclusive TimePoint) ([]Payment, error)

	// ListContractIDs returns every contract that has at least one payment.
	ListContractIDs(ctx context.Context) ([]ContractID, error)
}

// =============================================================================
// DIRECTORY STORE - Agents and contracts
// =============================================================================

type DirectoryStore interface {
	SaveAgent(ctx context.Context, a Agent) error
	// GetAgent returns ErrNotFound if the agent doesn't exist.
	GetAgent(ctx context.Context, id AgentID) (Agent, error)
	ListAgents(ctx context.Context) ([]Agent, error)

	SaveContract(ctx context.Context, c Contract) error
	// GetContract returns ErrNotFound if the contract doesn't exist.
	GetContract(ctx context.Context, id ContractID) (Contract, error)
}

// =============================================================================
// COMMISSION STORE - Derived rows
// =============================================================================

type CommissionStore interface {
	// InsertCommissionRows appends rows atomically. Either all succeed or none do.
	InsertCommissionRows(ctx context.Context, rows []CommissionRow) error

	// DeleteAllCommissionRows wipes every row. Bulk recompute only.
	DeleteAllCommissionRows(ctx context.Context) error

	ListCommissionRowsForContract(ctx context.Context, contractID ContractID) ([]CommissionRow, error)

	// ListCommissionRowsForAgentInRange returns rows earned by an agent with
	// from <= EarnedDate < toExclusive.
	ListCommissionRowsForAgentInRange(ctx context.Context, agentID AgentID, from, toExclusive TimePoint) ([]CommissionRow, error)

	// MarkCommissionRowsReleased flips Status to released for exactly the
	// given rows. Unknown ids are ignored.
	MarkCommissionRowsReleased(ctx context.Context, ids []CommissionRowID) error
}

// =============================================================================
// ROLLUP STORE - Release state
// =============================================================================

type RollupStore interface {
	// GetOrCreateRollup returns the rollup for (agent, period), creating it
	// as unreleased if missing.
	GetOrCreateRollup(ctx context.Context, agentID AgentID, period BillingPeriod) (ReleaseRollup, error)

	// UpdateRollupStatus sets status WHERE status != target and reports
	// whether a row changed. releasedAmount is recorded with the transition.
	UpdateRollupStatus(ctx context.Context, agentID AgentID, period BillingPeriod, status RollupStatus, releasedAmount decimal.Decimal) (bool, error)

	// ListRollups returns an agent's rollups ordered by period.
	ListRollups(ctx context.Context, agentID AgentID) ([]ReleaseRollup, error)
}

// =============================================================================
// WALLET STORE
// =============================================================================

type WalletStore interface {
	// IncrementWalletBalance adds amount to balance and lifetime commission
	// in one atomic operation, creating the wallet if needed.
	IncrementWalletBalance(ctx context.Context, agentID AgentID, amount decimal.Decimal) error

	// GetWallet returns a zero balance for agents without a wallet.
	GetWallet(ctx context.Context, agentID AgentID) (WalletBalance, error)
}

// =============================================================================
// COMBINED + TRANSACTIONAL STORE
// =============================================================================

type Store interface {
	PaymentStore
	DirectoryStore
	CommissionStore
	RollupStore
	WalletStore
}

// TxStore wraps Store with transaction support.
// Use this when you need atomic operations (recording a payment with its
// commission rows, or a wallet increment with its rollup transition).
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
