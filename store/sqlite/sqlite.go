/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements generic.TxStore using SQLite. The PostgreSQL adapter in
  store/postgres follows the same shape with dialect differences only.

KEY TABLES:
  payments:         Source-of-truth ledger (seq = arrival order)
  agents:           Directory, with optional recruiter
  contracts:        Directory, with plan code and start date
  commission_rows:  Derived rows; only status is ever updated
  rollups:          One row per (agent, billing period)
  wallets:          Balances in integer cents

INDEXES:
  - idx_payments_contract_date: Contract history (hot path for Split)
  - idx_payments_agent_date:    AGR eligibility window
  - idx_rows_agent_earned:      Receivable totals per billing window
  - idx_rows_contract:          Lifetime outright cap

ATOMICITY:
  Wallet increments are a single UPSERT (balance = balance + delta).
  Rollup transitions are UPDATE ... WHERE status != target; the affected-row
  count tells the caller whether it won.

CONCURRENCY:
  SQLite permits one writer. The pool is capped at a single connection, so
  statements and transactions are serialized by database/sql itself. A
  transaction view only ever talks to its *sql.Tx.

DATES AND MONEY:
  Dates are stored as YYYY-MM-DD text, which sorts chronologically.
  Amounts are stored as decimal strings; wallets as integer cents so the
  increment stays server-side.

USAGE:
  store, err := sqlite.New("./data/collections.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - generic/store.go: Interface definitions
  - store/postgres: Production adapter with goose migrations
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/collections-engine/generic"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements generic.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
}

// queries holds every statement; Store and the transaction view share it.
type queries struct {
	q querier
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every :memory: connection is a separate database; files get one
	// writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for stats collection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS payments (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		contract_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		date_paid TEXT NOT NULL,
		purpose TEXT NOT NULL CHECK (purpose IN ('regular', 'membership')),
		plan_code TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_contract_date
		ON payments(contract_id, date_paid, seq);
	CREATE INDEX IF NOT EXISTS idx_payments_agent_date
		ON payments(agent_id, date_paid);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		recruiter_id TEXT
	);

	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		plan_code TEXT NOT NULL,
		start_date TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commission_rows (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		contract_id TEXT NOT NULL,
		payment_id TEXT NOT NULL,
		type TEXT NOT NULL,
		plan_code TEXT NOT NULL,
		basis_amount TEXT NOT NULL,
		months_covered INTEGER NOT NULL DEFAULT 0,
		amount TEXT NOT NULL,
		override_amount TEXT,
		earned_date TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
	);

	CREATE INDEX IF NOT EXISTS idx_rows_agent_earned
		ON commission_rows(agent_id, earned_date);
	CREATE INDEX IF NOT EXISTS idx_rows_contract
		ON commission_rows(contract_id);

	CREATE TABLE IF NOT EXISTS rollups (
		agent_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'unreleased',
		released_amount TEXT NOT NULL DEFAULT '0',
		released_at TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (agent_id, year, month)
	);

	CREATE TABLE IF NOT EXISTS wallets (
		agent_id TEXT PRIMARY KEY,
		balance_cents INTEGER NOT NULL DEFAULT 0,
		lifetime_cents INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return generic.Unavailable("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return generic.Unavailable("commit", err)
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"commission_rows", "rollups", "wallets", "payments", "contracts", "agents"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return generic.Unavailable("reset "+table, err)
		}
	}
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (s *queries) RecordPayment(ctx context.Context, p generic.Payment) (generic.Payment, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO payments (id, contract_id, agent_id, amount, date_paid, purpose, plan_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ContractID, p.AgentID, p.Amount.String(), p.DatePaid.String(),
		p.Purpose, p.PlanCode, now())
	if isUniqueConstraintError(err) {
		return generic.Payment{}, fmt.Errorf("%w: payment %s", generic.ErrDuplicateIdempotencyKey, p.ID)
	}
	if err != nil {
		return generic.Payment{}, generic.Unavailable("record payment", err)
	}
	p.Seq, err = res.LastInsertId()
	if err != nil {
		return generic.Payment{}, generic.Unavailable("record payment", err)
	}
	return p, nil
}

const paymentColumns = `seq, id, contract_id, agent_id, amount, date_paid, purpose, plan_code`

func (s *queries) ListPaymentsForContract(ctx context.Context, contractID generic.ContractID) ([]generic.Payment, error) {
	return s.queryPayments(ctx, "list payments for contract", `
		SELECT `+paymentColumns+` FROM payments
		WHERE contract_id = ?
		ORDER BY date_paid, seq`, contractID)
}

func (s *queries) ListPaymentsForAgentInRange(ctx context.Context, agentID generic.AgentID, from, toExclusive generic.TimePoint) ([]generic.Payment, error) {
	return s.queryPayments(ctx, "list payments for agent", `
		SELECT `+paymentColumns+` FROM payments
		WHERE agent_id = ? AND date_paid >= ? AND date_paid < ?
		ORDER BY date_paid, seq`, agentID, from.String(), toExclusive.String())
}

func (s *queries) ListContractIDs(ctx context.Context) ([]generic.ContractID, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT DISTINCT contract_id FROM payments ORDER BY contract_id`)
	if err != nil {
		return nil, generic.Unavailable("list contracts", err)
	}
	defer rows.Close()

	var ids []generic.ContractID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, generic.Unavailable("list contracts", err)
		}
		ids = append(ids, generic.ContractID(id))
	}
	return ids, generic.Unavailable("list contracts", rows.Err())
}

func (s *queries) queryPayments(ctx context.Context, op, query string, args ...any) ([]generic.Payment, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, generic.Unavailable(op, err)
	}
	defer rows.Close()

	var result []generic.Payment
	for rows.Next() {
		var (
			p                                 generic.Payment
			id, contract, agent, amount, paid string
			purpose, plan                     string
		)
		if err := rows.Scan(&p.Seq, &id, &contract, &agent, &amount, &paid, &purpose, &plan); err != nil {
			return nil, generic.Unavailable(op, err)
		}
		p.ID = generic.PaymentID(id)
		p.ContractID = generic.ContractID(contract)
		p.AgentID = generic.AgentID(agent)
		p.Purpose = generic.PaymentPurpose(purpose)
		p.PlanCode = generic.PlanCode(plan)
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("payment %s amount: %w", id, err)
		}
		if p.DatePaid, err = generic.ParseDate(paid); err != nil {
			return nil, fmt.Errorf("payment %s date: %w", id, err)
		}
		result = append(result, p)
	}
	return result, generic.Unavailable(op, rows.Err())
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (s *queries) SaveAgent(ctx context.Context, a generic.Agent) error {
	var recruiter sql.NullString
	if a.RecruiterID != nil {
		recruiter = sql.NullString{String: string(*a.RecruiterID), Valid: true}
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO agents (id, name, recruiter_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, recruiter_id = excluded.recruiter_id`,
		a.ID, a.Name, recruiter)
	return generic.Unavailable("save agent", err)
}

func (s *queries) GetAgent(ctx context.Context, id generic.AgentID) (generic.Agent, error) {
	a, err := scanAgent(s.q.QueryRowContext(ctx, `SELECT id, name, recruiter_id FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Agent{}, fmt.Errorf("agent %s: %w", id, generic.ErrNotFound)
	}
	return a, generic.Unavailable("get agent", err)
}

func (s *queries) ListAgents(ctx context.Context) ([]generic.Agent, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, name, recruiter_id FROM agents ORDER BY id`)
	if err != nil {
		return nil, generic.Unavailable("list agents", err)
	}
	defer rows.Close()

	var out []generic.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, generic.Unavailable("list agents", err)
		}
		out = append(out, a)
	}
	return out, generic.Unavailable("list agents", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (generic.Agent, error) {
	var (
		id, name  string
		recruiter sql.NullString
	)
	if err := row.Scan(&id, &name, &recruiter); err != nil {
		return generic.Agent{}, err
	}
	a := generic.Agent{ID: generic.AgentID(id), Name: name}
	if recruiter.Valid {
		r := generic.AgentID(recruiter.String)
		a.RecruiterID = &r
	}
	return a, nil
}

func (s *queries) SaveContract(ctx context.Context, c generic.Contract) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO contracts (id, agent_id, plan_code, start_date) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET agent_id = excluded.agent_id,
			plan_code = excluded.plan_code, start_date = excluded.start_date`,
		c.ID, c.AgentID, c.PlanCode, c.StartDate.String())
	return generic.Unavailable("save contract", err)
}

func (s *queries) GetContract(ctx context.Context, id generic.ContractID) (generic.Contract, error) {
	var agent, plan, start string
	err := s.q.QueryRowContext(ctx, `SELECT agent_id, plan_code, start_date FROM contracts WHERE id = ?`, id).
		Scan(&agent, &plan, &start)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Contract{}, fmt.Errorf("contract %s: %w", id, generic.ErrNotFound)
	}
	if err != nil {
		return generic.Contract{}, generic.Unavailable("get contract", err)
	}
	startDate, err := generic.ParseDate(start)
	if err != nil {
		return generic.Contract{}, fmt.Errorf("contract %s start date: %w", id, err)
	}
	return generic.Contract{ID: id, AgentID: generic.AgentID(agent), PlanCode: generic.PlanCode(plan), StartDate: startDate}, nil
}

// =============================================================================
// COMMISSION ROWS
// =============================================================================

// InsertCommissionRows inserts all rows or none. Outside a transaction it
// opens its own.
func (s *Store) InsertCommissionRows(ctx context.Context, rows []generic.CommissionRow) error {
	return s.WithTx(ctx, func(tx generic.Store) error {
		return tx.InsertCommissionRows(ctx, rows)
	})
}

func (s *queries) InsertCommissionRows(ctx context.Context, rows []generic.CommissionRow) error {
	for _, r := range rows {
		var override sql.NullString
		if r.OverrideAmount.Valid {
			override = sql.NullString{String: r.OverrideAmount.Decimal.String(), Valid: true}
		}
		status := r.Status
		if status == "" {
			status = generic.CommissionPending
		}
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO commission_rows
				(id, agent_id, contract_id, payment_id, type, plan_code, basis_amount,
				 months_covered, amount, override_amount, earned_date, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.AgentID, r.ContractID, r.PaymentID, r.Type, r.PlanCode, r.BasisAmount.String(),
			r.MonthsCovered, r.Amount.String(), override, r.EarnedDate.String(), status)
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: commission row %s", generic.ErrDuplicateIdempotencyKey, r.ID)
		}
		if err != nil {
			return generic.Unavailable("insert commission row", err)
		}
	}
	return nil
}

func (s *queries) DeleteAllCommissionRows(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM commission_rows`)
	return generic.Unavailable("delete commission rows", err)
}

const rowColumns = `id, agent_id, contract_id, payment_id, type, plan_code, basis_amount,
	months_covered, amount, override_amount, earned_date, status`

func (s *queries) ListCommissionRowsForContract(ctx context.Context, contractID generic.ContractID) ([]generic.CommissionRow, error) {
	return s.queryRows(ctx, "list rows for contract",
		`SELECT `+rowColumns+` FROM commission_rows WHERE contract_id = ? ORDER BY rowid`, contractID)
}

func (s *queries) ListCommissionRowsForAgentInRange(ctx context.Context, agentID generic.AgentID, from, toExclusive generic.TimePoint) ([]generic.CommissionRow, error) {
	return s.queryRows(ctx, "list rows for agent", `
		SELECT `+rowColumns+` FROM commission_rows
		WHERE agent_id = ? AND earned_date >= ? AND earned_date < ?
		ORDER BY rowid`, agentID, from.String(), toExclusive.String())
}

func (s *queries) MarkCommissionRowsReleased(ctx context.Context, ids []generic.CommissionRowID) error {
	for _, id := range ids {
		if _, err := s.q.ExecContext(ctx,
			`UPDATE commission_rows SET status = ? WHERE id = ?`, generic.CommissionReleased, id); err != nil {
			return generic.Unavailable("mark rows released", err)
		}
	}
	return nil
}

func (s *queries) queryRows(ctx context.Context, op, query string, args ...any) ([]generic.CommissionRow, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, generic.Unavailable(op, err)
	}
	defer rows.Close()

	var out []generic.CommissionRow
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, generic.Unavailable(op, rows.Err())
}

func scanRow(rows *sql.Rows) (generic.CommissionRow, error) {
	var (
		r                                       generic.CommissionRow
		id, agent, contract, payment, typ, plan string
		basis, amount, earned, status           string
		override                                sql.NullString
	)
	if err := rows.Scan(&id, &agent, &contract, &payment, &typ, &plan, &basis,
		&r.MonthsCovered, &amount, &override, &earned, &status); err != nil {
		return r, generic.Unavailable("scan commission row", err)
	}
	r.ID = generic.CommissionRowID(id)
	r.AgentID = generic.AgentID(agent)
	r.ContractID = generic.ContractID(contract)
	r.PaymentID = generic.PaymentID(payment)
	r.Type = generic.CommissionType(typ)
	r.PlanCode = generic.PlanCode(plan)
	r.Status = generic.CommissionStatus(status)
	r.BasisAmount = generic.MustParseDecimal(basis)
	r.Amount = generic.MustParseDecimal(amount)
	if override.Valid {
		r.OverrideAmount = decimal.NewNullDecimal(generic.MustParseDecimal(override.String))
	}
	var err error
	if r.EarnedDate, err = generic.ParseDate(earned); err != nil {
		return r, fmt.Errorf("commission row %s earned date: %w", id, err)
	}
	return r, nil
}

// =============================================================================
// ROLLUPS
// =============================================================================

func (s *queries) GetOrCreateRollup(ctx context.Context, agentID generic.AgentID, period generic.BillingPeriod) (generic.ReleaseRollup, error) {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO rollups (agent_id, year, month, status, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, year, month) DO NOTHING`,
		agentID, period.Year, int(period.Month), generic.RollupUnreleased, now())
	if err != nil {
		return generic.ReleaseRollup{}, generic.Unavailable("create rollup", err)
	}
	r, err := scanRollup(s.q.QueryRowContext(ctx, `
		SELECT agent_id, year, month, status, released_amount, released_at, created_at
		FROM rollups WHERE agent_id = ? AND year = ? AND month = ?`,
		agentID, period.Year, int(period.Month)))
	return r, generic.Unavailable("get rollup", err)
}

func (s *queries) UpdateRollupStatus(ctx context.Context, agentID generic.AgentID, period generic.BillingPeriod, status generic.RollupStatus, releasedAmount decimal.Decimal) (bool, error) {
	var releasedAt sql.NullString
	if status == generic.RollupReleased {
		releasedAt = sql.NullString{String: now(), Valid: true}
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE rollups SET status = ?, released_amount = ?, released_at = ?
		WHERE agent_id = ? AND year = ? AND month = ? AND status != ?`,
		status, releasedAmount.String(), releasedAt, agentID, period.Year, int(period.Month), status)
	if err != nil {
		return false, generic.Unavailable("update rollup", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, generic.Unavailable("update rollup", err)
	}
	return n > 0, nil
}

func (s *queries) ListRollups(ctx context.Context, agentID generic.AgentID) ([]generic.ReleaseRollup, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT agent_id, year, month, status, released_amount, released_at, created_at
		FROM rollups WHERE agent_id = ? ORDER BY year, month`, agentID)
	if err != nil {
		return nil, generic.Unavailable("list rollups", err)
	}
	defer rows.Close()

	var out []generic.ReleaseRollup
	for rows.Next() {
		r, err := scanRollup(rows)
		if err != nil {
			return nil, generic.Unavailable("list rollups", err)
		}
		out = append(out, r)
	}
	return out, generic.Unavailable("list rollups", rows.Err())
}

func scanRollup(row scanner) (generic.ReleaseRollup, error) {
	var (
		r                     generic.ReleaseRollup
		agent, status, amount string
		created               string
		month                 int
		releasedAt            sql.NullString
	)
	if err := row.Scan(&agent, &r.Period.Year, &month, &status, &amount, &releasedAt, &created); err != nil {
		return r, err
	}
	r.AgentID = generic.AgentID(agent)
	r.Period.Month = time.Month(month)
	r.Status = generic.RollupStatus(status)
	r.ReleasedAmount = generic.MustParseDecimal(amount)
	r.CreatedAt = parseTime(created)
	if releasedAt.Valid {
		t := parseTime(releasedAt.String)
		r.ReleasedAt = &t
	}
	return r, nil
}

// =============================================================================
// WALLETS
// =============================================================================

func (s *queries) IncrementWalletBalance(ctx context.Context, agentID generic.AgentID, amount decimal.Decimal) error {
	cents := generic.ToCents(amount)
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO wallets (agent_id, balance_cents, lifetime_cents, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			balance_cents = balance_cents + excluded.balance_cents,
			lifetime_cents = lifetime_cents + excluded.lifetime_cents,
			updated_at = excluded.updated_at`,
		agentID, cents, cents, now())
	return generic.Unavailable("increment wallet", err)
}

func (s *queries) GetWallet(ctx context.Context, agentID generic.AgentID) (generic.WalletBalance, error) {
	var (
		balance, lifetime int64
		updated           string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT balance_cents, lifetime_cents, updated_at FROM wallets WHERE agent_id = ?`, agentID).
		Scan(&balance, &lifetime, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.WalletBalance{AgentID: agentID, Balance: decimal.Zero, LifetimeCommission: decimal.Zero}, nil
	}
	if err != nil {
		return generic.WalletBalance{}, generic.Unavailable("get wallet", err)
	}
	return generic.WalletBalance{
		AgentID:            agentID,
		Balance:            generic.FromCents(balance),
		LifetimeCommission: generic.FromCents(lifetime),
		UpdatedAt:          parseTime(updated),
	}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
