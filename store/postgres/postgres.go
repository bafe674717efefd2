// Package postgres implements generic.TxStore on PostgreSQL via lib/pq.
//
// Money columns are NUMERIC(20,2) and scan straight into decimal.Decimal.
// The schema is versioned with goose; call Migrate before first use or run
// cmd/migrate.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/warp/collections-engine/generic"
	"github.com/warp/collections-engine/migrations"
)

const uniqueViolation = "23505"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements generic.TxStore with PostgreSQL.
type Store struct {
	queries
	db *sql.DB
}

type queries struct {
	q querier
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// New wraps an open pool.
func New(db *sql.DB) *Store {
	return &Store{queries: queries{q: db}, db: db}
}

// Migrate applies all pending embedded migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a transaction; any error rolls back.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return generic.Unavailable("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return generic.Unavailable("commit", err)
	}
	return nil
}

// Reset truncates every table (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`TRUNCATE commission_rows, rollups, wallets, payments, contracts, agents RESTART IDENTITY`)
	return generic.Unavailable("reset", err)
}

// InsertCommissionRows opens its own transaction when called outside WithTx.
func (s *Store) InsertCommissionRows(ctx context.Context, rows []generic.CommissionRow) error {
	return s.WithTx(ctx, func(tx generic.Store) error {
		return tx.InsertCommissionRows(ctx, rows)
	})
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (s *queries) RecordPayment(ctx context.Context, p generic.Payment) (generic.Payment, error) {
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO payments (id, contract_id, agent_id, amount, date_paid, purpose, plan_code)
		VALUES ($1, $2, $3, $4, $5::date, $6, $7)
		RETURNING seq
	`, p.ID, p.ContractID, p.AgentID, p.Amount, p.DatePaid.String(), p.Purpose, p.PlanCode).Scan(&p.Seq)
	if isUniqueViolation(err) {
		return generic.Payment{}, fmt.Errorf("%w: payment %s", generic.ErrDuplicateIdempotencyKey, p.ID)
	}
	if err != nil {
		return generic.Payment{}, generic.Unavailable("record payment", err)
	}
	return p, nil
}

const paymentColumns = `seq, id, contract_id, agent_id, amount, date_paid, purpose, plan_code`

func (s *queries) ListPaymentsForContract(ctx context.Context, contractID generic.ContractID) ([]generic.Payment, error) {
	return s.queryPayments(ctx, "list payments for contract", `
		SELECT `+paymentColumns+` FROM payments
		WHERE contract_id = $1
		ORDER BY date_paid, seq
	`, contractID)
}

func (s *queries) ListPaymentsForAgentInRange(ctx context.Context, agentID generic.AgentID, from, toExclusive generic.TimePoint) ([]generic.Payment, error) {
	return s.queryPayments(ctx, "list payments for agent", `
		SELECT `+paymentColumns+` FROM payments
		WHERE agent_id = $1 AND date_paid >= $2::date AND date_paid < $3::date
		ORDER BY date_paid, seq
	`, agentID, from.String(), toExclusive.String())
}

func (s *queries) ListContractIDs(ctx context.Context) ([]generic.ContractID, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT DISTINCT contract_id FROM payments ORDER BY contract_id`)
	if err != nil {
		return nil, generic.Unavailable("list contracts", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []generic.ContractID
	for rows.Next() {
		var id generic.ContractID
		if err := rows.Scan(&id); err != nil {
			return nil, generic.Unavailable("list contracts", err)
		}
		ids = append(ids, id)
	}
	return ids, generic.Unavailable("list contracts", rows.Err())
}

func (s *queries) queryPayments(ctx context.Context, op, query string, args ...any) ([]generic.Payment, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, generic.Unavailable(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []generic.Payment
	for rows.Next() {
		var (
			p    generic.Payment
			paid time.Time
		)
		if err := rows.Scan(&p.Seq, &p.ID, &p.ContractID, &p.AgentID, &p.Amount, &paid, &p.Purpose, &p.PlanCode); err != nil {
			return nil, generic.Unavailable(op, err)
		}
		p.DatePaid = generic.DateOf(paid)
		out = append(out, p)
	}
	return out, generic.Unavailable(op, rows.Err())
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
		INSERT INTO agents (id, name, recruiter_id) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, recruiter_id = EXCLUDED.recruiter_id
	`, a.ID, a.Name, recruiter)
	return generic.Unavailable("save agent", err)
}

func (s *queries) GetAgent(ctx context.Context, id generic.AgentID) (generic.Agent, error) {
	a, err := scanAgent(s.q.QueryRowContext(ctx, `SELECT id, name, recruiter_id FROM agents WHERE id = $1`, id))
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
	defer func() { _ = rows.Close() }()

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
		a         generic.Agent
		recruiter sql.NullString
	)
	if err := row.Scan(&a.ID, &a.Name, &recruiter); err != nil {
		return generic.Agent{}, err
	}
	if recruiter.Valid {
		r := generic.AgentID(recruiter.String)
		a.RecruiterID = &r
	}
	return a, nil
}

func (s *queries) SaveContract(ctx context.Context, c generic.Contract) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO contracts (id, agent_id, plan_code, start_date) VALUES ($1, $2, $3, $4::date)
		ON CONFLICT (id) DO UPDATE SET agent_id = EXCLUDED.agent_id,
			plan_code = EXCLUDED.plan_code, start_date = EXCLUDED.start_date
	`, c.ID, c.AgentID, c.PlanCode, c.StartDate.String())
	return generic.Unavailable("save contract", err)
}

func (s *queries) GetContract(ctx context.Context, id generic.ContractID) (generic.Contract, error) {
	c := generic.Contract{ID: id}
	var start time.Time
	err := s.q.QueryRowContext(ctx, `SELECT agent_id, plan_code, start_date FROM contracts WHERE id = $1`, id).
		Scan(&c.AgentID, &c.PlanCode, &start)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Contract{}, fmt.Errorf("contract %s: %w", id, generic.ErrNotFound)
	}
	if err != nil {
		return generic.Contract{}, generic.Unavailable("get contract", err)
	}
	c.StartDate = generic.DateOf(start)
	return c, nil
}

// =============================================================================
// COMMISSION ROWS
// =============================================================================

func (s *queries) InsertCommissionRows(ctx context.Context, rows []generic.CommissionRow) error {
	for _, r := range rows {
		status := r.Status
		if status == "" {
			status = generic.CommissionPending
		}
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO commission_rows
				(id, agent_id, contract_id, payment_id, type, plan_code, basis_amount,
				 months_covered, amount, override_amount, earned_date, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::date, $12)
		`, r.ID, r.AgentID, r.ContractID, r.PaymentID, r.Type, r.PlanCode, r.BasisAmount,
			r.MonthsCovered, r.Amount, r.OverrideAmount, r.EarnedDate.String(), status)
		if isUniqueViolation(err) {
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
		`SELECT `+rowColumns+` FROM commission_rows WHERE contract_id = $1 ORDER BY pk`, contractID)
}

func (s *queries) ListCommissionRowsForAgentInRange(ctx context.Context, agentID generic.AgentID, from, toExclusive generic.TimePoint) ([]generic.CommissionRow, error) {
	return s.queryRows(ctx, "list rows for agent", `
		SELECT `+rowColumns+` FROM commission_rows
		WHERE agent_id = $1 AND earned_date >= $2::date AND earned_date < $3::date
		ORDER BY pk
	`, agentID, from.String(), toExclusive.String())
}

func (s *queries) MarkCommissionRowsReleased(ctx context.Context, ids []generic.CommissionRowID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}
	_, err := s.q.ExecContext(ctx,
		`UPDATE commission_rows SET status = $1 WHERE id = ANY($2)`, generic.CommissionReleased, pq.Array(keys))
	return generic.Unavailable("mark rows released", err)
}

func (s *queries) queryRows(ctx context.Context, op, query string, args ...any) ([]generic.CommissionRow, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, generic.Unavailable(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []generic.CommissionRow
	for rows.Next() {
		var (
			r      generic.CommissionRow
			earned time.Time
		)
		if err := rows.Scan(&r.ID, &r.AgentID, &r.ContractID, &r.PaymentID, &r.Type, &r.PlanCode,
			&r.BasisAmount, &r.MonthsCovered, &r.Amount, &r.OverrideAmount, &earned, &r.Status); err != nil {
			return nil, generic.Unavailable(op, err)
		}
		r.EarnedDate = generic.DateOf(earned)
		out = append(out, r)
	}
	return out, generic.Unavailable(op, rows.Err())
}

// =============================================================================
// ROLLUPS
// =============================================================================

func (s *queries) GetOrCreateRollup(ctx context.Context, agentID generic.AgentID, period generic.BillingPeriod) (generic.ReleaseRollup, error) {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO rollups (agent_id, year, month, status) VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id, year, month) DO NOTHING
	`, agentID, period.Year, int(period.Month), generic.RollupUnreleased)
	if err != nil {
		return generic.ReleaseRollup{}, generic.Unavailable("create rollup", err)
	}
	r, err := scanRollup(s.q.QueryRowContext(ctx, `
		SELECT agent_id, year, month, status, released_amount, released_at, created_at
		FROM rollups WHERE agent_id = $1 AND year = $2 AND month = $3
	`, agentID, period.Year, int(period.Month)))
	return r, generic.Unavailable("get rollup", err)
}

func (s *queries) UpdateRollupStatus(ctx context.Context, agentID generic.AgentID, period generic.BillingPeriod, status generic.RollupStatus, releasedAmount decimal.Decimal) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE rollups SET
			status          = $1,
			released_amount = $2,
			released_at     = CASE WHEN $1 = 'released' THEN NOW() ELSE NULL END
		WHERE agent_id = $3 AND year = $4 AND month = $5 AND status <> $1
	`, status, releasedAmount, agentID, period.Year, int(period.Month))
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
		FROM rollups WHERE agent_id = $1 ORDER BY year, month
	`, agentID)
	if err != nil {
		return nil, generic.Unavailable("list rollups", err)
	}
	defer func() { _ = rows.Close() }()

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
		r          generic.ReleaseRollup
		month      int
		releasedAt sql.NullTime
	)
	if err := row.Scan(&r.AgentID, &r.Period.Year, &month, &r.Status, &r.ReleasedAmount, &releasedAt, &r.CreatedAt); err != nil {
		return r, err
	}
	r.Period.Month = time.Month(month)
	if releasedAt.Valid {
		t := releasedAt.Time
		r.ReleasedAt = &t
	}
	return r, nil
}

// =============================================================================
// WALLETS
// =============================================================================

// IncrementWalletBalance uses native NUMERIC arithmetic in a single upsert.
func (s *queries) IncrementWalletBalance(ctx context.Context, agentID generic.AgentID, amount decimal.Decimal) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO wallets (agent_id, balance, lifetime_commission, updated_at)
		VALUES ($1, $2::NUMERIC(20,2), $2::NUMERIC(20,2), NOW())
		ON CONFLICT (agent_id) DO UPDATE SET
			balance             = wallets.balance + $2::NUMERIC(20,2),
			lifetime_commission = wallets.lifetime_commission + $2::NUMERIC(20,2),
			updated_at          = NOW()
	`, agentID, amount)
	return generic.Unavailable("increment wallet", err)
}

func (s *queries) GetWallet(ctx context.Context, agentID generic.AgentID) (generic.WalletBalance, error) {
	w := generic.WalletBalance{AgentID: agentID}
	err := s.q.QueryRowContext(ctx, `
		SELECT balance, lifetime_commission, updated_at FROM wallets WHERE agent_id = $1
	`, agentID).Scan(&w.Balance, &w.LifetimeCommission, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.WalletBalance{AgentID: agentID, Balance: decimal.Zero, LifetimeCommission: decimal.Zero}, nil
	}
	if err != nil {
		return generic.WalletBalance{}, generic.Unavailable("get wallet", err)
	}
	return w, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
