/*
Package engine wires the pure derivations to storage.

TRIGGERS:
  OnPaymentRecorded(payment)   Record the payment and its commission rows in
                               one transaction.
  RunFullRecompute()           Wipe and rebuild every commission row from the
                               payment history.
  RunPeriodicRelease(period)   Release one billing period for every agent.
  Contestability(contract)     Contestability window of one contract, now.

ONPAYMENTRECORDED OUTCOMES:
  - Normal:        payment + rows committed together
  - UnknownPlan:   payment committed, no rows, warning returned
  - Backdated:     rejected as an invariant violation, nothing committed.
                   Later payments on the contract were already split without
                   it. Load such history out of band and run a full recompute.
  - Violation:     nothing committed, error returned

RECOMPUTE:
  Contracts are derived in parallel (errgroup, bounded), each contract's
  payments strictly in (DatePaid, Seq) order. The resulting row set replaces
  the old one in a single transaction. Inside that transaction the old rows
  are deleted first, then contracts, payments and the directory are read
  again; any contract whose inputs moved since the parallel pass is derived
  once more from the transaction's view. Rows whose release period (per the
  release scheduler's PeriodConfig) is already released for their agent keep
  the released status, so a rebuild never re-exposes paid commission to the
  release job.

SEE ALSO:
  - commission/splitter.go: Split
  - release/scheduler.go: Scheduler
  - contestability/calculator.go: Assess
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/warp/collections-engine/commission"
	"github.com/warp/collections-engine/contestability"
	"github.com/warp/collections-engine/generic"
	"github.com/warp/collections-engine/internal/metrics"
	"github.com/warp/collections-engine/internal/traces"
	"github.com/warp/collections-engine/release"
)

// Engine is the orchestration layer over a TxStore.
type Engine struct {
	Store   generic.TxStore
	Plans   generic.PlanRateTable
	Release *release.Scheduler
	Logger  *slog.Logger

	// Clock returns "now" for contestability. Defaults to generic.Today.
	Clock func() generic.TimePoint

	// Workers bounds recompute fan-out.
	Workers int

	// Statements derives statement windows. Calendar months by default;
	// release uses billing months.
	Statements generic.PeriodConfig
}

// New creates an engine with default settings and its own release scheduler.
func New(store generic.TxStore, plans generic.PlanRateTable, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Store:      store,
		Plans:      plans,
		Release:    release.NewScheduler(store, logger),
		Logger:     logger,
		Clock:      generic.Today,
		Workers:    8,
		Statements: generic.CalendarMonths,
	}
}

// =============================================================================
// ON PAYMENT RECORDED
// =============================================================================

// PaymentResult describes what OnPaymentRecorded committed.
type PaymentResult struct {
	Payment     generic.Payment
	Rows        []generic.CommissionRow
	UnknownPlan bool
	Warnings    []string
}

// OnPaymentRecorded records p and derives its commission rows atomically.
func (e *Engine) OnPaymentRecorded(ctx context.Context, p generic.Payment) (PaymentResult, error) {
	ctx, span := traces.StartSpan(ctx, "engine.OnPaymentRecorded",
		traces.PaymentID(string(p.ID)), traces.ContractID(string(p.ContractID)), traces.AgentID(string(p.AgentID)))

	var res PaymentResult
	err := validatePayment(p)
	if err == nil {
		err = e.Store.WithTx(ctx, func(tx generic.Store) error {
			var txErr error
			res, txErr = e.recordAndSplit(ctx, tx, p)
			return txErr
		})
	}
	traces.End(span, err)

	switch {
	case err != nil && generic.IsClientError(err):
		metrics.PaymentsTotal.WithLabelValues("rejected").Inc()
		e.Logger.Warn("payment rejected", "payment_id", p.ID, "contract_id", p.ContractID, "error", err)
		return PaymentResult{}, err
	case err != nil:
		metrics.PaymentsTotal.WithLabelValues("failed").Inc()
		e.Logger.Error("payment recording failed", "payment_id", p.ID, "error", err)
		return PaymentResult{}, err
	case res.UnknownPlan:
		metrics.PaymentsTotal.WithLabelValues("unknown_plan").Inc()
	default:
		metrics.PaymentsTotal.WithLabelValues("recorded").Inc()
	}

	for _, r := range res.Rows {
		metrics.CommissionRowsTotal.WithLabelValues(string(r.Type)).Inc()
	}
	for _, w := range res.Warnings {
		e.Logger.Warn(w, "payment_id", p.ID, "contract_id", p.ContractID, "plan_code", p.PlanCode)
	}
	return res, nil
}

func (e *Engine) recordAndSplit(ctx context.Context, tx generic.Store, p generic.Payment) (PaymentResult, error) {
	history, err := tx.ListPaymentsForContract(ctx, p.ContractID)
	if err != nil {
		return PaymentResult{}, err
	}
	// Later payments were split without p; accepting it would leave the
	// ledger disagreeing with a replay of the same history.
	for _, q := range history {
		if p.DatePaid.Before(q.DatePaid) {
			return PaymentResult{}, generic.Violation(fmt.Sprintf("payment %s", p.ID),
				"dated %s before payment %s (%s) on contract %s", p.DatePaid, q.ID, q.DatePaid, p.ContractID)
		}
	}

	recorded, err := tx.RecordPayment(ctx, p)
	if err != nil {
		return PaymentResult{}, err
	}
	res := PaymentResult{Payment: recorded}

	plan, err := commission.ResolvePlan(e.Plans, recorded)
	if errors.Is(err, generic.ErrUnknownPlan) {
		res.UnknownPlan = true
		res.Warnings = append(res.Warnings, err.Error()+"; no commission derived")
		return res, nil
	}

	recruiter, err := e.recruiterFor(ctx, tx, recorded)
	if err != nil {
		return PaymentResult{}, err
	}
	rows, err := commission.Split(commission.SplitInput{
		Payment:     recorded,
		Prior:       history,
		Plan:        plan,
		Bonus:       e.Plans.Membership(),
		RecruiterID: recruiter,
	})
	if err != nil {
		return PaymentResult{}, err
	}
	if err := commission.NewLedger(tx).AppendForContract(ctx, recorded.ContractID, rows); err != nil {
		return PaymentResult{}, err
	}
	res.Rows = rows
	return res, nil
}

// recruiterFor returns the recruiter of the contract's agent. Payments on
// contracts missing from the directory fall back to the collecting agent.
func (e *Engine) recruiterFor(ctx context.Context, st generic.DirectoryStore, p generic.Payment) (*generic.AgentID, error) {
	owner := p.AgentID
	c, err := st.GetContract(ctx, p.ContractID)
	switch {
	case err == nil:
		owner = c.AgentID
	case !generic.IsNotFound(err):
		return nil, err
	}

	a, err := st.GetAgent(ctx, owner)
	if generic.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a.RecruiterID, nil
}

func validatePayment(p generic.Payment) error {
	record := fmt.Sprintf("payment %s", p.ID)
	switch {
	case p.ID == "":
		return generic.Violation("payment", "missing id")
	case p.ContractID == "":
		return generic.Violation(record, "missing contract")
	case p.AgentID == "":
		return generic.Violation(record, "missing agent")
	case p.DatePaid.IsZero():
		return generic.Violation(record, "missing date paid")
	case p.Amount.IsNegative():
		return generic.Violation(record, "negative amount %s", p.Amount)
	case !p.Purpose.Valid():
		return generic.Violation(record, "unknown purpose %q", p.Purpose)
	}
	return nil
}

// =============================================================================
// FULL RECOMPUTE
// =============================================================================

// RecomputeReport summarises a full rebuild.
type RecomputeReport struct {
	Contracts   int
	Payments    int
	Rows        int
	UnknownPlan int
	Rejected    int
	// Rederived counts contracts derived a second time inside the swap
	// transaction because their payments changed mid-rebuild.
	Rederived int
	Duration  time.Duration
}

type contractRows struct {
	id          generic.ContractID
	input       contractInput
	rows        []generic.CommissionRow
	unknownPlan int
	rejected    int
}

// contractInput is everything a contract's rows are derived from.
type contractInput struct {
	owner   generic.AgentID
	history []generic.Payment
}

// RunFullRecompute rebuilds the commission ledger from the payment history.
// Running it twice in a row produces an identical row set.
func (e *Engine) RunFullRecompute(ctx context.Context) (RecomputeReport, error) {
	ctx, span := traces.StartSpan(ctx, "engine.RunFullRecompute")
	defer metrics.ObserveJob("recompute")()
	start := time.Now()

	report, err := e.recompute(ctx)
	report.Duration = time.Since(start)
	traces.End(span, err)
	if err != nil {
		e.Logger.Error("full recompute failed", "error", err)
		return report, err
	}
	e.Logger.Info("full recompute complete",
		"contracts", report.Contracts,
		"payments", report.Payments,
		"rows", report.Rows,
		"rederived", report.Rederived,
		"unknown_plan", report.UnknownPlan,
		"rejected", report.Rejected,
		"duration", report.Duration)
	return report, nil
}

func (e *Engine) recompute(ctx context.Context) (RecomputeReport, error) {
	var report RecomputeReport

	ids, err := e.Store.ListContractIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("list contracts: %w", err)
	}
	directory, err := loadDirectory(ctx, e.Store)
	if err != nil {
		return report, err
	}

	// Derive (parallel, read-only)
	derived := make([]contractRows, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, e.Workers))
	for i, id := range ids {
		g.Go(func() error {
			in, err := loadContract(gctx, e.Store, id)
			if err != nil {
				return fmt.Errorf("contract %s: %w", id, err)
			}
			cr, err := e.deriveContract(id, in, directory)
			if err != nil {
				return fmt.Errorf("contract %s: %w", id, err)
			}
			derived[i] = cr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	// Swap (one transaction). Payments recorded since the parallel pass are
	// picked up here; their incremental rows are gone after the delete.
	var final []contractRows
	err = e.Store.WithTx(ctx, func(tx generic.Store) error {
		if err := tx.DeleteAllCommissionRows(ctx); err != nil {
			return err
		}
		var rederived int
		var txErr error
		final, rederived, txErr = e.reconcile(ctx, tx, derived, directory)
		if txErr != nil {
			return txErr
		}
		report.Rederived = rederived

		released, err := releasedPeriods(ctx, tx)
		if err != nil {
			return err
		}
		ledger := commission.NewLedger(tx)
		for i := range final {
			e.keepReleased(final[i].rows, released)
			if err := ledger.AppendForContract(ctx, final[i].id, final[i].rows); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	report.Contracts = len(final)
	for _, cr := range final {
		report.Payments += len(cr.input.history)
		report.Rows += len(cr.rows)
		report.UnknownPlan += cr.unknownPlan
		report.Rejected += cr.rejected
		for _, r := range cr.rows {
			metrics.CommissionRowsTotal.WithLabelValues(string(r.Type)).Inc()
		}
	}
	return report, nil
}

// reconcile re-reads every contract through tx and re-derives those whose
// payments, owner or recruiter directory no longer match the parallel pass.
func (e *Engine) reconcile(ctx context.Context, tx generic.Store, derived []contractRows, directory map[generic.AgentID]generic.Agent) ([]contractRows, int, error) {
	ids, err := tx.ListContractIDs(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list contracts: %w", err)
	}
	current, err := loadDirectory(ctx, tx)
	if err != nil {
		return nil, 0, err
	}
	stale := !sameRecruiters(directory, current)

	byID := make(map[generic.ContractID]contractRows, len(derived))
	for _, cr := range derived {
		byID[cr.id] = cr
	}

	out := make([]contractRows, 0, len(ids))
	rederived := 0
	for _, id := range ids {
		in, err := loadContract(ctx, tx, id)
		if err != nil {
			return nil, 0, fmt.Errorf("contract %s: %w", id, err)
		}
		cr, ok := byID[id]
		if ok && !stale && cr.input.matches(in) {
			out = append(out, cr)
			continue
		}
		cr, err = e.deriveContract(id, in, current)
		if err != nil {
			return nil, 0, fmt.Errorf("contract %s: %w", id, err)
		}
		rederived++
		e.Logger.Info("recompute: contract changed during rebuild, derived again", "contract_id", id)
		out = append(out, cr)
	}
	return out, rederived, nil
}

// keepReleased marks rows whose release period is already released for
// their agent.
func (e *Engine) keepReleased(rows []generic.CommissionRow, released map[generic.AgentID]map[generic.BillingPeriod]bool) {
	periods := e.Release.Periods
	for j, r := range rows {
		if released[r.AgentID][periods.PeriodFor(r.EarnedDate)] {
			rows[j].Status = generic.CommissionReleased
		}
	}
}

func loadDirectory(ctx context.Context, st generic.Store) (map[generic.AgentID]generic.Agent, error) {
	agents, err := st.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	directory := make(map[generic.AgentID]generic.Agent, len(agents))
	for _, a := range agents {
		directory[a.ID] = a
	}
	return directory, nil
}

func sameRecruiters(a, b map[generic.AgentID]generic.Agent) bool {
	if len(a) != len(b) {
		return false
	}
	for id, x := range a {
		y, ok := b[id]
		if !ok {
			return false
		}
		switch {
		case x.RecruiterID == nil && y.RecruiterID == nil:
		case x.RecruiterID == nil || y.RecruiterID == nil || *x.RecruiterID != *y.RecruiterID:
			return false
		}
	}
	return true
}

func releasedPeriods(ctx context.Context, st generic.Store) (map[generic.AgentID]map[generic.BillingPeriod]bool, error) {
	agents, err := st.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	released := make(map[generic.AgentID]map[generic.BillingPeriod]bool, len(agents))
	for _, a := range agents {
		rollups, err := st.ListRollups(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("list rollups for %s: %w", a.ID, err)
		}
		for _, r := range rollups {
			if !r.IsReleased() {
				continue
			}
			if released[a.ID] == nil {
				released[a.ID] = make(map[generic.BillingPeriod]bool)
			}
			released[a.ID][r.Period] = true
		}
	}
	return released, nil
}

// loadContract reads a contract's owner and its payments in (DatePaid, Seq) order.
func loadContract(ctx context.Context, st generic.Store, id generic.ContractID) (contractInput, error) {
	var in contractInput
	history, err := st.ListPaymentsForContract(ctx, id)
	if err != nil {
		return in, err
	}
	sort.SliceStable(history, func(i, j int) bool { return history[i].Before(history[j]) })
	in.history = history

	if c, err := st.GetContract(ctx, id); err == nil {
		in.owner = c.AgentID
	} else if !generic.IsNotFound(err) {
		return in, err
	}
	return in, nil
}

// matches reports whether other holds the same owner and payments, in order.
func (in contractInput) matches(other contractInput) bool {
	if in.owner != other.owner || len(in.history) != len(other.history) {
		return false
	}
	for i := range in.history {
		if in.history[i].ID != other.history[i].ID || in.history[i].Seq != other.history[i].Seq {
			return false
		}
	}
	return true
}

// deriveContract replays one contract's payments in order.
func (e *Engine) deriveContract(id generic.ContractID, in contractInput, directory map[generic.AgentID]generic.Agent) (contractRows, error) {
	cr := contractRows{id: id, input: in}

	// Payments rejected by Split are excluded from later payments' prior
	// history, as they would have been when recorded incrementally.
	var accepted []generic.Payment
	for _, p := range in.history {
		plan, err := commission.ResolvePlan(e.Plans, p)
		if err != nil {
			cr.unknownPlan++
			e.Logger.Warn("recompute: skipping payment", "payment_id", p.ID, "contract_id", id, "error", err)
			accepted = append(accepted, p)
			continue
		}

		agent := in.owner
		if agent == "" {
			agent = p.AgentID
		}
		rows, err := commission.Split(commission.SplitInput{
			Payment:     p,
			Prior:       accepted,
			Plan:        plan,
			Bonus:       e.Plans.Membership(),
			RecruiterID: directory[agent].RecruiterID,
		})
		if err != nil {
			if !errors.Is(err, generic.ErrInvariantViolation) {
				return cr, err
			}
			cr.rejected++
			e.Logger.Warn("recompute: rejecting payment", "payment_id", p.ID, "contract_id", id, "error", err)
			continue
		}
		cr.rows = append(cr.rows, rows...)
		accepted = append(accepted, p)
	}
	return cr, nil
}

// =============================================================================
// RELEASE + CONTESTABILITY
// =============================================================================

// RunPeriodicRelease releases period for every agent.
func (e *Engine) RunPeriodicRelease(ctx context.Context, period generic.BillingPeriod) (release.Report, error) {
	return e.Release.RunPeriod(ctx, period)
}

// Contestability assesses a contract's window as of the engine clock.
func (e *Engine) Contestability(ctx context.Context, contractID generic.ContractID) (contestability.State, error) {
	c, err := e.Store.GetContract(ctx, contractID)
	if err != nil {
		return contestability.State{}, err
	}
	payments, err := e.Store.ListPaymentsForContract(ctx, contractID)
	if err != nil {
		return contestability.State{}, err
	}
	return contestability.Assess(c.StartDate, payments, e.Clock()), nil
}

// =============================================================================
// STATEMENTS
// =============================================================================

// Statement is an agent's commission for one statement month.
type Statement struct {
	AgentID generic.AgentID
	Period  generic.BillingPeriod
	Window  generic.Period
	Rows    []generic.CommissionRow
	ByType  map[generic.CommissionType]decimal.Decimal
	Total   decimal.Decimal
}

// Statement lists the agent's rows earned in the statement month.
// Statement months are calendar months, unlike release windows.
func (e *Engine) Statement(ctx context.Context, agentID generic.AgentID, period generic.BillingPeriod) (Statement, error) {
	window := e.Statements.Window(period)
	rows, err := e.Store.ListCommissionRowsForAgentInRange(ctx, agentID, window.Start, window.EndExclusive())
	if err != nil {
		return Statement{}, err
	}
	st := Statement{
		AgentID: agentID,
		Period:  period,
		Window:  window,
		Rows:    rows,
		ByType:  make(map[generic.CommissionType]decimal.Decimal),
		Total:   decimal.Zero,
	}
	for _, r := range rows {
		st.ByType[r.Type] = st.ByType[r.Type].Add(r.Amount)
		st.Total = st.Total.Add(r.Amount)
	}
	return st, nil
}
