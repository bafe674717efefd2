/*
scheduler.go - Per-agent, per-period commission release

PURPOSE:
  Releases each agent's receivable commission for a billing period into the
  agent's wallet, at most once per (agent, period).

WORKFLOW (RunAgentPeriod):
  1. GetOrCreateRollup(agent, period); released -> OutcomeAlreadyReleased
  2. Read the agent's payments in the previous billing period, check AGR
     Not eligible -> OutcomeIneligible (rollup stays unreleased)
  3. In ONE transaction:
       a. Read the rows earned inside the target billing period and sum
          the pending ones
       b. IncrementWalletBalance(total)      (skipped when total == 0)
       c. UpdateRollupStatus(released)       (WHERE status != released)
          no row changed -> ErrRollupReleased -> rollback
       d. MarkCommissionRowsReleased(ids summed in a)
     -> OutcomeReleased / OutcomeReleasedZero

  The wallet write comes first and the rollup flip is conditional, so a
  failed increment never leaves a released rollup behind, and two racing
  schedulers credit the wallet at most once. Only rows that were summed
  are marked, so a row is never released without being credited.

BATCH (RunPeriod):
  Agents fan out over an errgroup bounded by Workers. Each agent runs under
  its own deadline; transient storage errors are retried with backoff. A
  failing agent is logged and counted, never aborting the batch. It stays
  unreleased and is picked up by the next run.

ORDERING:
  A period's eligibility reads the period before it, so one agent's periods
  must be processed in increasing order. RunPeriods runs each period to
  completion before starting the next.

SEE ALSO:
  - eligibility.go, receivable.go: Pure parts
  - engine/engine.go: RunPeriodicRelease trigger
  - api/scheduler.go: Background job
*/
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/warp/collections-engine/generic"
	"github.com/warp/collections-engine/internal/metrics"
	"github.com/warp/collections-engine/internal/retry"
	"github.com/warp/collections-engine/internal/traces"
)

// Outcome is the result of one agent/period release attempt.
type Outcome string

const (
	OutcomeAlreadyReleased Outcome = "already_released"
	OutcomeIneligible      Outcome = "ineligible"
	OutcomeReleased        Outcome = "released"
	OutcomeReleasedZero    Outcome = "released_zero"
	OutcomeFailed          Outcome = "failed"
)

// AgentResult reports what happened to one agent.
type AgentResult struct {
	AgentID     generic.AgentID
	Period      generic.BillingPeriod
	Outcome     Outcome
	Amount      decimal.Decimal
	Eligibility Eligibility
	Err         error
}

// Report summarises one RunPeriod call.
type Report struct {
	Period   generic.BillingPeriod
	Results  []AgentResult
	Counts   map[Outcome]int
	Released decimal.Decimal
}

// Failed returns the agents that did not complete.
func (r Report) Failed() []AgentResult {
	var out []AgentResult
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			out = append(out, res)
		}
	}
	return out
}

// Scheduler releases commission for billing periods.
type Scheduler struct {
	Store  generic.TxStore
	Logger *slog.Logger

	// Periods derives release windows. Defaults to generic.BillingMonths.
	Periods generic.PeriodConfig

	Workers       int
	AgentDeadline time.Duration
	Retry         retry.Policy
}

// NewScheduler creates a scheduler with default settings.
func NewScheduler(store generic.TxStore, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		Store:         store,
		Logger:        logger,
		Periods:       generic.BillingMonths,
		Workers:       8,
		AgentDeadline: 30 * time.Second,
		Retry:         retry.Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond},
	}
}

// =============================================================================
// SINGLE AGENT
// =============================================================================

// Eligibility evaluates AGR for the window that qualifies period.
func (s *Scheduler) Eligibility(ctx context.Context, agentID generic.AgentID, period generic.BillingPeriod) (Eligibility, error) {
	window := s.Periods.Window(period.Previous())
	payments, err := s.Store.ListPaymentsForAgentInRange(ctx, agentID, window.Start, window.EndExclusive())
	if err != nil {
		return Eligibility{}, err
	}
	e := CheckEligibility(payments)
	e.Window = window
	return e, nil
}

// RunAgentPeriod releases one agent's commission for one period.
// Safe to call repeatedly: a released rollup short-circuits.
func (s *Scheduler) RunAgentPeriod(ctx context.Context, agentID generic.AgentID, period generic.BillingPeriod) (AgentResult, error) {
	res := AgentResult{AgentID: agentID, Period: period, Amount: decimal.Zero}

	rollup, err := s.Store.GetOrCreateRollup(ctx, agentID, period)
	if err != nil {
		return res, err
	}
	if rollup.IsReleased() {
		res.Outcome = OutcomeAlreadyReleased
		return res, nil
	}

	res.Eligibility, err = s.Eligibility(ctx, agentID, period)
	if err != nil {
		return res, err
	}
	if !res.Eligibility.Eligible {
		res.Outcome = OutcomeIneligible
		return res, nil
	}

	window := s.Periods.Window(period)
	var total decimal.Decimal
	err = s.Store.WithTx(ctx, func(tx generic.Store) error {
		rows, err := tx.ListCommissionRowsForAgentInRange(ctx, agentID, window.Start, window.EndExclusive())
		if err != nil {
			return err
		}
		var ids []generic.CommissionRowID
		total, ids, err = Receivable(rows)
		if err != nil {
			return err
		}
		if total.IsPositive() {
			if err := tx.IncrementWalletBalance(ctx, agentID, total); err != nil {
				return err
			}
		}
		changed, err := tx.UpdateRollupStatus(ctx, agentID, period, generic.RollupReleased, total)
		if err != nil {
			return err
		}
		if !changed {
			return fmt.Errorf("%w: agent %s period %s", generic.ErrRollupReleased, agentID, period)
		}
		return tx.MarkCommissionRowsReleased(ctx, ids)
	})
	if errors.Is(err, generic.ErrRollupReleased) {
		// Another run released it between our read and our write.
		res.Outcome = OutcomeAlreadyReleased
		return res, nil
	}
	if err != nil {
		return res, err
	}

	res.Amount = total
	if total.IsPositive() {
		res.Outcome = OutcomeReleased
		metrics.WalletCreditedTotal.Add(total.InexactFloat64())
	} else {
		res.Outcome = OutcomeReleasedZero
	}
	return res, nil
}

// =============================================================================
// BATCH
// =============================================================================

// RunPeriod releases period for every agent. Only a failure to list agents
// is returned as an error; per-agent failures are reported in the Report.
func (s *Scheduler) RunPeriod(ctx context.Context, period generic.BillingPeriod) (Report, error) {
	ctx, span := traces.StartSpan(ctx, "release.RunPeriod", traces.Period(period.String()))
	defer span.End()
	defer metrics.ObserveJob("release")()

	report := Report{Period: period, Counts: make(map[Outcome]int), Released: decimal.Zero}

	var agents []generic.Agent
	err := retry.DoIf(ctx, s.Retry, generic.IsRetryable, func() error {
		var err error
		agents, err = s.Store.ListAgents(ctx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("list agents: %w", err)
	}

	results := make([]AgentResult, len(agents))
	var g errgroup.Group
	g.SetLimit(max(1, s.Workers))
	for i, a := range agents {
		g.Go(func() error {
			results[i] = s.runIsolated(ctx, a.ID, period)
			return nil
		})
	}
	_ = g.Wait()

	report.Results = results
	for _, r := range results {
		report.Counts[r.Outcome]++
		report.Released = report.Released.Add(r.Amount)
	}
	s.logger().Info("release period complete",
		"period", period.String(),
		"agents", len(agents),
		"released", report.Counts[OutcomeReleased],
		"released_zero", report.Counts[OutcomeReleasedZero],
		"ineligible", report.Counts[OutcomeIneligible],
		"already_released", report.Counts[OutcomeAlreadyReleased],
		"failed", report.Counts[OutcomeFailed],
		"amount", report.Released.String())
	return report, nil
}

// RunPeriods releases every period from..to inclusive, in order.
func (s *Scheduler) RunPeriods(ctx context.Context, from, to generic.BillingPeriod) ([]Report, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: %s is after %s", generic.ErrInvalidPeriod, from, to)
	}
	var reports []Report
	for p := from; !to.Before(p); p = p.Next() {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		r, err := s.RunPeriod(ctx, p)
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// runIsolated runs one agent under its own deadline and retry budget.
// It never returns an error: failures become OutcomeFailed.
func (s *Scheduler) runIsolated(ctx context.Context, agentID generic.AgentID, period generic.BillingPeriod) (res AgentResult) {
	if s.AgentDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.AgentDeadline)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			res = AgentResult{AgentID: agentID, Period: period, Outcome: OutcomeFailed, Amount: decimal.Zero,
				Err: fmt.Errorf("panic: %v", r)}
			s.logger().Error("release panicked", "agent_id", agentID, "period", period.String(), "panic", r)
			metrics.ReleaseOutcomesTotal.WithLabelValues(string(OutcomeFailed)).Inc()
		}
	}()

	err := retry.DoIf(ctx, s.Retry, generic.IsRetryable, func() error {
		var err error
		res, err = s.RunAgentPeriod(ctx, agentID, period)
		return err
	})
	if err != nil {
		res = AgentResult{AgentID: agentID, Period: period, Outcome: OutcomeFailed, Amount: decimal.Zero, Err: err}
		s.logger().Error("release failed",
			"agent_id", agentID,
			"period", period.String(),
			"retryable", generic.IsRetryable(err),
			"error", err)
	} else {
		s.logger().Debug("release agent",
			"agent_id", agentID,
			"period", period.String(),
			"outcome", res.Outcome,
			"amount", res.Amount.String())
	}
	metrics.ReleaseOutcomesTotal.WithLabelValues(string(res.Outcome)).Inc()
	return res
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
