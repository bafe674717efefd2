package engine_test

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/collections-engine/commission"
	"github.com/warp/collections-engine/engine"
	"github.com/warp/collections-engine/generic"
	"github.com/warp/collections-engine/generic/store"
	"github.com/warp/collections-engine/internal/logging"
	"github.com/warp/collections-engine/release"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type harness struct {
	t   *testing.T
	ctx context.Context
	mem *store.TxMemory
	eng *engine.Engine
	n   int
}

func newHarness(t *testing.T) *harness {
	mem := store.NewTxMemory()
	eng := engine.New(mem, commission.StandardPlanTable(), logging.Discard())
	eng.Clock = func() generic.TimePoint { return generic.NewTimePoint(2025, time.June, 15) }
	eng.Workers = 4

	h := &harness{t: t, ctx: context.Background(), mem: mem, eng: eng}
	recruiter := generic.AgentID("recruiter")
	h.saveAgent(generic.Agent{ID: "recruiter", Name: "Rita"})
	h.saveAgent(generic.Agent{ID: "agent-1", Name: "Ann", RecruiterID: &recruiter})
	h.saveAgent(generic.Agent{ID: "agent-2", Name: "Bob"})
	return h
}

func (h *harness) saveAgent(a generic.Agent) {
	require.NoError(h.t, h.mem.SaveAgent(h.ctx, a))
}

func (h *harness) contract(id string, agent generic.AgentID, start generic.TimePoint) {
	require.NoError(h.t, h.mem.SaveContract(h.ctx, generic.Contract{
		ID: generic.ContractID(id), AgentID: agent, PlanCode: commission.StandardPlanCode, StartDate: start,
	}))
}

func (h *harness) payment(contract string, agent generic.AgentID, amount string, date generic.TimePoint, purpose generic.PaymentPurpose) generic.Payment {
	h.n++
	return generic.Payment{
		ID:         generic.PaymentID(fmt.Sprintf("pay-%03d", h.n)),
		ContractID: generic.ContractID(contract),
		AgentID:    agent,
		Amount:     generic.MustParseDecimal(amount),
		DatePaid:   date,
		Purpose:    purpose,
		PlanCode:   commission.StandardPlanCode,
	}
}

func (h *harness) record(p generic.Payment) engine.PaymentResult {
	h.t.Helper()
	res, err := h.eng.OnPaymentRecorded(h.ctx, p)
	require.NoError(h.t, err)
	return res
}

// allRows returns every row in the store, sorted by id.
func (h *harness) allRows() []generic.CommissionRow {
	ids, err := h.mem.ListContractIDs(h.ctx)
	require.NoError(h.t, err)
	var rows []generic.CommissionRow
	for _, id := range ids {
		r, err := h.mem.ListCommissionRowsForContract(h.ctx, id)
		require.NoError(h.t, err)
		rows = append(rows, r...)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}

func day(m time.Month, d int) generic.TimePoint { return generic.NewTimePoint(2025, m, d) }

func amountEq(t *testing.T, want string, got fmt.Stringer) {
	t.Helper()
	assert.Equal(t, generic.MustParseDecimal(want).String(), got.String())
}

// =============================================================================
// ON PAYMENT RECORDED
// =============================================================================

func TestOnPaymentRecorded_PersistsRowsWithPayment(t *testing.T) {
	// GIVEN: Contract owned by agent-1, whose recruiter is "recruiter"
	// WHEN: A 2490 payment is recorded
	// THEN: 5 outright months (750) plus a 75 recruiter bonus, stored with the payment

	h := newHarness(t)
	h.contract("c1", "agent-1", day(time.January, 1))

	res := h.record(h.payment("c1", "agent-1", "2490", day(time.January, 10), generic.PurposeRegular))

	require.Len(t, res.Rows, 2)
	assert.Equal(t, int64(1), res.Payment.Seq)
	stored := h.allRows()
	require.Len(t, stored, 2)
	for _, r := range stored {
		switch r.Type {
		case generic.CommissionPlanOutright:
			amountEq(t, "750", r.Amount)
			assert.Equal(t, 5, r.MonthsCovered)
		case generic.CommissionRecruiterBonus:
			amountEq(t, "75", r.Amount)
			assert.Equal(t, generic.AgentID("recruiter"), r.AgentID)
		default:
			t.Fatalf("unexpected row type %s", r.Type)
		}
	}
}

func TestOnPaymentRecorded_UsesPriorHistory(t *testing.T) {
	h := newHarness(t)
	h.contract("c1", "agent-2", day(time.January, 1))
	h.record(h.payment("c1", "agent-2", "4980", day(time.January, 10), generic.PurposeRegular)) // 10 months

	res := h.record(h.payment("c1", "agent-2", "1992", day(time.February, 10), generic.PurposeRegular))

	require.Len(t, res.Rows, 2)
	assert.Equal(t, 2, generic.OutrightMonths(res.Rows))
	assert.Equal(t, 12, generic.OutrightMonths(h.allRows()))
}

func TestOnPaymentRecorded_UnknownPlan_RecordedWithoutRows(t *testing.T) {
	// GIVEN: A payment on a plan missing from the table
	// THEN: Payment stored, no rows, warning surfaced, no error

	h := newHarness(t)
	p := h.payment("c1", "agent-2", "498", day(time.January, 10), generic.PurposeRegular)
	p.PlanCode = "RETIRED"

	res := h.record(p)

	assert.True(t, res.UnknownPlan)
	assert.Empty(t, res.Rows)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "RETIRED")
	payments, err := h.mem.ListPaymentsForContract(h.ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestOnPaymentRecorded_NegativeAmount_Rejected(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.OnPaymentRecorded(h.ctx, h.payment("c1", "agent-2", "-10", day(time.January, 10), generic.PurposeRegular))

	assert.ErrorIs(t, err, generic.ErrInvariantViolation)
	payments, err := h.mem.ListPaymentsForContract(h.ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, payments, "rejected payment must not be stored")
}

func TestOnPaymentRecorded_Duplicate_Rejected(t *testing.T) {
	h := newHarness(t)
	p := h.payment("c1", "agent-2", "498", day(time.January, 10), generic.PurposeRegular)
	h.record(p)

	_, err := h.eng.OnPaymentRecorded(h.ctx, p)

	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
	assert.Len(t, h.allRows(), 1)
}

func TestOnPaymentRecorded_Backdated_Rejected(t *testing.T) {
	// GIVEN: A March payment already split on c1
	// WHEN: A January payment for c1 arrives afterwards
	// THEN: It is rejected as an invariant violation: not stored, no rows,
	//       and the March rows are untouched

	h := newHarness(t)
	h.record(h.payment("c1", "agent-2", "5976", day(time.March, 10), generic.PurposeRegular)) // 12 months
	before := h.allRows()

	_, err := h.eng.OnPaymentRecorded(h.ctx, h.payment("c1", "agent-2", "996", day(time.January, 10), generic.PurposeRegular))

	assert.ErrorIs(t, err, generic.ErrInvariantViolation)
	payments, err := h.mem.ListPaymentsForContract(h.ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, payments, 1, "backdated payment must not be stored")
	assert.Equal(t, before, h.allRows())

	_, err = h.eng.RunFullRecompute(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, before, h.allRows(), "nothing for a rebuild to reconcile")
}

func TestOnPaymentRecorded_SameDay_Accepted(t *testing.T) {
	h := newHarness(t)
	h.record(h.payment("c1", "agent-2", "4980", day(time.March, 10), generic.PurposeRegular))

	res := h.record(h.payment("c1", "agent-2", "1992", day(time.March, 10), generic.PurposeRegular))

	assert.Equal(t, int64(2), res.Payment.Seq)
	assert.Equal(t, 2, generic.OutrightMonths(res.Rows))
}

func TestOnPaymentRecorded_MembershipOnce(t *testing.T) {
	h := newHarness(t)
	first := h.record(h.payment("c1", "agent-1", "300", day(time.January, 10), generic.PurposeMembership))
	second := h.record(h.payment("c1", "agent-1", "300", day(time.February, 10), generic.PurposeMembership))

	assert.Len(t, first.Rows, 3)
	assert.Empty(t, second.Rows)
}

// =============================================================================
// FULL RECOMPUTE
// =============================================================================

func seedHistory(h *harness) {
	h.contract("c1", "agent-1", day(time.January, 1))
	h.contract("c2", "agent-2", day(time.January, 1))
	for i := 0; i < 8; i++ {
		h.record(h.payment("c1", "agent-1", "996", day(time.January, 1).AddMonths(i), generic.PurposeRegular))
		h.record(h.payment("c2", "agent-2", "498", day(time.January, 2).AddMonths(i), generic.PurposeRegular))
	}
	h.record(h.payment("c2", "agent-2", "300", day(time.September, 3), generic.PurposeMembership))
}

func TestRunFullRecompute_MatchesIncremental(t *testing.T) {
	h := newHarness(t)
	seedHistory(h)
	incremental := h.allRows()

	report, err := h.eng.RunFullRecompute(h.ctx)

	require.NoError(t, err)
	assert.Equal(t, incremental, h.allRows())
	assert.Equal(t, 2, report.Contracts)
	assert.Equal(t, 17, report.Payments)
	assert.Equal(t, len(incremental), report.Rows)
}

func TestRunFullRecompute_Twice_Identical(t *testing.T) {
	h := newHarness(t)
	seedHistory(h)

	_, err := h.eng.RunFullRecompute(h.ctx)
	require.NoError(t, err)
	first := h.allRows()

	_, err = h.eng.RunFullRecompute(h.ctx)
	require.NoError(t, err)

	assert.Equal(t, first, h.allRows())
	assert.LessOrEqual(t, generic.OutrightMonths(first), 2*commission.OutrightMonthsCap)
}

func TestRunFullRecompute_CountsUnknownPlans(t *testing.T) {
	h := newHarness(t)
	p := h.payment("c9", "agent-2", "498", day(time.January, 10), generic.PurposeRegular)
	p.PlanCode = "RETIRED"
	h.record(p)

	report, err := h.eng.RunFullRecompute(h.ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.UnknownPlan)
	assert.Zero(t, report.Rows)
}

func TestRunFullRecompute_KeepsReleasedStatus(t *testing.T) {
	// GIVEN: March billing period released for agent-2
	// WHEN: The ledger is rebuilt
	// THEN: Rebuilt March rows stay released, so nothing is paid twice

	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.record(h.payment(fmt.Sprintf("m%d", i), "agent-2", "300", day(time.February, 20), generic.PurposeMembership))
	}
	h.record(h.payment("c1", "agent-2", "498", day(time.March, 15), generic.PurposeRegular))

	march := generic.BillingPeriod{Year: 2025, Month: time.March}
	rep, err := h.eng.RunPeriodicRelease(h.ctx, march)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Counts[release.OutcomeReleased])

	_, err = h.eng.RunFullRecompute(h.ctx)
	require.NoError(t, err)

	rows, err := h.mem.ListCommissionRowsForContract(h.ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, generic.CommissionReleased, rows[0].Status)

	w, err := h.mem.GetWallet(h.ctx, "agent-2")
	require.NoError(t, err)
	amountEq(t, "150", w.Balance)
}

// interleavingStore runs before once, ahead of the next transaction, the way
// a payment recorded by another request lands between the parallel pass of
// a rebuild and its swap.
type interleavingStore struct {
	*store.TxMemory
	before func()
}

func (s *interleavingStore) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	if hook := s.before; hook != nil {
		s.before = nil
		hook()
	}
	return s.TxMemory.WithTx(ctx, fn)
}

func TestRunFullRecompute_PaymentsRecordedMidRebuild_Kept(t *testing.T) {
	// GIVEN: c1 holds a 10-month payment when the rebuild starts
	// WHEN: Before the swap, a 4-month payment lands on c1 and a 5-month
	//       payment opens c2
	// THEN: Both are in the rebuilt ledger, split as if recorded in order

	h := newHarness(t)
	h.record(h.payment("c1", "agent-2", "4980", day(time.January, 10), generic.PurposeRegular))

	st := &interleavingStore{TxMemory: h.mem}
	st.before = func() {
		h.record(h.payment("c1", "agent-2", "1992", day(time.February, 10), generic.PurposeRegular))
		h.record(h.payment("c2", "agent-2", "2490", day(time.February, 12), generic.PurposeRegular))
	}
	eng := engine.New(st, commission.StandardPlanTable(), logging.Discard())
	eng.Clock = h.eng.Clock

	report, err := eng.RunFullRecompute(h.ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, report.Contracts)
	assert.Equal(t, 3, report.Payments)
	assert.Equal(t, 2, report.Rederived)

	c1, err := h.mem.ListCommissionRowsForContract(h.ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 12, generic.OutrightMonths(c1))
	var monthly int
	for _, r := range c1 {
		if r.Type == generic.CommissionPlanMonthly {
			monthly += r.MonthsCovered
		}
	}
	assert.Equal(t, 2, monthly, "the February payment crosses the cap")

	c2, err := h.mem.ListCommissionRowsForContract(h.ctx, "c2")
	require.NoError(t, err)
	require.Len(t, c2, 1)
	assert.Equal(t, 5, c2[0].MonthsCovered)

	rebuilt := h.allRows()
	_, err = h.eng.RunFullRecompute(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, rebuilt, h.allRows())
}

func TestRunFullRecompute_KeepsReleasedStatus_CustomPeriods(t *testing.T) {
	// GIVEN: Release runs on calendar months, and March is released for
	//        agent-2, covering a row earned on March 3 (billing February)
	// WHEN: The ledger is rebuilt
	// THEN: The row stays released because the release periods decide it

	h := newHarness(t)
	h.eng.Release.Periods = generic.CalendarMonths
	for i := 0; i < 3; i++ {
		h.record(h.payment(fmt.Sprintf("m%d", i), "agent-2", "300", day(time.February, 10), generic.PurposeMembership))
	}
	h.record(h.payment("c1", "agent-2", "498", day(time.March, 3), generic.PurposeRegular))

	march := generic.BillingPeriod{Year: 2025, Month: time.March}
	rep, err := h.eng.RunPeriodicRelease(h.ctx, march)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Counts[release.OutcomeReleased])

	_, err = h.eng.RunFullRecompute(h.ctx)
	require.NoError(t, err)

	rows, err := h.mem.ListCommissionRowsForContract(h.ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, generic.CommissionReleased, rows[0].Status)

	w, err := h.mem.GetWallet(h.ctx, "agent-2")
	require.NoError(t, err)
	amountEq(t, "150", w.Balance)
}

// =============================================================================
// CONTESTABILITY + STATEMENTS
// =============================================================================

func TestContestability_FromContractAndPayments(t *testing.T) {
	h := newHarness(t)
	h.contract("c1", "agent-2", day(time.January, 5))
	h.record(h.payment("c1", "agent-2", "498", day(time.January, 5), generic.PurposeRegular))
	h.record(h.payment("c1", "agent-2", "498", day(time.February, 5), generic.PurposeRegular))

	s, err := h.eng.Contestability(h.ctx, "c1")

	require.NoError(t, err)
	assert.Equal(t, 5, s.Months)
	assert.True(t, s.Lapsed, "no payment since February")
}

func TestContestability_UnknownContract(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Contestability(h.ctx, "nope")
	assert.True(t, generic.IsNotFound(err))
}

func TestStatement_UsesCalendarMonth(t *testing.T) {
	// Rows on Mar 1 and Mar 31 are in the March statement even though
	// they fall in different billing months.
	h := newHarness(t)
	h.record(h.payment("c1", "agent-2", "498", day(time.March, 1), generic.PurposeRegular))
	h.record(h.payment("c1", "agent-2", "498", day(time.March, 31), generic.PurposeRegular))
	h.record(h.payment("c1", "agent-2", "498", day(time.April, 1), generic.PurposeRegular))

	st, err := h.eng.Statement(h.ctx, "agent-2", generic.BillingPeriod{Year: 2025, Month: time.March})

	require.NoError(t, err)
	assert.Len(t, st.Rows, 2)
	amountEq(t, "300", st.Total)
	amountEq(t, "300", st.ByType[generic.CommissionPlanOutright])
}
