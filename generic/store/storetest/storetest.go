// Package storetest runs the same behavioural checks against every
// generic.TxStore implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/collections-engine/generic"
)

// Factory returns an empty store. Cleanup is the caller's job (t.Cleanup).
type Factory func(t *testing.T) generic.TxStore

// Run executes the full suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("Payments", func(t *testing.T) { testPayments(t, newStore(t)) })
	t.Run("Directory", func(t *testing.T) { testDirectory(t, newStore(t)) })
	t.Run("CommissionRows", func(t *testing.T) { testCommissionRows(t, newStore(t)) })
	t.Run("Rollups", func(t *testing.T) { testRollups(t, newStore(t)) })
	t.Run("Wallets", func(t *testing.T) { testWallets(t, newStore(t)) })
	t.Run("WithTxRollback", func(t *testing.T) { testWithTxRollback(t, newStore(t)) })
	t.Run("ConcurrentIncrement", func(t *testing.T) { testConcurrentIncrement(t, newStore(t)) })
}

func date(m time.Month, d int) generic.TimePoint {
	return generic.NewTimePoint(2025, m, d)
}

func payment(id, contract string, paid generic.TimePoint, purpose generic.PaymentPurpose) generic.Payment {
	return generic.Payment{
		ID:         generic.PaymentID(id),
		ContractID: generic.ContractID(contract),
		AgentID:    "agent-1",
		Amount:     generic.MustParseDecimal("498.00"),
		DatePaid:   paid,
		Purpose:    purpose,
		PlanCode:   "PLAN-498",
	}
}

func row(id string, typ generic.CommissionType, earned generic.TimePoint, amount string) generic.CommissionRow {
	return generic.CommissionRow{
		ID:            generic.CommissionRowID(id),
		AgentID:       "agent-1",
		ContractID:    "c1",
		PaymentID:     "p1",
		Type:          typ,
		PlanCode:      "PLAN-498",
		BasisAmount:   generic.MustParseDecimal("498"),
		MonthsCovered: 1,
		Amount:        generic.MustParseDecimal(amount),
		EarnedDate:    earned,
		Status:        generic.CommissionPending,
	}
}

func testPayments(t *testing.T, s generic.TxStore) {
	ctx := context.Background()

	// GIVEN: payments recorded out of date order
	late, err := s.RecordPayment(ctx, payment("p2", "c1", date(time.March, 10), generic.PurposeRegular))
	require.NoError(t, err)
	early, err := s.RecordPayment(ctx, payment("p1", "c1", date(time.February, 10), generic.PurposeMembership))
	require.NoError(t, err)
	_, err = s.RecordPayment(ctx, payment("p3", "c2", date(time.March, 10), generic.PurposeRegular))
	require.NoError(t, err)

	// THEN: seq reflects arrival, listing reflects date
	assert.Less(t, late.Seq, early.Seq)
	list, err := s.ListPaymentsForContract(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, generic.PaymentID("p1"), list[0].ID)
	assert.True(t, generic.MustParseDecimal("498").Equal(list[0].Amount))
	assert.Equal(t, generic.PurposeMembership, list[0].Purpose)
	assert.True(t, date(time.February, 10).Equal(list[0].DatePaid))

	// Range is half-open
	inRange, err := s.ListPaymentsForAgentInRange(ctx, "agent-1", date(time.February, 10), date(time.March, 10))
	require.NoError(t, err)
	require.Len(t, inRange, 1)
	assert.Equal(t, generic.PaymentID("p1"), inRange[0].ID)

	ids, err := s.ListContractIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []generic.ContractID{"c1", "c2"}, ids)

	// Duplicate id rejected
	_, err = s.RecordPayment(ctx, payment("p1", "c1", date(time.April, 1), generic.PurposeRegular))
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
}

func testDirectory(t *testing.T, s generic.TxStore) {
	ctx := context.Background()
	recruiter := generic.AgentID("boss")

	require.NoError(t, s.SaveAgent(ctx, generic.Agent{ID: "boss", Name: "Boss"}))
	require.NoError(t, s.SaveAgent(ctx, generic.Agent{ID: "agent-1", Name: "First", RecruiterID: &recruiter}))

	a, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, a.RecruiterID)
	assert.Equal(t, recruiter, *a.RecruiterID)

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, generic.AgentID("agent-1"), agents[0].ID)

	_, err = s.GetAgent(ctx, "ghost")
	assert.True(t, generic.IsNotFound(err))

	c := generic.Contract{ID: "c1", AgentID: "agent-1", PlanCode: "PLAN-498", StartDate: date(time.January, 15)}
	require.NoError(t, s.SaveContract(ctx, c))
	got, err := s.GetContract(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, c.AgentID, got.AgentID)
	assert.True(t, c.StartDate.Equal(got.StartDate))

	_, err = s.GetContract(ctx, "c9")
	assert.True(t, generic.IsNotFound(err))
}

func testCommissionRows(t *testing.T, s generic.TxStore) {
	ctx := context.Background()

	bonus := row("r3", generic.CommissionRecruiterBonus, date(time.March, 20), "15")
	bonus.OverrideAmount = decimal.NewNullDecimal(generic.MustParseDecimal("20"))
	rows := []generic.CommissionRow{
		row("r1", generic.CommissionPlanOutright, date(time.March, 7), "150"),
		row("r2", generic.CommissionPlanOutright, date(time.April, 7), "150"),
		bonus,
	}
	require.NoError(t, s.InsertCommissionRows(ctx, rows))

	byContract, err := s.ListCommissionRowsForContract(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, byContract, 3)
	assert.Equal(t, 2, generic.OutrightMonths(byContract))

	window, err := s.ListCommissionRowsForAgentInRange(ctx, "agent-1", date(time.March, 7), date(time.April, 7))
	require.NoError(t, err)
	require.Len(t, window, 2)
	for _, r := range window {
		if r.Type == generic.CommissionRecruiterBonus {
			require.True(t, r.OverrideAmount.Valid)
			assert.True(t, generic.MustParseDecimal("20").Equal(r.OverrideAmount.Decimal))
		}
	}

	// Batch with one duplicate inserts nothing
	err = s.InsertCommissionRows(ctx, []generic.CommissionRow{
		row("r4", generic.CommissionPlanMonthly, date(time.May, 1), "120"),
		row("r1", generic.CommissionPlanOutright, date(time.May, 1), "150"),
	})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
	byContract, err = s.ListCommissionRowsForContract(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, byContract, 3)

	require.NoError(t, s.MarkCommissionRowsReleased(ctx, []generic.CommissionRowID{"r1", "r3", "r-missing"}))
	require.NoError(t, s.MarkCommissionRowsReleased(ctx, nil))
	all, err := s.ListCommissionRowsForContract(ctx, "c1")
	require.NoError(t, err)
	statuses := map[generic.CommissionRowID]generic.CommissionStatus{}
	for _, r := range all {
		statuses[r.ID] = r.Status
	}
	assert.Equal(t, generic.CommissionReleased, statuses["r1"])
	assert.Equal(t, generic.CommissionPending, statuses["r2"])
	assert.Equal(t, generic.CommissionReleased, statuses["r3"])

	require.NoError(t, s.DeleteAllCommissionRows(ctx))
	all, err = s.ListCommissionRowsForContract(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testRollups(t *testing.T, s generic.TxStore) {
	ctx := context.Background()
	march := generic.BillingPeriod{Year: 2025, Month: time.March}
	feb := march.Previous()

	r, err := s.GetOrCreateRollup(ctx, "agent-1", march)
	require.NoError(t, err)
	assert.Equal(t, generic.RollupUnreleased, r.Status)
	assert.Equal(t, march, r.Period)

	_, err = s.GetOrCreateRollup(ctx, "agent-1", feb)
	require.NoError(t, err)

	changed, err := s.UpdateRollupStatus(ctx, "agent-1", march, generic.RollupReleased, generic.MustParseDecimal("270"))
	require.NoError(t, err)
	assert.True(t, changed)

	// Second transition loses
	changed, err = s.UpdateRollupStatus(ctx, "agent-1", march, generic.RollupReleased, generic.MustParseDecimal("270"))
	require.NoError(t, err)
	assert.False(t, changed)

	r, err = s.GetOrCreateRollup(ctx, "agent-1", march)
	require.NoError(t, err)
	assert.True(t, r.IsReleased())
	assert.True(t, generic.MustParseDecimal("270").Equal(r.ReleasedAmount))
	assert.NotNil(t, r.ReleasedAt)

	list, err := s.ListRollups(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, feb, list[0].Period)
	assert.Equal(t, march, list[1].Period)
}

func testWallets(t *testing.T, s generic.TxStore) {
	ctx := context.Background()

	w, err := s.GetWallet(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())

	require.NoError(t, s.IncrementWalletBalance(ctx, "agent-1", generic.MustParseDecimal("150.25")))
	require.NoError(t, s.IncrementWalletBalance(ctx, "agent-1", generic.MustParseDecimal("120")))

	w, err = s.GetWallet(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, generic.MustParseDecimal("270.25").Equal(w.Balance), "got %s", w.Balance)
	assert.True(t, generic.MustParseDecimal("270.25").Equal(w.LifetimeCommission))
}

func testWithTxRollback(t *testing.T, s generic.TxStore) {
	ctx := context.Background()
	boom := errors.New("boom")

	// WHEN: a transaction writes then fails
	err := s.WithTx(ctx, func(tx generic.Store) error {
		if _, err := tx.RecordPayment(ctx, payment("p1", "c1", date(time.March, 10), generic.PurposeRegular)); err != nil {
			return err
		}
		if err := tx.IncrementWalletBalance(ctx, "agent-1", generic.MustParseDecimal("150")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// THEN: nothing persisted
	list, err := s.ListPaymentsForContract(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, list)
	w, err := s.GetWallet(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())

	// WHEN: a transaction commits
	err = s.WithTx(ctx, func(tx generic.Store) error {
		_, err := tx.RecordPayment(ctx, payment("p1", "c1", date(time.March, 10), generic.PurposeRegular))
		return err
	})
	require.NoError(t, err)
	list, err = s.ListPaymentsForContract(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testConcurrentIncrement(t *testing.T, s generic.TxStore) {
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.IncrementWalletBalance(ctx, "agent-1", generic.MustParseDecimal("1.50")))
		}()
	}
	wg.Wait()

	w, err := s.GetWallet(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, generic.MustParseDecimal("30").Equal(w.Balance), "got %s", w.Balance)
}
