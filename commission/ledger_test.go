package commission_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/collections-engine/commission"
	"github.com/warp/collections-engine/generic"
	"github.com/warp/collections-engine/generic/store"
)

func newTestLedger(t *testing.T) (*commission.Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return commission.NewLedger(mem), mem
}

func outrightRow(paymentID string, months int) generic.CommissionRow {
	return generic.CommissionRow{
		ID:            generic.RowID(generic.PaymentID(paymentID), generic.CommissionPlanOutright, "agent-1"),
		AgentID:       "agent-1",
		ContractID:    "ctr-1",
		PaymentID:     generic.PaymentID(paymentID),
		Type:          generic.CommissionPlanOutright,
		MonthsCovered: months,
		Amount:        generic.MustParseDecimal("150"),
		Status:        generic.CommissionPending,
	}
}

func TestLedger_AppendWithinCap(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.AppendForContract(ctx, "ctr-1", []generic.CommissionRow{outrightRow("p1", 7)}))
	require.NoError(t, ledger.AppendForContract(ctx, "ctr-1", []generic.CommissionRow{outrightRow("p2", 5)}))

	rows, err := ledger.ContractRows(ctx, "ctr-1")
	require.NoError(t, err)
	assert.Equal(t, 12, generic.OutrightMonths(rows))
}

func TestLedger_OutrightOverflow_Rejected(t *testing.T) {
	// GIVEN: 10 outright months already stored for the contract
	// WHEN: Appending a row that would take it to 13
	// THEN: InvariantViolation, nothing stored

	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, ledger.AppendForContract(ctx, "ctr-1", []generic.CommissionRow{outrightRow("p1", 10)}))

	err := ledger.AppendForContract(ctx, "ctr-1", []generic.CommissionRow{outrightRow("p2", 3)})

	assert.ErrorIs(t, err, generic.ErrInvariantViolation)
	rows, err := ledger.ContractRows(ctx, "ctr-1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestLedger_ForeignContractRow_Rejected(t *testing.T) {
	ledger, _ := newTestLedger(t)
	row := outrightRow("p1", 1)
	row.ContractID = "ctr-other"

	err := ledger.AppendForContract(context.Background(), "ctr-1", []generic.CommissionRow{row})
	assert.ErrorIs(t, err, generic.ErrInvariantViolation)
}

func TestLedger_DuplicateIDs_Rejected(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	// Within one batch
	err := ledger.AppendForContract(ctx, "ctr-1", []generic.CommissionRow{outrightRow("p1", 1), outrightRow("p1", 1)})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)

	// Across batches
	require.NoError(t, ledger.AppendForContract(ctx, "ctr-1", []generic.CommissionRow{outrightRow("p1", 1)}))
	err = ledger.AppendForContract(ctx, "ctr-1", []generic.CommissionRow{outrightRow("p1", 1)})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
}

func TestLedger_UnknownType_Rejected(t *testing.T) {
	ledger, _ := newTestLedger(t)
	row := outrightRow("p1", 1)
	row.Type = "signing_bonus"

	err := ledger.AppendForContract(context.Background(), "ctr-1", []generic.CommissionRow{row})
	assert.ErrorIs(t, err, generic.ErrInvariantViolation)
}
