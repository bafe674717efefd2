package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/collections-engine/generic"
	"github.com/warp/collections-engine/generic/store/storetest"
	"github.com/warp/collections-engine/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) generic.TxStore {
		return newStore(t)
	})
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "collections.db")

	// GIVEN: a file-backed store with a payment and a wallet credit
	s, err := sqlite.New(path)
	require.NoError(t, err)
	_, err = s.RecordPayment(ctx, generic.Payment{
		ID: "p1", ContractID: "c1", AgentID: "agent-1",
		Amount:   generic.MustParseDecimal("498"),
		DatePaid: generic.NewTimePoint(2025, time.March, 10),
		Purpose:  generic.PurposeRegular, PlanCode: "PLAN-498",
	})
	require.NoError(t, err)
	require.NoError(t, s.IncrementWalletBalance(ctx, "agent-1", generic.MustParseDecimal("150")))
	require.NoError(t, s.Close())

	// WHEN: reopened (migration is idempotent)
	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()

	// THEN: data survives
	list, err := s.ListPaymentsForContract(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(1), list[0].Seq)
	w, err := s.GetWallet(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, generic.MustParseDecimal("150").Equal(w.Balance))
}

func TestSQLiteStore_Reset(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.SaveAgent(ctx, generic.Agent{ID: "agent-1"}))
	require.NoError(t, s.IncrementWalletBalance(ctx, "agent-1", generic.MustParseDecimal("10")))
	require.NoError(t, s.Reset(ctx))

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)
	w, err := s.GetWallet(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
}
