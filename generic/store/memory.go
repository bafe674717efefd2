// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/collections-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	st *memState
}

type rollupKey struct {
	AgentID generic.AgentID
	Period  generic.BillingPeriod
}

type memState struct {
	seq       int64
	payments  map[generic.ContractID][]generic.Payment
	paymentID map[generic.PaymentID]bool
	agents    map[generic.AgentID]generic.Agent
	contracts map[generic.ContractID]generic.Contract
	rows      []generic.CommissionRow
	rowIDs    map[generic.CommissionRowID]int
	rollups   map[rollupKey]generic.ReleaseRollup
	wallets   map[generic.AgentID]generic.WalletBalance
}

func newMemState() *memState {
	return &memState{
		payments:  make(map[generic.ContractID][]generic.Payment),
		paymentID: make(map[generic.PaymentID]bool),
		agents:    make(map[generic.AgentID]generic.Agent),
		contracts: make(map[generic.ContractID]generic.Contract),
		rowIDs:    make(map[generic.CommissionRowID]int),
		rollups:   make(map[rollupKey]generic.ReleaseRollup),
		wallets:   make(map[generic.AgentID]generic.WalletBalance),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newMemState()}
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newMemState()
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (m *Memory) RecordPayment(_ context.Context, p generic.Payment) (generic.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.recordPayment(p)
}

func (s *memState) recordPayment(p generic.Payment) (generic.Payment, error) {
	if s.paymentID[p.ID] {
		return generic.Payment{}, fmt.Errorf("%w: payment %s", generic.ErrDuplicateIdempotencyKey, p.ID)
	}
	s.seq++
	p.Seq = s.seq

	txs := s.payments[p.ContractID]
	// Binary search for insertion point keeps the slice ordered by (DatePaid, Seq)
	i := sort.Search(len(txs), func(i int) bool {
		return p.Before(txs[i])
	})
	txs = append(txs, generic.Payment{})
	copy(txs[i+1:], txs[i:])
	txs[i] = p
	s.payments[p.ContractID] = txs
	s.paymentID[p.ID] = true
	return p, nil
}

func (m *Memory) ListPaymentsForContract(_ context.Context, contractID generic.ContractID) ([]generic.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listPaymentsForContract(contractID), nil
}

func (s *memState) listPaymentsForContract(contractID generic.ContractID) []generic.Payment {
	result := make([]generic.Payment, len(s.payments[contractID]))
	copy(result, s.payments[contractID])
	return result
}

func (m *Memory) ListPaymentsForAgentInRange(_ context.Context, agentID generic.AgentID, from, toExclusive generic.TimePoint) ([]generic.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listPaymentsForAgentInRange(agentID, from, toExclusive), nil
}

func (s *memState) listPaymentsForAgentInRange(agentID generic.AgentID, from, toExclusive generic.TimePoint) []generic.Payment {
	var result []generic.Payment
	for _, txs := range s.payments {
		for _, p := range txs {
			if p.AgentID == agentID && from.BeforeOrEqual(p.DatePaid) && p.DatePaid.Before(toExclusive) {
				result = append(result, p)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Before(result[j]) })
	return result
}

func (m *Memory) ListContractIDs(_ context.Context) ([]generic.ContractID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listContractIDs(), nil
}

func (s *memState) listContractIDs() []generic.ContractID {
	ids := make([]generic.ContractID, 0, len(s.payments))
	for id := range s.payments {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (m *Memory) SaveAgent(_ context.Context, a generic.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.agents[a.ID] = a
	return nil
}

func (m *Memory) GetAgent(_ context.Context, id generic.AgentID) (generic.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getAgent(id)
}

func (s *memState) getAgent(id generic.AgentID) (generic.Agent, error) {
	a, ok := s.agents[id]
	if !ok {
		return generic.Agent{}, fmt.Errorf("agent %s: %w", id, generic.ErrNotFound)
	}
	return a, nil
}

func (m *Memory) ListAgents(_ context.Context) ([]generic.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listAgents(), nil
}

func (s *memState) listAgents() []generic.Agent {
	out := make([]generic.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) SaveContract(_ context.Context, c generic.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.contracts[c.ID] = c
	return nil
}

func (m *Memory) GetContract(_ context.Context, id generic.ContractID) (generic.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getContract(id)
}

func (s *memState) getContract(id generic.ContractID) (generic.Contract, error) {
	c, ok := s.contracts[id]
	if !ok {
		return generic.Contract{}, fmt.Errorf("contract %s: %w", id, generic.ErrNotFound)
	}
	return c, nil
}

// =============================================================================
// COMMISSION ROWS
// =============================================================================

func (m *Memory) InsertCommissionRows(_ context.Context, rows []generic.CommissionRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.insertRows(rows)
}

func (s *memState) insertRows(rows []generic.CommissionRow) error {
	// Check all ids first (atomic check)
	for _, r := range rows {
		if _, ok := s.rowIDs[r.ID]; ok {
			return fmt.Errorf("%w: commission row %s", generic.ErrDuplicateIdempotencyKey, r.ID)
		}
	}
	for _, r := range rows {
		s.rowIDs[r.ID] = len(s.rows)
		s.rows = append(s.rows, r)
	}
	return nil
}

func (m *Memory) DeleteAllCommissionRows(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.deleteAllRows()
	return nil
}

func (s *memState) deleteAllRows() {
	s.rows = nil
	s.rowIDs = make(map[generic.CommissionRowID]int)
}

func (m *Memory) ListCommissionRowsForContract(_ context.Context, contractID generic.ContractID) ([]generic.CommissionRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.rowsWhere(func(r generic.CommissionRow) bool { return r.ContractID == contractID }), nil
}

func (m *Memory) ListCommissionRowsForAgentInRange(_ context.Context, agentID generic.AgentID, from, toExclusive generic.TimePoint) ([]generic.CommissionRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.rowsWhere(agentRange(agentID, from, toExclusive)), nil
}

func agentRange(agentID generic.AgentID, from, toExclusive generic.TimePoint) func(generic.CommissionRow) bool {
	return func(r generic.CommissionRow) bool {
		return r.AgentID == agentID && from.BeforeOrEqual(r.EarnedDate) && r.EarnedDate.Before(toExclusive)
	}
}

func (s *memState) rowsWhere(keep func(generic.CommissionRow) bool) []generic.CommissionRow {
	var out []generic.CommissionRow
	for _, r := range s.rows {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func (m *Memory) MarkCommissionRowsReleased(_ context.Context, ids []generic.CommissionRowID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.markReleased(ids)
	return nil
}

func (s *memState) markReleased(ids []generic.CommissionRowID) {
	want := make(map[generic.CommissionRowID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i := range s.rows {
		if want[s.rows[i].ID] {
			s.rows[i].Status = generic.CommissionReleased
		}
	}
}

// =============================================================================
// ROLLUPS
// =============================================================================

func (m *Memory) GetOrCreateRollup(_ context.Context, agentID generic.AgentID, period generic.BillingPeriod) (generic.ReleaseRollup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.getOrCreateRollup(agentID, period), nil
}

func (s *memState) getOrCreateRollup(agentID generic.AgentID, period generic.BillingPeriod) generic.ReleaseRollup {
	k := rollupKey{AgentID: agentID, Period: period}
	if r, ok := s.rollups[k]; ok {
		return r
	}
	r := generic.ReleaseRollup{
		AgentID:   agentID,
		Period:    period,
		Status:    generic.RollupUnreleased,
		CreatedAt: time.Now().UTC(),
	}
	s.rollups[k] = r
	return r
}

func (m *Memory) UpdateRollupStatus(_ context.Context, agentID generic.AgentID, period generic.BillingPeriod, status generic.RollupStatus, releasedAmount decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateRollupStatus(agentID, period, status, releasedAmount), nil
}

func (s *memState) updateRollupStatus(agentID generic.AgentID, period generic.BillingPeriod, status generic.RollupStatus, releasedAmount decimal.Decimal) bool {
	k := rollupKey{AgentID: agentID, Period: period}
	r, ok := s.rollups[k]
	if !ok || r.Status == status {
		return false
	}
	r.Status = status
	if status == generic.RollupReleased {
		now := time.Now().UTC()
		r.ReleasedAt = &now
		r.ReleasedAmount = releasedAmount
	}
	s.rollups[k] = r
	return true
}

func (m *Memory) ListRollups(_ context.Context, agentID generic.AgentID) ([]generic.ReleaseRollup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listRollups(agentID), nil
}

func (s *memState) listRollups(agentID generic.AgentID) []generic.ReleaseRollup {
	var out []generic.ReleaseRollup
	for k, r := range s.rollups {
		if k.AgentID == agentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period.Before(out[j].Period) })
	return out
}

// =============================================================================
// WALLETS
// =============================================================================

// IncrementWalletBalance is atomic because it runs entirely under the store mutex.
func (m *Memory) IncrementWalletBalance(_ context.Context, agentID generic.AgentID, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.increment(agentID, amount)
	return nil
}

func (s *memState) increment(agentID generic.AgentID, amount decimal.Decimal) {
	w := s.wallets[agentID]
	w.AgentID = agentID
	w.Balance = w.Balance.Add(amount)
	w.LifetimeCommission = w.LifetimeCommission.Add(amount)
	w.UpdatedAt = time.Now().UTC()
	s.wallets[agentID] = w
}

func (m *Memory) GetWallet(_ context.Context, agentID generic.AgentID) (generic.WalletBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.wallet(agentID), nil
}

func (s *memState) wallet(agentID generic.AgentID) generic.WalletBalance {
	w, ok := s.wallets[agentID]
	if !ok {
		return generic.WalletBalance{AgentID: agentID, Balance: decimal.Zero, LifetimeCommission: decimal.Zero}
	}
	return w
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.st.clone()

	if err := fn(&txMemoryView{st: tm.st}); err != nil {
		tm.st = snapshot
		return err
	}
	return nil
}

func (s *memState) clone() *memState {
	c := newMemState()
	c.seq = s.seq
	for k, v := range s.payments {
		c.payments[k] = append([]generic.Payment{}, v...)
	}
	for k, v := range s.paymentID {
		c.paymentID[k] = v
	}
	for k, v := range s.agents {
		c.agents[k] = v
	}
	for k, v := range s.contracts {
		c.contracts[k] = v
	}
	c.rows = append([]generic.CommissionRow{}, s.rows...)
	for k, v := range s.rowIDs {
		c.rowIDs[k] = v
	}
	for k, v := range s.rollups {
		c.rollups[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	return c
}

// txMemoryView runs against the parent state while WithTx holds its lock.
type txMemoryView struct {
	st *memState
}

func (tv *txMemoryView) RecordPayment(_ context.Context, p generic.Payment) (generic.Payment, error) {
	return tv.st.recordPayment(p)
}

func (tv *txMemoryView) ListPaymentsForContract(_ context.Context, contractID generic.ContractID) ([]generic.Payment, error) {
	return tv.st.listPaymentsForContract(contractID), nil
}

func (tv *txMemoryView) ListPaymentsForAgentInRange(_ context.Context, agentID generic.AgentID, from, toExclusive generic.TimePoint) ([]generic.Payment, error) {
	return tv.st.listPaymentsForAgentInRange(agentID, from, toExclusive), nil
}

func (tv *txMemoryView) ListContractIDs(_ context.Context) ([]generic.ContractID, error) {
	return tv.st.listContractIDs(), nil
}

func (tv *txMemoryView) SaveAgent(_ context.Context, a generic.Agent) error {
	tv.st.agents[a.ID] = a
	return nil
}

func (tv *txMemoryView) GetAgent(_ context.Context, id generic.AgentID) (generic.Agent, error) {
	return tv.st.getAgent(id)
}

func (tv *txMemoryView) ListAgents(_ context.Context) ([]generic.Agent, error) {
	return tv.st.listAgents(), nil
}

func (tv *txMemoryView) SaveContract(_ context.Context, c generic.Contract) error {
	tv.st.contracts[c.ID] = c
	return nil
}

func (tv *txMemoryView) GetContract(_ context.Context, id generic.ContractID) (generic.Contract, error) {
	return tv.st.getContract(id)
}

func (tv *txMemoryView) InsertCommissionRows(_ context.Context, rows []generic.CommissionRow) error {
	return tv.st.insertRows(rows)
}

func (tv *txMemoryView) DeleteAllCommissionRows(_ context.Context) error {
	tv.st.deleteAllRows()
	return nil
}

func (tv *txMemoryView) ListCommissionRowsForContract(_ context.Context, contractID generic.ContractID) ([]generic.CommissionRow, error) {
	return tv.st.rowsWhere(func(r generic.CommissionRow) bool { return r.ContractID == contractID }), nil
}

func (tv *txMemoryView) ListCommissionRowsForAgentInRange(_ context.Context, agentID generic.AgentID, from, toExclusive generic.TimePoint) ([]generic.CommissionRow, error) {
	return tv.st.rowsWhere(agentRange(agentID, from, toExclusive)), nil
}

func (tv *txMemoryView) MarkCommissionRowsReleased(_ context.Context, ids []generic.CommissionRowID) error {
	tv.st.markReleased(ids)
	return nil
}

func (tv *txMemoryView) GetOrCreateRollup(_ context.Context, agentID generic.AgentID, period generic.BillingPeriod) (generic.ReleaseRollup, error) {
	return tv.st.getOrCreateRollup(agentID, period), nil
}

func (tv *txMemoryView) UpdateRollupStatus(_ context.Context, agentID generic.AgentID, period generic.BillingPeriod, status generic.RollupStatus, releasedAmount decimal.Decimal) (bool, error) {
	return tv.st.updateRollupStatus(agentID, period, status, releasedAmount), nil
}

func (tv *txMemoryView) ListRollups(_ context.Context, agentID generic.AgentID) ([]generic.ReleaseRollup, error) {
	return tv.st.listRollups(agentID), nil
}

func (tv *txMemoryView) IncrementWalletBalance(_ context.Context, agentID generic.AgentID, amount decimal.Decimal) error {
	tv.st.increment(agentID, amount)
	return nil
}

func (tv *txMemoryView) GetWallet(_ context.Context, agentID generic.AgentID) (generic.WalletBalance, error) {
	return tv.st.wallet(agentID), nil
}
