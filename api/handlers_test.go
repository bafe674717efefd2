/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Directory endpoints (agents, contracts)
- Payment intake and error mapping
- Statements, eligibility, release, wallet
- Demo scenarios end to end
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/collections-engine/commission"
	"github.com/warp/collections-engine/engine"
	"github.com/warp/collections-engine/generic"
	"github.com/warp/collections-engine/internal/logging"
	"github.com/warp/collections-engine/store/sqlite"
)

type testServer struct {
	t      *testing.T
	store  *sqlite.Store
	engine *engine.Engine
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := logging.Discard()
	plans := commission.StandardPlanTable()
	eng := engine.New(store, plans, logger)
	eng.Clock = func() generic.TimePoint { return generic.NewTimePoint(2025, time.April, 15) }

	h := NewHandler(eng, store, plans, logger)
	return &testServer{t: t, store: store, engine: eng, router: NewRouter(h, []string{"*"})}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) seedDirectory() {
	s.t.Helper()
	rec := s.do("POST", "/api/agents", CreateAgentRequest{ID: "boss", Name: "Boss"})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do("POST", "/api/agents", CreateAgentRequest{ID: "agent-1", Name: "Ana", RecruiterID: "boss"})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do("POST", "/api/contracts", CreateContractRequest{
		ID: "ctr-1", AgentID: "agent-1", PlanCode: string(commission.StandardPlanCode), StartDate: "2025-01-10",
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
}

// =============================================================================
// DIRECTORY
// =============================================================================

func TestCreateAgent(t *testing.T) {
	s := newTestServer(t)
	s.seedDirectory()

	agents := decode[[]AgentDTO](t, s.do("GET", "/api/agents", nil))
	require.Len(t, agents, 2)
	assert.Equal(t, "agent-1", agents[0].ID)
	assert.Equal(t, "boss", agents[0].RecruiterID)

	// Unknown recruiter
	rec := s.do("POST", "/api/agents", CreateAgentRequest{ID: "agent-2", RecruiterID: "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Self-recruit
	rec = s.do("POST", "/api/agents", CreateAgentRequest{ID: "agent-3", RecruiterID: "agent-3"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Generated id
	created := decode[AgentDTO](t, s.do("POST", "/api/agents", CreateAgentRequest{Name: "Anon"}))
	assert.NotEmpty(t, created.ID)
}

func TestCreateContract_Validation(t *testing.T) {
	s := newTestServer(t)
	s.seedDirectory()

	rec := s.do("POST", "/api/contracts", CreateContractRequest{AgentID: "agent-1", PlanCode: "PLAN-498", StartDate: "10/01/2025"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do("POST", "/api/contracts", CreateContractRequest{AgentID: "ghost", PlanCode: "PLAN-498", StartDate: "2025-01-10"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	c := decode[ContractDTO](t, s.do("POST", "/api/contracts",
		CreateContractRequest{AgentID: "agent-1", PlanCode: "PLAN-498", StartDate: "2025-01-10"}))
	assert.Contains(t, c.ID, "ctr-")
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestRecordPayment_DerivesRows(t *testing.T) {
	// GIVEN: an agent with a recruiter and a PLAN-498 contract
	s := newTestServer(t)
	s.seedDirectory()

	// WHEN: 2490 is collected (5 months)
	rec := s.do("POST", "/api/payments", RecordPaymentRequest{
		ID: "pay-1", ContractID: "ctr-1", AgentID: "agent-1",
		Amount: "2490", DatePaid: "2025-02-10", Purpose: "regular",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[PaymentResponse](t, rec)

	// THEN: plan code comes from the contract; 750 outright plus 75 override
	assert.Equal(t, "PLAN-498", resp.Payment.PlanCode)
	require.Len(t, resp.Rows, 2)
	assert.Equal(t, "plan_outright", resp.Rows[0].Type)
	assert.Equal(t, 5, resp.Rows[0].MonthsCovered)
	assert.Equal(t, "750.00", resp.Rows[0].Amount)
	assert.Equal(t, "recruiter_bonus", resp.Rows[1].Type)
	assert.Equal(t, "boss", resp.Rows[1].AgentID)
	assert.Equal(t, "75.00", resp.Rows[1].Amount)

	rows := decode[[]CommissionRowDTO](t, s.do("GET", "/api/contracts/ctr-1/commissions", nil))
	assert.Len(t, rows, 2)
	payments := decode[[]PaymentDTO](t, s.do("GET", "/api/contracts/ctr-1/payments", nil))
	require.Len(t, payments, 1)
	assert.Equal(t, "2490.00", payments[0].Amount)
}

func TestRecordPayment_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	s.seedDirectory()

	ok := RecordPaymentRequest{ID: "pay-1", ContractID: "ctr-1", AgentID: "agent-1", Amount: "498", DatePaid: "2025-02-10", Purpose: "regular"}
	require.Equal(t, http.StatusCreated, s.do("POST", "/api/payments", ok).Code)

	tests := []struct {
		name   string
		mutate func(*RecordPaymentRequest)
		status int
		code   string
	}{
		{"duplicate id", func(r *RecordPaymentRequest) {}, http.StatusConflict, "duplicate"},
		{"negative amount", func(r *RecordPaymentRequest) { r.ID = "p-neg"; r.Amount = "-1" }, http.StatusBadRequest, "invalid"},
		{"bad amount", func(r *RecordPaymentRequest) { r.ID = "p-bad"; r.Amount = "lots" }, http.StatusBadRequest, "invalid"},
		{"bad date", func(r *RecordPaymentRequest) { r.ID = "p-date"; r.DatePaid = "Feb 10" }, http.StatusBadRequest, "invalid"},
		{"bad purpose", func(r *RecordPaymentRequest) { r.ID = "p-purp"; r.Purpose = "tip" }, http.StatusBadRequest, "invalid"},
		{"dated before an existing payment", func(r *RecordPaymentRequest) { r.ID = "p-old"; r.DatePaid = "2025-01-10" }, http.StatusBadRequest, "invalid"},
		{"unknown contract", func(r *RecordPaymentRequest) { r.ID = "p-ctr"; r.ContractID = "ctr-9" }, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := ok
			tt.mutate(&req)
			rec := s.do("POST", "/api/payments", req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestRecordPayment_UnknownPlanStillRecorded(t *testing.T) {
	s := newTestServer(t)
	s.seedDirectory()

	rec := s.do("POST", "/api/payments", RecordPaymentRequest{
		ID: "pay-x", ContractID: "ctr-1", AgentID: "agent-1",
		Amount: "498", DatePaid: "2025-02-10", Purpose: "regular", PlanCode: "PLAN-000",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[PaymentResponse](t, rec)
	assert.True(t, resp.UnknownPlan)
	assert.Empty(t, resp.Rows)
	assert.NotEmpty(t, resp.Warnings)
}

// =============================================================================
// STATEMENTS, CONTESTABILITY
// =============================================================================

func TestAgentCommissions_CalendarMonth(t *testing.T) {
	s := newTestServer(t)
	s.seedDirectory()

	// Mar 3 is in calendar March but billing February
	for _, p := range []RecordPaymentRequest{
		{ID: "p1", Amount: "498", DatePaid: "2025-03-03"},
		{ID: "p2", Amount: "498", DatePaid: "2025-03-20"},
	} {
		p.ContractID, p.AgentID, p.Purpose = "ctr-1", "agent-1", "regular"
		require.Equal(t, http.StatusCreated, s.do("POST", "/api/payments", p).Code)
	}

	st := decode[StatementDTO](t, s.do("GET", "/api/agents/agent-1/commissions?year=2025&month=3", nil))
	assert.Equal(t, "2025-03-01", st.WindowStart)
	assert.Equal(t, "2025-03-31", st.WindowEnd)
	assert.Equal(t, "300.00", st.Total)
	assert.Equal(t, "300.00", st.ByType["plan_outright"])

	rec := s.do("GET", "/api/agents/agent-1/commissions?year=2025&month=13", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do("GET", "/api/agents/ghost/commissions", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContestability(t *testing.T) {
	s := newTestServer(t)
	s.seedDirectory()
	require.Equal(t, http.StatusCreated, s.do("POST", "/api/payments", RecordPaymentRequest{
		ID: "p1", ContractID: "ctr-1", AgentID: "agent-1", Amount: "498", DatePaid: "2025-02-10", Purpose: "regular",
	}).Code)

	// Clock is 2025-04-15; contract started 2025-01-10
	c := decode[ContestabilityDTO](t, s.do("GET", "/api/contracts/ctr-1/contestability", nil))
	assert.Equal(t, 3, c.Months)
	assert.True(t, c.Contestable)
	assert.False(t, c.Lapsed)

	rec := s.do("GET", "/api/contracts/ctr-9/contestability", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// RELEASE VIA SCENARIOS
// =============================================================================

func TestScenario_AGRMixRelease(t *testing.T) {
	// GIVEN: the mix-rule scenario
	s := newTestServer(t)
	rec := s.do("POST", "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "agr-mix-release"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: March is eligible through the mix rule
	e := decode[EligibilityDTO](t, s.do("GET", "/api/agents/agent-cara/eligibility?year=2025&month=3", nil))
	assert.True(t, e.Eligible)
	assert.Equal(t, "membership_and_regular", e.Rule)
	assert.Equal(t, 2, e.MembershipCount)
	assert.Equal(t, []string{"ctr-3001"}, e.MixedContracts)
	assert.Equal(t, "2025-02-07", e.WindowStart)

	// WHEN: March is released
	rep := decode[ReleaseReportDTO](t, s.do("POST", "/api/admin/release", ReleaseRequest{Year: 2025, Month: 3}))

	// THEN: 300 (2 months on ctr-3001) + 150 (1 month on ctr-3002)
	assert.Equal(t, 1, rep.Counts["released"])
	wallet := decode[WalletDTO](t, s.do("GET", "/api/agents/agent-cara/wallet", nil))
	assert.Equal(t, "450.00", wallet.Balance)

	rollups := decode[[]RollupDTO](t, s.do("GET", "/api/agents/agent-cara/rollups", nil))
	require.Len(t, rollups, 1)
	assert.Equal(t, "released", rollups[0].Status)
	assert.Equal(t, "450.00", rollups[0].ReleasedAmount)

	// Releasing again changes nothing
	rep = decode[ReleaseReportDTO](t, s.do("POST", "/api/admin/release", ReleaseRequest{Year: 2025, Month: 3}))
	assert.Equal(t, 1, rep.Counts["already_released"])
	wallet = decode[WalletDTO](t, s.do("GET", "/api/agents/agent-cara/wallet", nil))
	assert.Equal(t, "450.00", wallet.Balance)

	current := decode[ScenarioDTO](t, s.do("GET", "/api/scenarios/current", nil))
	assert.Equal(t, "agr-mix-release", current.ID)
}

func TestScenario_ZeroRelease(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.do("POST", "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "zero-release"}).Code)

	rep := decode[ReleaseReportDTO](t, s.do("POST", "/api/admin/release", ReleaseRequest{Year: 2025, Month: 3}))
	assert.Equal(t, 1, rep.Counts["released_zero"])
	assert.Equal(t, "0.00", rep.Released)

	rollups := decode[[]RollupDTO](t, s.do("GET", "/api/agents/agent-dan/rollups", nil))
	require.Len(t, rollups, 1)
	assert.Equal(t, "released", rollups[0].Status)
	wallet := decode[WalletDTO](t, s.do("GET", "/api/agents/agent-dan/wallet", nil))
	assert.Equal(t, "0.00", wallet.Balance)
}

func TestScenario_OutrightCapAndRecompute(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.do("POST", "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "outright-cap"}).Code)

	before := decode[[]CommissionRowDTO](t, s.do("GET", "/api/contracts/ctr-2001/commissions", nil))
	byPayment := map[string]map[string]CommissionRowDTO{}
	for _, r := range before {
		if byPayment[r.PaymentID] == nil {
			byPayment[r.PaymentID] = map[string]CommissionRowDTO{}
		}
		byPayment[r.PaymentID][r.Type] = r
	}
	assert.Equal(t, "1500.00", byPayment["pay-2001-1"]["plan_outright"].Amount)
	assert.Equal(t, "300.00", byPayment["pay-2001-2"]["plan_outright"].Amount)
	assert.Equal(t, "240.00", byPayment["pay-2001-2"]["plan_monthly"].Amount)

	rep := decode[RecomputeDTO](t, s.do("POST", "/api/admin/recompute", nil))
	assert.Equal(t, 1, rep.Contracts)
	assert.Equal(t, len(before), rep.Rows)

	after := decode[[]CommissionRowDTO](t, s.do("GET", "/api/contracts/ctr-2001/commissions", nil))
	assert.ElementsMatch(t, before, after)
}

func TestLoadScenario_Unknown(t *testing.T) {
	s := newTestServer(t)
	rec := s.do("POST", "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerRelease_Range(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.do("POST", "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "agr-mix-release"}).Code)

	reports := decode[[]ReleaseReportDTO](t, s.do("POST", "/api/admin/release", ReleaseRequest{Year: 2025, Month: 2, To: "2025-03"}))
	require.Len(t, reports, 2)
	assert.Equal(t, "2025-02", reports[0].Period)
	assert.Equal(t, "2025-03", reports[1].Period)

	rec := s.do("POST", "/api/admin/release", ReleaseRequest{Year: 2025, Month: 3, To: "2025-02"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// MISC
// =============================================================================

func TestPlansHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	plans := decode[map[string]any](t, s.do("GET", "/api/plans", nil))
	assert.Contains(t, plans, "plans")

	assert.Equal(t, http.StatusOK, s.do("GET", "/healthz", nil).Code)

	rec := s.do("GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "collections_http_requests_total")
}

func TestRequestLogger_PropagatesRequestID(t *testing.T) {
	var got string
	h := middleware.RequestID(requestLogger(logging.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = logging.RequestID(r.Context())
	})))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-42")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "req-42", got)
}
