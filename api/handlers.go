/*
handlers.go - HTTP API handlers for the collections engine

PURPOSE:
  Exposes the derivation engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine triggers.

ENDPOINTS:
  Agents:
    GET    /api/agents                          List agents
    POST   /api/agents                          Register agent (+ recruiter)
    GET    /api/agents/{id}/wallet              Withdrawable balance
    GET    /api/agents/{id}/commissions         Calendar-month statement (?year=&month=)
    GET    /api/agents/{id}/rollups             Release state per billing period
    GET    /api/agents/{id}/eligibility         AGR check for a period (?year=&month=)

  Contracts:
    POST   /api/contracts                       Register contract
    GET    /api/contracts/{id}/payments         Payment history
    GET    /api/contracts/{id}/commissions      Derived rows
    GET    /api/contracts/{id}/contestability   Contestability months

  Payments:
    POST   /api/payments                        Record payment -> OnPaymentRecorded

  Admin:
    POST   /api/admin/recompute                 Full recompute from payments
    POST   /api/admin/release                   Release one or more billing periods

  Plans:
    GET    /api/plans                           Active plan-rate table

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invariant violations, bad periods
  - 404: Agent or contract not found
  - 409: Duplicate payment id
  - 503: Storage unavailable (safe to retry)
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Deploy behind a gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/collections-engine/engine"
	"github.com/warp/collections-engine/factory"
	"github.com/warp/collections-engine/generic"
	"github.com/warp/collections-engine/internal/logging"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the persistence the API needs: the engine's store plus Reset for
// demo scenarios.
type Store interface {
	generic.TxStore
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *engine.Engine
	Store  Store
	Plans  *generic.StaticPlanTable
	Logger *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over an engine whose store is st.
func NewHandler(eng *engine.Engine, st Store, plans *generic.StaticPlanTable, logger *slog.Logger) *Handler {
	return &Handler{Engine: eng, Store: st, Plans: plans, Logger: logger}
}

// =============================================================================
// AGENT HANDLERS
// =============================================================================

// ListAgents returns all agents.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Store.ListAgents(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list agents", err)
		return
	}
	dtos := make([]AgentDTO, len(agents))
	for i, a := range agents {
		dtos[i] = toAgentDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAgent registers an agent. A recruiter, if given, must already exist.
func (h *Handler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		req.ID = "agent-" + uuid.NewString()
	}
	if req.RecruiterID == req.ID {
		writeError(w, http.StatusBadRequest, "Agent cannot recruit itself", nil)
		return
	}

	agent := generic.Agent{ID: generic.AgentID(req.ID), Name: req.Name}
	if req.RecruiterID != "" {
		if _, err := h.Store.GetAgent(r.Context(), generic.AgentID(req.RecruiterID)); err != nil {
			h.writeDomainError(w, r, "Unknown recruiter", err)
			return
		}
		recruiter := generic.AgentID(req.RecruiterID)
		agent.RecruiterID = &recruiter
	}

	if err := h.Store.SaveAgent(r.Context(), agent); err != nil {
		h.writeDomainError(w, r, "Failed to save agent", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgentDTO(agent))
}

// GetWallet returns an agent's withdrawable balance.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	agentID, ok := h.agentParam(w, r)
	if !ok {
		return
	}
	wallet, err := h.Store.GetWallet(r.Context(), agentID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

// GetAgentCommissions returns the agent's calendar-month statement.
// Defaults to the current month.
func (h *Handler) GetAgentCommissions(w http.ResponseWriter, r *http.Request) {
	agentID, ok := h.agentParam(w, r)
	if !ok {
		return
	}
	period, err := periodParam(r, h.Engine.Statements.PeriodFor(h.Engine.Clock()))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}
	st, err := h.Engine.Statement(r.Context(), agentID, period)
	if err != nil {
		h.writeDomainError(w, r, "Failed to build statement", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(st))
}

// GetRollups returns the agent's release state per billing period.
func (h *Handler) GetRollups(w http.ResponseWriter, r *http.Request) {
	agentID, ok := h.agentParam(w, r)
	if !ok {
		return
	}
	rollups, err := h.Store.ListRollups(r.Context(), agentID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list rollups", err)
		return
	}
	writeJSON(w, http.StatusOK, toRollupDTOs(rollups))
}

// GetEligibility explains the AGR decision for a billing period.
// Defaults to the most recently completed billing period.
func (h *Handler) GetEligibility(w http.ResponseWriter, r *http.Request) {
	agentID, ok := h.agentParam(w, r)
	if !ok {
		return
	}
	scheduler := h.Engine.Release
	period, err := periodParam(r, scheduler.Periods.PeriodFor(h.Engine.Clock()).Previous())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}
	e, err := scheduler.Eligibility(r.Context(), agentID, period)
	if err != nil {
		h.writeDomainError(w, r, "Failed to check eligibility", err)
		return
	}
	writeJSON(w, http.StatusOK, toEligibilityDTO(agentID, period, e))
}

// agentParam reads {id} and verifies the agent exists.
func (h *Handler) agentParam(w http.ResponseWriter, r *http.Request) (generic.AgentID, bool) {
	id := generic.AgentID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetAgent(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "Agent not found", err)
		return "", false
	}
	return id, true
}

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

// CreateContract registers a contract for an existing agent.
func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	var req CreateContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AgentID == "" || req.PlanCode == "" {
		writeError(w, http.StatusBadRequest, "agent_id and plan_code are required", nil)
		return
	}
	start, err := generic.ParseDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date (want YYYY-MM-DD)", err)
		return
	}
	if _, err := h.Store.GetAgent(r.Context(), generic.AgentID(req.AgentID)); err != nil {
		h.writeDomainError(w, r, "Unknown agent", err)
		return
	}
	if req.ID == "" {
		req.ID = "ctr-" + uuid.NewString()
	}

	c := generic.Contract{
		ID:        generic.ContractID(req.ID),
		AgentID:   generic.AgentID(req.AgentID),
		PlanCode:  generic.PlanCode(req.PlanCode),
		StartDate: start,
	}
	if err := h.Store.SaveContract(r.Context(), c); err != nil {
		h.writeDomainError(w, r, "Failed to save contract", err)
		return
	}
	writeJSON(w, http.StatusCreated, toContractDTO(c))
}

// GetContractPayments returns the contract's payment history.
func (h *Handler) GetContractPayments(w http.ResponseWriter, r *http.Request) {
	id := generic.ContractID(chi.URLParam(r, "id"))
	payments, err := h.Store.ListPaymentsForContract(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list payments", err)
		return
	}
	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetContractCommissions returns every row derived from the contract.
func (h *Handler) GetContractCommissions(w http.ResponseWriter, r *http.Request) {
	id := generic.ContractID(chi.URLParam(r, "id"))
	rows, err := h.Store.ListCommissionRowsForContract(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list commission rows", err)
		return
	}
	writeJSON(w, http.StatusOK, toRowDTOs(rows))
}

// GetContestability returns the contract's contestability months.
func (h *Handler) GetContestability(w http.ResponseWriter, r *http.Request) {
	id := generic.ContractID(chi.URLParam(r, "id"))
	state, err := h.Engine.Contestability(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to compute contestability", err)
		return
	}
	writeJSON(w, http.StatusOK, toContestabilityDTO(id, state))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// RecordPayment records a payment and derives its commission rows.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := h.paymentFromRequest(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, r, "Invalid payment", err)
		return
	}

	res, err := h.Engine.OnPaymentRecorded(r.Context(), p)
	if err != nil {
		h.writeDomainError(w, r, "Failed to record payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResponse(res))
}

// paymentFromRequest parses the body. The plan code defaults to the
// contract's when omitted.
func (h *Handler) paymentFromRequest(ctx context.Context, req RecordPaymentRequest) (generic.Payment, error) {
	if req.ContractID == "" || req.AgentID == "" {
		return generic.Payment{}, generic.Violation("payment", "contract_id and agent_id are required")
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		return generic.Payment{}, generic.Violation("payment", "invalid amount %q", req.Amount)
	}
	paid, err := generic.ParseDate(req.DatePaid)
	if err != nil {
		return generic.Payment{}, generic.Violation("payment", "invalid date_paid %q", req.DatePaid)
	}
	purpose, err := generic.ParsePaymentPurpose(req.Purpose)
	if err != nil {
		return generic.Payment{}, generic.Violation("payment", "%v", err)
	}

	plan := generic.PlanCode(req.PlanCode)
	if plan == "" {
		c, err := h.Store.GetContract(ctx, generic.ContractID(req.ContractID))
		if err != nil {
			return generic.Payment{}, err
		}
		plan = c.PlanCode
	}
	if req.ID == "" {
		req.ID = "pay-" + uuid.NewString()
	}

	return generic.Payment{
		ID:         generic.PaymentID(req.ID),
		ContractID: generic.ContractID(req.ContractID),
		AgentID:    generic.AgentID(req.AgentID),
		Amount:     amount,
		DatePaid:   paid,
		Purpose:    purpose,
		PlanCode:   plan,
	}, nil
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerRecompute rebuilds every commission row from payments.
func (h *Handler) TriggerRecompute(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.RunFullRecompute(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Recompute failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecomputeDTO(report))
}

// TriggerRelease releases one billing period, or a range when "to" is set.
func (h *Handler) TriggerRelease(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	from, err := generic.NewBillingPeriod(req.Year, req.Month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}

	if req.To == "" {
		report, err := h.Engine.RunPeriodicRelease(r.Context(), from)
		if err != nil {
			h.writeDomainError(w, r, "Release failed", err)
			return
		}
		writeJSON(w, http.StatusOK, toReleaseReportDTO(report))
		return
	}

	to, err := generic.ParseBillingPeriod(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}
	reports, err := h.Engine.Release.RunPeriods(r.Context(), from, to)
	if err != nil {
		h.writeDomainError(w, r, "Release failed", err)
		return
	}
	dtos := make([]ReleaseReportDTO, len(reports))
	for i, rep := range reports {
		dtos[i] = toReleaseReportDTO(rep)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListPlans returns the active plan-rate table.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, factory.Doc(h.Plans))
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		logging.L(r.Context()).Error(message, "error", err, "path", r.URL.Path)
	}
	resp := ErrorResponse{Error: message, Code: code, Details: err.Error()}
	writeJSON(w, status, resp)
}

func classify(err error) (int, string) {
	switch {
	case generic.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, generic.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, generic.ErrUnknownPlan):
		return http.StatusUnprocessableEntity, "unknown_plan"
	case generic.IsClientError(err):
		return http.StatusBadRequest, "invalid"
	case generic.IsRetryable(err):
		return http.StatusServiceUnavailable, "storage_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// periodParam reads ?year=&month=, falling back when both are absent.
func periodParam(r *http.Request, fallback generic.BillingPeriod) (generic.BillingPeriod, error) {
	q := r.URL.Query()
	ys, ms := q.Get("year"), q.Get("month")
	if ys == "" && ms == "" {
		return fallback, nil
	}
	year, err := strconv.Atoi(ys)
	if err != nil {
		return generic.BillingPeriod{}, fmt.Errorf("%w: year %q", generic.ErrInvalidPeriod, ys)
	}
	month, err := strconv.Atoi(ms)
	if err != nil {
		return generic.BillingPeriod{}, fmt.Errorf("%w: month %q", generic.ErrInvalidPeriod, ms)
	}
	return generic.NewBillingPeriod(year, month)
}
