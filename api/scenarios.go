/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with agents,
	contracts and payments. Payments go through OnPaymentRecorded, so the
	commission rows are derived exactly as in production.

AVAILABLE SCENARIOS:

	outright-split:  One payment covering 5 months, all outright
	outright-cap:    Payment straddling the 12-month outright cap
	agr-mix-release: AGR via the mix rule, recruiter bonus, release into wallet
	zero-release:    Eligible agent with nothing receivable; rollup still closes

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Create agents (with recruiters) and contracts
 3. Record payments in date order

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "agr-mix-release"}

	then, for the release scenarios:
	POST /api/admin/release
	{"year": 2025, "month": 3}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Admin triggers used after loading
  - commission/plans.go: PLAN-498 used throughout
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/collections-engine/commission"
	"github.com/warp/collections-engine/generic"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "outright-split",
		Name:        "Outright Split",
		Description: "2490 paid on a 498/month plan: 5 outright months, 750 commission",
	},
	{
		ID:          "outright-cap",
		Name:        "Outright Cap",
		Description: "10 outright months already earned; a 4-month payment splits 2 outright + 2 monthly",
	},
	{
		ID:          "agr-mix-release",
		Name:        "AGR Mix Rule",
		Description: "2 membership fees plus a regular payment on a shared contract qualify March 2025 for release",
	},
	{
		ID:          "zero-release",
		Name:        "Zero Release",
		Description: "Eligible agent with no March 2025 commission: rollup released with no wallet change",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "outright-split":
		load = h.loadOutrightSplitScenario
	case "outright-cap":
		load = h.loadOutrightCapScenario
	case "agr-mix-release":
		load = h.loadAGRMixScenario
	case "zero-release":
		load = h.loadZeroReleaseScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.Store.Reset(ctx); err != nil {
		h.writeDomainError(w, r, "Failed to reset store", err)
		return
	}
	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadOutrightSplitScenario(ctx context.Context) error {
	if err := h.seedAgent(ctx, "agent-ana", "Ana Reyes", ""); err != nil {
		return err
	}
	if err := h.seedContract(ctx, "ctr-1001", "agent-ana", date(time.January, 10)); err != nil {
		return err
	}
	return h.pay(ctx, "pay-1001-1", "ctr-1001", "agent-ana", "2490", date(time.February, 10), generic.PurposeRegular)
}

func (h *Handler) loadOutrightCapScenario(ctx context.Context) error {
	if err := h.seedAgent(ctx, "agent-ben", "Ben Cruz", ""); err != nil {
		return err
	}
	if err := h.seedContract(ctx, "ctr-2001", "agent-ben", date(time.January, 5)); err != nil {
		return err
	}
	// 10 months up front, then 4 more
	if err := h.pay(ctx, "pay-2001-1", "ctr-2001", "agent-ben", "4980", date(time.January, 10), generic.PurposeRegular); err != nil {
		return err
	}
	return h.pay(ctx, "pay-2001-2", "ctr-2001", "agent-ben", "1992", date(time.March, 10), generic.PurposeRegular)
}

func (h *Handler) loadAGRMixScenario(ctx context.Context) error {
	if err := h.seedAgent(ctx, "agent-lead", "Lea Santos", ""); err != nil {
		return err
	}
	if err := h.seedAgent(ctx, "agent-cara", "Cara Lim", "agent-lead"); err != nil {
		return err
	}
	for _, c := range []generic.ContractID{"ctr-3001", "ctr-3002"} {
		if err := h.seedContract(ctx, c, "agent-cara", date(time.February, 1)); err != nil {
			return err
		}
	}

	// February billing month (Feb 7 - Mar 6): 2 membership fees, and
	// ctr-3001 carries both kinds.
	steps := []struct {
		id, contract, amount string
		paid                 generic.TimePoint
		purpose              generic.PaymentPurpose
	}{
		{"pay-3001-m", "ctr-3001", "500", date(time.February, 10), generic.PurposeMembership},
		{"pay-3002-m", "ctr-3002", "500", date(time.February, 12), generic.PurposeMembership},
		{"pay-3001-1", "ctr-3001", "498", date(time.February, 20), generic.PurposeRegular},
		// March billing month: the commission that gets released
		{"pay-3001-2", "ctr-3001", "996", date(time.March, 10), generic.PurposeRegular},
		{"pay-3002-1", "ctr-3002", "498", date(time.March, 15), generic.PurposeRegular},
	}
	for _, s := range steps {
		if err := h.pay(ctx, generic.PaymentID(s.id), generic.ContractID(s.contract), "agent-cara", s.amount, s.paid, s.purpose); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadZeroReleaseScenario(ctx context.Context) error {
	if err := h.seedAgent(ctx, "agent-dan", "Dan Uy", ""); err != nil {
		return err
	}
	contracts := []generic.ContractID{"ctr-4001", "ctr-4002", "ctr-4003"}
	for i, c := range contracts {
		if err := h.seedContract(ctx, c, "agent-dan", date(time.February, 1)); err != nil {
			return err
		}
		id := generic.PaymentID(fmt.Sprintf("pay-%s-m", c))
		if err := h.pay(ctx, id, c, "agent-dan", "500", date(time.February, 10+i), generic.PurposeMembership); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func date(m time.Month, d int) generic.TimePoint {
	return generic.NewTimePoint(2025, m, d)
}

func (h *Handler) seedAgent(ctx context.Context, id generic.AgentID, name string, recruiter generic.AgentID) error {
	a := generic.Agent{ID: id, Name: name}
	if recruiter != "" {
		a.RecruiterID = &recruiter
	}
	return h.Store.SaveAgent(ctx, a)
}

func (h *Handler) seedContract(ctx context.Context, id generic.ContractID, agent generic.AgentID, start generic.TimePoint) error {
	return h.Store.SaveContract(ctx, generic.Contract{
		ID:        id,
		AgentID:   agent,
		PlanCode:  commission.StandardPlanCode,
		StartDate: start,
	})
}

func (h *Handler) pay(ctx context.Context, id generic.PaymentID, contract generic.ContractID, agent generic.AgentID, amount string, paid generic.TimePoint, purpose generic.PaymentPurpose) error {
	_, err := h.Engine.OnPaymentRecorded(ctx, generic.Payment{
		ID:         id,
		ContractID: contract,
		AgentID:    agent,
		Amount:     generic.MustParseDecimal(amount),
		DatePaid:   paid,
		Purpose:    purpose,
		PlanCode:   commission.StandardPlanCode,
	})
	return err
}
