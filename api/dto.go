/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY AND DATES:
  Amounts travel as decimal strings ("150.00"), never JSON numbers.
  Dates are YYYY-MM-DD; billing periods are YYYY-MM.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/plan.go: PlanTableDoc served by GET /api/plans
*/
package api

import (
	"sort"

	"github.com/warp/collections-engine/contestability"
	"github.com/warp/collections-engine/engine"
	"github.com/warp/collections-engine/generic"
	"github.com/warp/collections-engine/release"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateAgentRequest registers an agent, optionally with a recruiter.
type CreateAgentRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	RecruiterID string `json:"recruiter_id,omitempty"`
}

// CreateContractRequest registers a contract. ID is generated when empty.
type CreateContractRequest struct {
	ID        string `json:"id,omitempty"`
	AgentID   string `json:"agent_id"`
	PlanCode  string `json:"plan_code"`
	StartDate string `json:"start_date"`
}

// RecordPaymentRequest records one collected payment. ID is generated when
// empty; callers that retry should supply their own.
type RecordPaymentRequest struct {
	ID         string `json:"id,omitempty"`
	ContractID string `json:"contract_id"`
	AgentID    string `json:"agent_id"`
	Amount     string `json:"amount"`
	DatePaid   string `json:"date_paid"`
	Purpose    string `json:"purpose"`
	PlanCode   string `json:"plan_code,omitempty"`
}

// ReleaseRequest selects the billing period(s) to release. When To is set,
// every period from Year/Month through To is released in order.
type ReleaseRequest struct {
	Year  int    `json:"year"`
	Month int    `json:"month"`
	To    string `json:"to,omitempty"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type AgentDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	RecruiterID string `json:"recruiter_id,omitempty"`
}

type ContractDTO struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	PlanCode  string `json:"plan_code"`
	StartDate string `json:"start_date"`
}

type PaymentDTO struct {
	ID         string `json:"id"`
	ContractID string `json:"contract_id"`
	AgentID    string `json:"agent_id"`
	Amount     string `json:"amount"`
	DatePaid   string `json:"date_paid"`
	Purpose    string `json:"purpose"`
	PlanCode   string `json:"plan_code"`
	Seq        int64  `json:"seq"`
}

type CommissionRowDTO struct {
	ID             string `json:"id"`
	AgentID        string `json:"agent_id"`
	ContractID     string `json:"contract_id"`
	PaymentID      string `json:"payment_id"`
	Type           string `json:"type"`
	PlanCode       string `json:"plan_code"`
	BasisAmount    string `json:"basis_amount"`
	MonthsCovered  int    `json:"months_covered"`
	Amount         string `json:"amount"`
	OverrideAmount string `json:"override_amount,omitempty"`
	EarnedDate     string `json:"earned_date"`
	Status         string `json:"status"`
}

// PaymentResponse is returned by POST /api/payments.
type PaymentResponse struct {
	Payment     PaymentDTO         `json:"payment"`
	Rows        []CommissionRowDTO `json:"rows"`
	UnknownPlan bool               `json:"unknown_plan"`
	Warnings    []string           `json:"warnings,omitempty"`
}

type WalletDTO struct {
	AgentID            string `json:"agent_id"`
	Balance            string `json:"balance"`
	LifetimeCommission string `json:"lifetime_commission"`
}

type RollupDTO struct {
	Period         string `json:"period"`
	Status         string `json:"status"`
	ReleasedAmount string `json:"released_amount"`
	ReleasedAt     string `json:"released_at,omitempty"`
}

type StatementDTO struct {
	AgentID     string             `json:"agent_id"`
	Period      string             `json:"period"`
	WindowStart string             `json:"window_start"`
	WindowEnd   string             `json:"window_end"`
	ByType      map[string]string  `json:"by_type"`
	Total       string             `json:"total"`
	Rows        []CommissionRowDTO `json:"rows"`
}

type EligibilityDTO struct {
	AgentID         string   `json:"agent_id"`
	Period          string   `json:"period"`
	WindowStart     string   `json:"window_start"`
	WindowEnd       string   `json:"window_end"`
	MembershipCount int      `json:"membership_count"`
	RegularCount    int      `json:"regular_count"`
	MixedContracts  []string `json:"mixed_contracts"`
	Eligible        bool     `json:"eligible"`
	Rule            string   `json:"rule,omitempty"`
}

type ContestabilityDTO struct {
	ContractID     string `json:"contract_id"`
	Months         int    `json:"months"`
	Contestable    bool   `json:"contestable"`
	EffectiveStart string `json:"effective_start"`
	LastActivity   string `json:"last_activity,omitempty"`
	Lapsed         bool   `json:"lapsed"`
	Reinstatements int    `json:"reinstatements"`
}

type AgentResultDTO struct {
	AgentID string `json:"agent_id"`
	Outcome string `json:"outcome"`
	Amount  string `json:"amount"`
	Error   string `json:"error,omitempty"`
}

type ReleaseReportDTO struct {
	Period   string           `json:"period"`
	Counts   map[string]int   `json:"counts"`
	Released string           `json:"released"`
	Results  []AgentResultDTO `json:"results"`
}

type RecomputeDTO struct {
	Contracts   int    `json:"contracts"`
	Payments    int    `json:"payments"`
	Rows        int    `json:"rows"`
	UnknownPlan int    `json:"unknown_plan"`
	Rejected    int    `json:"rejected"`
	Rederived   int    `json:"rederived"`
	Duration    string `json:"duration"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAgentDTO(a generic.Agent) AgentDTO {
	dto := AgentDTO{ID: string(a.ID), Name: a.Name}
	if a.RecruiterID != nil {
		dto.RecruiterID = string(*a.RecruiterID)
	}
	return dto
}

func toContractDTO(c generic.Contract) ContractDTO {
	return ContractDTO{
		ID:        string(c.ID),
		AgentID:   string(c.AgentID),
		PlanCode:  string(c.PlanCode),
		StartDate: c.StartDate.String(),
	}
}

func toPaymentDTO(p generic.Payment) PaymentDTO {
	return PaymentDTO{
		ID:         string(p.ID),
		ContractID: string(p.ContractID),
		AgentID:    string(p.AgentID),
		Amount:     p.Amount.StringFixed(2),
		DatePaid:   p.DatePaid.String(),
		Purpose:    string(p.Purpose),
		PlanCode:   string(p.PlanCode),
		Seq:        p.Seq,
	}
}

func toRowDTOs(rows []generic.CommissionRow) []CommissionRowDTO {
	dtos := make([]CommissionRowDTO, len(rows))
	for i, r := range rows {
		dtos[i] = CommissionRowDTO{
			ID:            string(r.ID),
			AgentID:       string(r.AgentID),
			ContractID:    string(r.ContractID),
			PaymentID:     string(r.PaymentID),
			Type:          string(r.Type),
			PlanCode:      string(r.PlanCode),
			BasisAmount:   r.BasisAmount.StringFixed(2),
			MonthsCovered: r.MonthsCovered,
			Amount:        r.Amount.StringFixed(2),
			EarnedDate:    r.EarnedDate.String(),
			Status:        string(r.Status),
		}
		if r.OverrideAmount.Valid {
			dtos[i].OverrideAmount = r.OverrideAmount.Decimal.StringFixed(2)
		}
	}
	return dtos
}

func toPaymentResponse(res engine.PaymentResult) PaymentResponse {
	return PaymentResponse{
		Payment:     toPaymentDTO(res.Payment),
		Rows:        toRowDTOs(res.Rows),
		UnknownPlan: res.UnknownPlan,
		Warnings:    res.Warnings,
	}
}

func toWalletDTO(w generic.WalletBalance) WalletDTO {
	return WalletDTO{
		AgentID:            string(w.AgentID),
		Balance:            w.Balance.StringFixed(2),
		LifetimeCommission: w.LifetimeCommission.StringFixed(2),
	}
}

func toRollupDTOs(rollups []generic.ReleaseRollup) []RollupDTO {
	dtos := make([]RollupDTO, len(rollups))
	for i, r := range rollups {
		dtos[i] = RollupDTO{
			Period:         r.Period.String(),
			Status:         string(r.Status),
			ReleasedAmount: r.ReleasedAmount.StringFixed(2),
		}
		if r.ReleasedAt != nil {
			dtos[i].ReleasedAt = r.ReleasedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
	}
	return dtos
}

func toStatementDTO(st engine.Statement) StatementDTO {
	dto := StatementDTO{
		AgentID:     string(st.AgentID),
		Period:      st.Period.String(),
		WindowStart: st.Window.Start.String(),
		WindowEnd:   st.Window.End.String(),
		ByType:      make(map[string]string, len(st.ByType)),
		Total:       st.Total.StringFixed(2),
		Rows:        toRowDTOs(st.Rows),
	}
	for t, amount := range st.ByType {
		dto.ByType[string(t)] = amount.StringFixed(2)
	}
	return dto
}

func toEligibilityDTO(agentID generic.AgentID, period generic.BillingPeriod, e release.Eligibility) EligibilityDTO {
	mixed := make([]string, len(e.MixedContracts))
	for i, c := range e.MixedContracts {
		mixed[i] = string(c)
	}
	return EligibilityDTO{
		AgentID:         string(agentID),
		Period:          period.String(),
		WindowStart:     e.Window.Start.String(),
		WindowEnd:       e.Window.End.String(),
		MembershipCount: e.MembershipCount,
		RegularCount:    e.RegularCount,
		MixedContracts:  mixed,
		Eligible:        e.Eligible,
		Rule:            string(e.Rule),
	}
}

func toContestabilityDTO(contractID generic.ContractID, s contestability.State) ContestabilityDTO {
	dto := ContestabilityDTO{
		ContractID:     string(contractID),
		Months:         s.Months,
		Contestable:    s.Contestable(),
		EffectiveStart: s.EffectiveStart.String(),
		Lapsed:         s.Lapsed,
		Reinstatements: s.Reinstatements,
	}
	if !s.LastActivity.IsZero() {
		dto.LastActivity = s.LastActivity.String()
	}
	return dto
}

func toReleaseReportDTO(r release.Report) ReleaseReportDTO {
	dto := ReleaseReportDTO{
		Period:   r.Period.String(),
		Counts:   make(map[string]int, len(r.Counts)),
		Released: r.Released.StringFixed(2),
		Results:  make([]AgentResultDTO, len(r.Results)),
	}
	for o, n := range r.Counts {
		dto.Counts[string(o)] = n
	}
	for i, res := range r.Results {
		dto.Results[i] = AgentResultDTO{
			AgentID: string(res.AgentID),
			Outcome: string(res.Outcome),
			Amount:  res.Amount.StringFixed(2),
		}
		if res.Err != nil {
			dto.Results[i].Error = res.Err.Error()
		}
	}
	sort.Slice(dto.Results, func(i, j int) bool { return dto.Results[i].AgentID < dto.Results[j].AgentID })
	return dto
}

func toRecomputeDTO(r engine.RecomputeReport) RecomputeDTO {
	return RecomputeDTO{
		Contracts:   r.Contracts,
		Payments:    r.Payments,
		Rows:        r.Rows,
		UnknownPlan: r.UnknownPlan,
		Rejected:    r.Rejected,
		Rederived:   r.Rederived,
		Duration:    r.Duration.String(),
	}
}
