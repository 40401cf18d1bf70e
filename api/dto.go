/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine aggregates from the external API contract: hours travel as
  JSON numbers here, while the aggregates keep exact decimals.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Accounts:  OpenAccountRequest, AccrueRequest, RedeemRequest, PayoutRequest, AccountDTO
  Windows:   ScheduleWindowRequest, AddCallOutRequest, CompleteCallOutRequest, WindowDTO
  Approvals: OvertimeRequestDTO, AccountRequestDTO, DecisionRequest, RequestDTO
  Admin:     SweepResultDTO, SweepRunDTO
  Scenarios: ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  Handler.decode, which decodes and validates in one step.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: Policy JSON documents (posted as-is)
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/overtime-engine/approval"
	"github.com/warp/overtime-engine/comptime"
	"github.com/warp/overtime-engine/engine"
	"github.com/warp/overtime-engine/generic"
	"github.com/warp/overtime-engine/oncall"
	"github.com/warp/overtime-engine/store/sqlite"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type OpenAccountRequest struct {
	EmployeeID string `json:"employee_id" validate:"required"`
	PolicyID   string `json:"policy_id" validate:"required"`
}

type AccrueRequest struct {
	SourceID      string     `json:"source_id" validate:"required"`
	OvertimeHours float64    `json:"overtime_hours" validate:"gt=0"`
	WorkedOn      *time.Time `json:"worked_on,omitempty"`
	Ratio         *float64   `json:"ratio,omitempty" validate:"omitempty,gt=0"`
}

type RedeemRequest struct {
	Hours     float64 `json:"hours" validate:"gt=0"`
	Approver  string  `json:"approver" validate:"required"`
	SourceRef string  `json:"source_ref,omitempty"`
}

type PayoutRequest struct {
	Hours    float64 `json:"hours" validate:"gt=0"`
	Approver string  `json:"approver" validate:"required"`
	Reason   string  `json:"reason,omitempty"`
}

// AccountDTO is the account summary.
type AccountDTO struct {
	ID              string   `json:"id"`
	EmployeeID      string   `json:"employee_id"`
	PolicyID        string   `json:"policy_id"`
	Balance         float64  `json:"balance_hours"`
	TotalAccrued    float64  `json:"total_accrued_hours"`
	TotalRedeemed   float64  `json:"total_redeemed_hours"`
	TotalExpired    float64  `json:"total_expired_hours"`
	TotalPaidOut    float64  `json:"total_paid_out_hours"`
	MaxBankHours    *float64 `json:"max_bank_hours,omitempty"`
	ExpiryDays      *int     `json:"expiry_days,omitempty"`
	AccrualRatio    string   `json:"accrual_ratio"`
	AllowsCarryover bool     `json:"allows_carryover"`
	Active          bool     `json:"active"`
	NearCapacity    bool     `json:"near_capacity"`
	Entries         int      `json:"accrual_entries"`
	Version         int64    `json:"version"`
}

// AccountDetailDTO adds the entry logs.
type AccountDetailDTO struct {
	AccountDTO
	Accruals    []comptime.AccrualEntry    `json:"accruals"`
	Redemptions []comptime.RedemptionEntry `json:"redemptions"`
	Expirations []comptime.ExpirationEntry `json:"expirations"`
	Payouts     []comptime.PayoutEntry     `json:"payouts"`
}

type ExpiringDTO struct {
	AccountID string  `json:"account_id"`
	Days      int     `json:"days"`
	Hours     float64 `json:"hours"`
}

// =============================================================================
// WINDOWS
// =============================================================================

// ScheduleWindowRequest creates a window either from a registered on_call
// policy (PolicyID) or from explicit pay terms.
type ScheduleWindowRequest struct {
	EmployeeID                string    `json:"employee_id" validate:"required"`
	PolicyID                  string    `json:"policy_id,omitempty"`
	Start                     time.Time `json:"start" validate:"required"`
	End                       time.Time `json:"end" validate:"required,gtfield=Start"`
	Type                      string    `json:"type,omitempty" validate:"omitempty,oneof=ON_CALL STANDBY BEEPER"`
	RateType                  string    `json:"rate_type,omitempty" validate:"omitempty,oneof=FLAT HOURLY PERCENTAGE"`
	FlatRate                  *float64  `json:"flat_rate,omitempty" validate:"omitempty,gte=0"`
	HourlyRate                *float64  `json:"hourly_rate,omitempty" validate:"omitempty,gte=0"`
	PercentageOfBase          *float64  `json:"percentage_of_base,omitempty" validate:"omitempty,gt=0,lte=100"`
	CallOutMinimumHours       *float64  `json:"call_out_minimum_hours,omitempty" validate:"omitempty,gte=0"`
	ResponseTimeTargetMinutes *int      `json:"response_time_target_minutes,omitempty" validate:"omitempty,gt=0"`
}

type AddCallOutRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

type CompleteCallOutRequest struct {
	WorkHours   float64  `json:"work_hours" validate:"gte=0"`
	TravelHours *float64 `json:"travel_hours,omitempty" validate:"omitempty,gte=0"`
	Multiplier  *float64 `json:"multiplier,omitempty" validate:"omitempty,gt=0"`
	AccountID   string   `json:"account_id,omitempty"`
	ChainID     string   `json:"chain_id,omitempty"`
}

type WindowDTO struct {
	ID                string    `json:"id"`
	EmployeeID        string    `json:"employee_id"`
	Start             time.Time `json:"start"`
	End               time.Time `json:"end"`
	Type              string    `json:"type"`
	Status            string    `json:"status"`
	RateType          string    `json:"rate_type"`
	CallOutCount      int       `json:"call_out_count"`
	TotalCallOutHours float64   `json:"total_call_out_hours"`
	HasResponseBreach bool      `json:"has_response_breach"`
	Version           int64     `json:"version"`
}

type WindowDetailDTO struct {
	WindowDTO
	CallOuts            []oncall.CallOutEvent `json:"call_outs"`
	Breaches            []oncall.Breach       `json:"breaches"`
	AverageResponseMins *float64              `json:"average_response_minutes,omitempty"`
	OnCallNow           bool                  `json:"on_call_now"`
}

// CallOutOutcomeDTO answers a completion.
type CallOutOutcomeDTO struct {
	Window  WindowDTO           `json:"window"`
	CallOut oncall.CallOutEvent `json:"call_out"`
	Request *RequestDTO         `json:"request,omitempty"`
}

type AmountDTO struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// =============================================================================
// APPROVALS
// =============================================================================

type OvertimeRequestDTO struct {
	EmployeeID string     `json:"employee_id" validate:"required"`
	OvertimeID string     `json:"overtime_id" validate:"required"`
	Hours      float64    `json:"hours" validate:"gt=0"`
	WorkedOn   *time.Time `json:"worked_on,omitempty"`
	AccountID  string     `json:"account_id,omitempty"`
	ChainID    string     `json:"chain_id,omitempty"`
}

// AccountRequestDTO asks to redeem or pay out banked hours.
type AccountRequestDTO struct {
	AccountID string  `json:"account_id" validate:"required"`
	Hours     float64 `json:"hours" validate:"gt=0"`
	ChainID   string  `json:"chain_id,omitempty"`
}

type StandbyPayRequestDTO struct {
	ChainID string `json:"chain_id,omitempty"`
}

// DecisionRequest is the body of approve/reject/escalate.
type DecisionRequest struct {
	Actor   string `json:"actor"`
	Comment string `json:"comment,omitempty" validate:"max=1000"`
}

type RequestDTO struct {
	ID              string             `json:"id"`
	Kind            string             `json:"kind"`
	EmployeeID      string             `json:"employee_id"`
	SubjectID       string             `json:"subject_id,omitempty"`
	Status          string             `json:"status"`
	CurrentLevel    int                `json:"current_level"`
	CurrentAssignee string             `json:"current_assignee"`
	Hours           float64            `json:"hours_requested"`
	Amount          *float64           `json:"amount_estimated,omitempty"`
	IsOverdue       bool               `json:"is_overdue"`
	IsEscalated     bool               `json:"is_escalated"`
	FinalApprover   string             `json:"final_approver,omitempty"`
	Levels          []approval.Level   `json:"levels"`
	Comments        []approval.Comment `json:"comments"`
	Metadata        map[string]string  `json:"metadata,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	Version         int64              `json:"version"`
}

type ApproveResponse struct {
	Request RequestDTO `json:"request"`
	Final   bool       `json:"final"`
}

// =============================================================================
// ADMIN
// =============================================================================

type SweepResultDTO struct {
	Kind      string            `json:"kind"`
	StartedAt time.Time         `json:"started_at"`
	Processed int               `json:"processed"`
	Affected  int               `json:"affected"`
	Hours     *float64          `json:"hours,omitempty"`
	Failures  map[string]string `json:"failures,omitempty"`
}

type SweepRunDTO struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Processed   int        `json:"processed"`
	Affected    int        `json:"affected"`
	Hours       string     `json:"hours,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type PolicyDTO struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Version int    `json:"version"`
	Config  any    `json:"config,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func hoursPtr(f *float64) *generic.Amount {
	if f == nil {
		return nil
	}
	a := generic.Hours(*f)
	return &a
}

func decimalPtr(f *float64) *decimal.Decimal {
	if f == nil {
		return nil
	}
	d := decimal.NewFromFloat(*f)
	return &d
}

func floatPtr(a *generic.Amount) *float64 {
	if a == nil {
		return nil
	}
	f := a.Float64()
	return &f
}

func toAccountDTO(a *comptime.Account, nearCapacity bool) AccountDTO {
	return AccountDTO{
		ID:              a.ID,
		EmployeeID:      string(a.EmployeeID),
		PolicyID:        string(a.PolicyID),
		Balance:         a.BalanceHours.Float64(),
		TotalAccrued:    a.TotalAccruedHours.Float64(),
		TotalRedeemed:   a.TotalRedeemedHours.Float64(),
		TotalExpired:    a.TotalExpiredHours.Float64(),
		TotalPaidOut:    a.TotalPaidOutHours.Float64(),
		MaxBankHours:    floatPtr(a.MaxBankHours),
		ExpiryDays:      a.ExpiryDays,
		AccrualRatio:    a.AccrualRatio.String(),
		AllowsCarryover: a.AllowsCarryover,
		Active:          a.Active,
		NearCapacity:    nearCapacity,
		Entries:         len(a.Accruals),
		Version:         a.Version,
	}
}

func toAccountDetailDTO(a *comptime.Account, nearCapacity bool) AccountDetailDTO {
	return AccountDetailDTO{
		AccountDTO:  toAccountDTO(a, nearCapacity),
		Accruals:    nonNil(a.Accruals),
		Redemptions: nonNil(a.Redemptions),
		Expirations: nonNil(a.Expirations),
		Payouts:     nonNil(a.Payouts),
	}
}

func toWindowDTO(w *oncall.Window) WindowDTO {
	return WindowDTO{
		ID:                w.ID,
		EmployeeID:        string(w.EmployeeID),
		Start:             w.WindowStart,
		End:               w.WindowEnd,
		Type:              string(w.Type),
		Status:            string(w.Status),
		RateType:          string(w.Pay.RateType),
		CallOutCount:      w.CallOutCount,
		TotalCallOutHours: w.TotalCallOutHours.Float64(),
		HasResponseBreach: w.HasResponseBreach,
		Version:           w.Version,
	}
}

func toRequestDTO(r *approval.Request) RequestDTO {
	return RequestDTO{
		ID:              r.ID,
		Kind:            string(r.Kind),
		EmployeeID:      string(r.EmployeeID),
		SubjectID:       r.SubjectID,
		Status:          string(r.Status),
		CurrentLevel:    r.CurrentLevel,
		CurrentAssignee: r.CurrentAssignee,
		Hours:           r.HoursRequested.Float64(),
		Amount:          floatPtr(r.AmountEstimated),
		IsOverdue:       r.IsOverdue,
		IsEscalated:     r.IsEscalated,
		FinalApprover:   r.FinalApprover,
		Levels:          r.Levels,
		Comments:        nonNil(r.Comments),
		Metadata:        r.Metadata,
		CreatedAt:       r.CreatedAt,
		Version:         r.Version,
	}
}

func toRequestDTOs(rs []*approval.Request) []RequestDTO {
	out := make([]RequestDTO, len(rs))
	for i, r := range rs {
		out[i] = toRequestDTO(r)
	}
	return out
}

func toSweepResultDTO(res engine.SweepResult) SweepResultDTO {
	dto := SweepResultDTO{
		Kind:      string(res.Kind),
		StartedAt: res.StartedAt,
		Processed: res.Processed,
		Affected:  res.Affected,
		Failures:  res.Failures,
	}
	if res.Kind == engine.SweepExpiry {
		h := res.Hours.Float64()
		dto.Hours = &h
	}
	return dto
}

func toSweepRunDTO(r sqlite.SweepRun) SweepRunDTO {
	return SweepRunDTO{
		ID:          r.ID,
		Kind:        r.Kind,
		Status:      r.Status,
		Processed:   r.Processed,
		Affected:    r.Affected,
		Hours:       r.Hours,
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

// nonNil keeps empty logs as [] rather than null in JSON.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
