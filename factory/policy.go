/*
Package factory provides JSON to Go policy conversion.

PURPOSE:
  Converts JSON policy documents into the configuration the three engine
  components need: a comp-time bank Config, an on-call window template, or
  an approval chain. HR can change caps, ratios, SLAs and approvers without a
  deploy; the documents are stored in the policies table.

JSON SCHEMA (one document per policy, "kind" selects the shape):
  {
    "id": "ct-standard",
    "kind": "comp_time",
    "name": "Standard Comp Time",
    "accrual_ratio": 1.5,
    "holiday_accrual_ratio": 2.0,
    "weekend_accrual_ratio": 1.5,
    "max_bank_hours": 80,
    "expiry_days": 180,
    "allows_carryover": true
  }
  {
    "id": "oc-sre",
    "kind": "on_call",
    "window_type": "ON_CALL",
    "rate_type": "HOURLY",
    "hourly_rate": 4.5,
    "call_out_minimum_hours": 2,
    "response_time_target_minutes": 15,
    "call_out_multiplier": 1.5
  }
  {
    "id": "chain-overtime",
    "kind": "approval_chain",
    "levels": [
      {"sequence": 1, "assignee": "manager", "auto_approve_below_hours": 4},
      {"sequence": 2, "assignee": "director"}
    ],
    "due_after_hours": 24,
    "escalate_after_hours": 48,
    "expire_after_hours": 168
  }

VALIDATION:
  Struct tags checked by go-playground/validator; semantic checks (ratio > 0,
  rate matching rate_type) in the From* converters.

SEE ALSO:
  - comptime/policies.go: Go-based bank presets
  - engine/policies.go: Resolving a policy for an operation
*/
package factory

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/overtime-engine/approval"
	"github.com/warp/overtime-engine/comptime"
	"github.com/warp/overtime-engine/generic"
	"github.com/warp/overtime-engine/oncall"
)

// Kind discriminates policy documents.
type Kind string

const (
	KindCompTime      Kind = "comp_time"
	KindOnCall        Kind = "on_call"
	KindApprovalChain Kind = "approval_chain"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// Header is the part every document shares.
type Header struct {
	ID   string `json:"id" validate:"required"`
	Kind Kind   `json:"kind" validate:"required,oneof=comp_time on_call approval_chain"`
	Name string `json:"name,omitempty"`
}

// CompTimePolicyJSON configures a comp-time bank.
type CompTimePolicyJSON struct {
	Header
	AccrualRatio        float64  `json:"accrual_ratio,omitempty" validate:"gte=0"`
	HolidayAccrualRatio *float64 `json:"holiday_accrual_ratio,omitempty" validate:"omitempty,gt=0"`
	WeekendAccrualRatio *float64 `json:"weekend_accrual_ratio,omitempty" validate:"omitempty,gt=0"`
	MaxBankHours        *float64 `json:"max_bank_hours,omitempty" validate:"omitempty,gt=0"`
	ExpiryDays          *int     `json:"expiry_days,omitempty" validate:"omitempty,gt=0"`
	AllowsCarryover     bool     `json:"allows_carryover"`
}

// OnCallPolicyJSON configures on-call windows.
type OnCallPolicyJSON struct {
	Header
	WindowType                string   `json:"window_type,omitempty" validate:"omitempty,oneof=ON_CALL STANDBY BEEPER"`
	RateType                  string   `json:"rate_type" validate:"required,oneof=FLAT HOURLY PERCENTAGE"`
	FlatRate                  *float64 `json:"flat_rate,omitempty" validate:"omitempty,gte=0"`
	HourlyRate                *float64 `json:"hourly_rate,omitempty" validate:"omitempty,gte=0"`
	PercentageOfBase          *float64 `json:"percentage_of_base,omitempty" validate:"omitempty,gt=0,lte=100"`
	CallOutMinimumHours       *float64 `json:"call_out_minimum_hours,omitempty" validate:"omitempty,gte=0"`
	ResponseTimeTargetMinutes *int     `json:"response_time_target_minutes,omitempty" validate:"omitempty,gt=0"`
	CallOutMultiplier         *float64 `json:"call_out_multiplier,omitempty" validate:"omitempty,gt=0"`
	CompensateAsCompTime      bool     `json:"compensate_as_comp_time"`
	CompTimePolicyID          string   `json:"comp_time_policy_id,omitempty"`
}

// ApprovalLevelJSON is one level of a chain.
type ApprovalLevelJSON struct {
	Sequence              int      `json:"sequence" validate:"gt=0"`
	Assignee              string   `json:"assignee" validate:"required"`
	AutoApproveBelowHours *float64 `json:"auto_approve_below_hours,omitempty" validate:"omitempty,gt=0"`
}

// ApprovalChainJSON configures an approval chain template.
type ApprovalChainJSON struct {
	Header
	Levels             []ApprovalLevelJSON `json:"levels" validate:"required,min=1,dive"`
	DueAfterHours      float64             `json:"due_after_hours,omitempty" validate:"gte=0"`
	EscalateAfterHours float64             `json:"escalate_after_hours,omitempty" validate:"gte=0"`
	ExpireAfterHours   float64             `json:"expire_after_hours,omitempty" validate:"gte=0"`
}

// =============================================================================
// PARSED POLICIES
// =============================================================================

// CompTimePolicy is a parsed bank policy.
type CompTimePolicy struct {
	ID           generic.PolicyID
	Name         string
	Config       comptime.Config
	HolidayRatio *decimal.Decimal
	WeekendRatio *decimal.Decimal
}

// RatioFor returns the accrual ratio override for overtime worked on date, or
// nil when the account's default ratio applies. Holidays win over weekends.
func (p *CompTimePolicy) RatioFor(date time.Time, cal generic.HolidayCalendar) *decimal.Decimal {
	if p.HolidayRatio != nil && cal != nil && cal.IsHoliday(date) {
		return p.HolidayRatio
	}
	if p.WeekendRatio != nil && generic.IsWeekend(date) {
		return p.WeekendRatio
	}
	return nil
}

// OnCallPolicy is a parsed window template.
type OnCallPolicy struct {
	ID                        generic.PolicyID
	Name                      string
	Type                      oncall.WindowType
	Pay                       oncall.PayConfig
	CallOutMinimumHours       *generic.Amount
	ResponseTimeTargetMinutes *int
	CallOutMultiplier         *decimal.Decimal
	CompensateAsCompTime      bool
	CompTimePolicyID          generic.PolicyID
}

// WindowSpec instantiates the template for one duty period.
func (p *OnCallPolicy) WindowSpec(employeeID generic.EmployeeID, start, end time.Time) oncall.WindowSpec {
	return oncall.WindowSpec{
		EmployeeID:                employeeID,
		WindowStart:               start,
		WindowEnd:                 end,
		Type:                      p.Type,
		Pay:                       p.Pay,
		CallOutMinimumHours:       p.CallOutMinimumHours,
		ResponseTimeTargetMinutes: p.ResponseTimeTargetMinutes,
	}
}

// ApprovalChain is a parsed chain template.
type ApprovalChain struct {
	ID            generic.PolicyID
	Name          string
	Levels        []approval.LevelSpec
	DueAfter      time.Duration
	EscalateAfter time.Duration
	ExpireAfter   time.Duration
}

// RequestSpec instantiates the chain for one decision.
func (c *ApprovalChain) RequestSpec(kind approval.Kind, employeeID generic.EmployeeID, subjectID string, hours generic.Amount, amount *generic.Amount) approval.RequestSpec {
	return approval.RequestSpec{
		Kind:            kind,
		EmployeeID:      employeeID,
		SubjectID:       subjectID,
		Levels:          append([]approval.LevelSpec(nil), c.Levels...),
		HoursRequested:  hours,
		AmountEstimated: amount,
		DueAfter:        c.DueAfter,
		EscalateAfter:   c.EscalateAfter,
		ExpireAfter:     c.ExpireAfter,
	}
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON policies to Go structs.
type PolicyFactory struct {
	validate *validator.Validate
}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{validate: validator.New()}
}

// PeekHeader reads only the id and kind of a document.
func (f *PolicyFactory) PeekHeader(jsonStr string) (Header, error) {
	var h Header
	if err := json.Unmarshal([]byte(jsonStr), &h); err != nil {
		return Header{}, generic.InvalidInput("failed to parse policy JSON: %v", err)
	}
	if err := f.validate.Struct(h); err != nil {
		return Header{}, generic.InvalidInput("invalid policy header: %v", err)
	}
	return h, nil
}

// ParseCompTime parses a comp_time document.
func (f *PolicyFactory) ParseCompTime(jsonStr string) (*CompTimePolicy, error) {
	var pj CompTimePolicyJSON
	if err := f.decode(jsonStr, KindCompTime, &pj); err != nil {
		return nil, err
	}
	return f.CompTimeFromJSON(pj)
}

// CompTimeFromJSON converts a CompTimePolicyJSON.
func (f *PolicyFactory) CompTimeFromJSON(pj CompTimePolicyJSON) (*CompTimePolicy, error) {
	if err := f.validate.Struct(pj); err != nil {
		return nil, generic.InvalidInput("invalid comp_time policy %q: %v", pj.ID, err)
	}
	cfg := comptime.Config{
		AccrualRatio:    comptime.DefaultAccrualRatio,
		ExpiryDays:      pj.ExpiryDays,
		AllowsCarryover: pj.AllowsCarryover,
	}
	if pj.AccrualRatio > 0 {
		cfg.AccrualRatio = decimal.NewFromFloat(pj.AccrualRatio)
	}
	if pj.MaxBankHours != nil {
		limit := generic.Hours(*pj.MaxBankHours)
		cfg.MaxBankHours = &limit
	}
	return &CompTimePolicy{
		ID:           generic.PolicyID(pj.ID),
		Name:         pj.Name,
		Config:       cfg,
		HolidayRatio: optDecimal(pj.HolidayAccrualRatio),
		WeekendRatio: optDecimal(pj.WeekendAccrualRatio),
	}, nil
}

// ParseOnCall parses an on_call document.
func (f *PolicyFactory) ParseOnCall(jsonStr string) (*OnCallPolicy, error) {
	var pj OnCallPolicyJSON
	if err := f.decode(jsonStr, KindOnCall, &pj); err != nil {
		return nil, err
	}
	return f.OnCallFromJSON(pj)
}

// OnCallFromJSON converts an OnCallPolicyJSON.
func (f *PolicyFactory) OnCallFromJSON(pj OnCallPolicyJSON) (*OnCallPolicy, error) {
	if err := f.validate.Struct(pj); err != nil {
		return nil, generic.InvalidInput("invalid on_call policy %q: %v", pj.ID, err)
	}
	pay := oncall.PayConfig{
		RateType:         oncall.RateType(pj.RateType),
		FlatRate:         optDecimal(pj.FlatRate),
		HourlyRate:       optDecimal(pj.HourlyRate),
		PercentageOfBase: optDecimal(pj.PercentageOfBase),
	}
	switch {
	case pay.RateType == oncall.RateFlat && pay.FlatRate == nil,
		pay.RateType == oncall.RateHourly && pay.HourlyRate == nil,
		pay.RateType == oncall.RatePercentage && pay.PercentageOfBase == nil:
		return nil, generic.InvalidInput("on_call policy %q: rate_type %s needs its matching rate", pj.ID, pj.RateType)
	}
	if pj.CompensateAsCompTime && pj.CompTimePolicyID == "" {
		return nil, generic.InvalidInput("on_call policy %q: comp_time_policy_id required when compensating as comp time", pj.ID)
	}

	p := &OnCallPolicy{
		ID:                        generic.PolicyID(pj.ID),
		Name:                      pj.Name,
		Type:                      oncall.WindowType(pj.WindowType),
		Pay:                       pay,
		ResponseTimeTargetMinutes: pj.ResponseTimeTargetMinutes,
		CallOutMultiplier:         optDecimal(pj.CallOutMultiplier),
		CompensateAsCompTime:      pj.CompensateAsCompTime,
		CompTimePolicyID:          generic.PolicyID(pj.CompTimePolicyID),
	}
	if p.Type == "" {
		p.Type = oncall.TypeOnCall
	}
	if pj.CallOutMinimumHours != nil {
		m := generic.Hours(*pj.CallOutMinimumHours)
		p.CallOutMinimumHours = &m
	}
	return p, nil
}

// ParseApprovalChain parses an approval_chain document.
func (f *PolicyFactory) ParseApprovalChain(jsonStr string) (*ApprovalChain, error) {
	var pj ApprovalChainJSON
	if err := f.decode(jsonStr, KindApprovalChain, &pj); err != nil {
		return nil, err
	}
	return f.ApprovalChainFromJSON(pj)
}

// ApprovalChainFromJSON converts an ApprovalChainJSON. Sequence ordering is
// validated when a request is created from the chain.
func (f *PolicyFactory) ApprovalChainFromJSON(pj ApprovalChainJSON) (*ApprovalChain, error) {
	if err := f.validate.Struct(pj); err != nil {
		return nil, generic.InvalidInput("invalid approval_chain policy %q: %v", pj.ID, err)
	}
	levels := make([]approval.LevelSpec, len(pj.Levels))
	for i, lj := range pj.Levels {
		levels[i] = approval.LevelSpec{Sequence: lj.Sequence, Assignee: lj.Assignee}
		if lj.AutoApproveBelowHours != nil {
			limit := generic.Hours(*lj.AutoApproveBelowHours)
			levels[i].AutoApproveThreshold = &limit
		}
	}
	return &ApprovalChain{
		ID:            generic.PolicyID(pj.ID),
		Name:          pj.Name,
		Levels:        levels,
		DueAfter:      hoursToDuration(pj.DueAfterHours),
		EscalateAfter: hoursToDuration(pj.EscalateAfterHours),
		ExpireAfter:   hoursToDuration(pj.ExpireAfterHours),
	}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (f *PolicyFactory) decode(jsonStr string, want Kind, into any) error {
	h, err := f.PeekHeader(jsonStr)
	if err != nil {
		return err
	}
	if h.Kind != want {
		return generic.InvalidInput("policy %q is %s, expected %s", h.ID, h.Kind, want)
	}
	if err := json.Unmarshal([]byte(jsonStr), into); err != nil {
		return generic.InvalidInput("failed to parse %s policy JSON: %v", want, err)
	}
	return nil
}

func optDecimal(f *float64) *decimal.Decimal {
	if f == nil {
		return nil
	}
	d := decimal.NewFromFloat(*f)
	return &d
}

func hoursToDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
