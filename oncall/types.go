// Package oncall tracks on-call and standby windows: who must be reachable
// when, every call-out raised during the window, how fast it was answered
// against the response SLA, and the hours that become payable.
package oncall

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/overtime-engine/generic"
)

// DefaultMultiplier is applied to call-out hours when the caller gives none.
var DefaultMultiplier = decimal.NewFromFloat(1.5)

type WindowType string

const (
	TypeOnCall  WindowType = "ON_CALL"
	TypeStandby WindowType = "STANDBY"
	TypeBeeper  WindowType = "BEEPER"
)

type WindowStatus string

const (
	WindowScheduled WindowStatus = "SCHEDULED"
	WindowActive    WindowStatus = "ACTIVE"
	WindowCompleted WindowStatus = "COMPLETED"
	WindowCancelled WindowStatus = "CANCELLED"
)

type CallOutStatus string

const (
	CallOutNone       CallOutStatus = "NONE"
	CallOutCalledOut  CallOutStatus = "CALLED_OUT"
	CallOutResponded  CallOutStatus = "RESPONDED"
	CallOutNoResponse CallOutStatus = "NO_RESPONSE"
)

// RateType selects how standby availability itself is paid.
type RateType string

const (
	RateFlat       RateType = "FLAT"
	RateHourly     RateType = "HOURLY"
	RatePercentage RateType = "PERCENTAGE"
)

// PayConfig is the standby pay arrangement. Only the field matching RateType
// is read.
type PayConfig struct {
	RateType         RateType         `json:"rate_type"`
	FlatRate         *decimal.Decimal `json:"flat_rate,omitempty"`
	HourlyRate       *decimal.Decimal `json:"hourly_rate,omitempty"`
	PercentageOfBase *decimal.Decimal `json:"percentage_of_base,omitempty"`
}

// =============================================================================
// CALL-OUT EVENT
// =============================================================================

// CallOutEvent is one summons during a window.
//
// ResponseDurationMinutes and the breach fields are written once, when the
// call-out is responded to, and never recomputed: a later change to the
// window's target does not revise past breaches.
type CallOutEvent struct {
	ID          string     `json:"id"`
	CalledAt    time.Time  `json:"called_at"`
	Reason      string     `json:"reason,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Status                  CallOutStatus `json:"status"`
	ResponseDurationMinutes *int          `json:"response_duration_minutes,omitempty"`
	BreachFlag              bool          `json:"breach_flag"`
	BreachMinutes           int           `json:"breach_minutes,omitempty"`

	// Reported hours, as worked
	WorkDurationHours   generic.Amount `json:"work_duration_hours"`
	TravelDurationHours generic.Amount `json:"travel_duration_hours"`

	// Pay-eligible hours after the minimum floor
	HoursToPayWork      generic.Amount  `json:"hours_to_pay_work"`
	HoursToPayTravel    generic.Amount  `json:"hours_to_pay_travel"`
	Multiplier          decimal.Decimal `json:"multiplier"`
	MinimumHoursApplied bool            `json:"minimum_hours_applied"`

	// Amount is set by rate resolution, never by the tracker itself.
	Amount *generic.Amount `json:"amount,omitempty"`
}

// Completed reports whether completion facts have been recorded.
func (c *CallOutEvent) Completed() bool { return c.CompletedAt != nil }

// Breach is the window-level record of a missed response target.
type Breach struct {
	CallOutID     string    `json:"call_out_id"`
	TargetMinutes int       `json:"target_minutes"`
	ActualMinutes int       `json:"actual_minutes"`
	BreachMinutes int       `json:"breach_minutes"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// =============================================================================
// WINDOW - One per scheduled duty period
// =============================================================================

// WindowSpec is what a scheduler supplies to create a window.
type WindowSpec struct {
	EmployeeID                generic.EmployeeID
	WindowStart               time.Time
	WindowEnd                 time.Time
	Type                      WindowType
	Pay                       PayConfig
	CallOutMinimumHours       *generic.Amount
	ResponseTimeTargetMinutes *int
}

type Window struct {
	ID          string             `json:"id"`
	EmployeeID  generic.EmployeeID `json:"employee_id"`
	WindowStart time.Time          `json:"window_start"`
	WindowEnd   time.Time          `json:"window_end"`
	Type        WindowType         `json:"type"`
	Status      WindowStatus       `json:"status"`

	Pay                       PayConfig       `json:"pay"`
	CallOutMinimumHours       *generic.Amount `json:"call_out_minimum_hours,omitempty"`
	ResponseTimeTargetMinutes *int            `json:"response_time_target_minutes,omitempty"`

	CallOuts          []CallOutEvent `json:"call_outs"`
	Breaches          []Breach       `json:"breaches"`
	CallOutCount      int            `json:"call_out_count"`
	TotalCallOutHours generic.Amount `json:"total_call_out_hours"`
	HasResponseBreach bool           `json:"has_response_breach"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var _ generic.Aggregate[*Window] = (*Window)(nil)

func (w *Window) AggregateID() string { return w.ID }
func (w *Window) AggregateVersion() int64 { return w.Version }
func (w *Window) SetAggregateVersion(v int64) { w.Version = v }

func (w *Window) Clone() *Window {
	c := *w
	c.Pay = w.Pay.clone()
	if w.CallOutMinimumHours != nil {
		v := *w.CallOutMinimumHours
		c.CallOutMinimumHours = &v
	}
	if w.ResponseTimeTargetMinutes != nil {
		v := *w.ResponseTimeTargetMinutes
		c.ResponseTimeTargetMinutes = &v
	}
	if w.CallOuts != nil {
		c.CallOuts = make([]CallOutEvent, len(w.CallOuts))
		for i, co := range w.CallOuts {
			c.CallOuts[i] = co.clone()
		}
	}
	c.Breaches = append([]Breach(nil), w.Breaches...)
	return &c
}

func (p PayConfig) clone() PayConfig {
	dup := func(d *decimal.Decimal) *decimal.Decimal {
		if d == nil {
			return nil
		}
		v := *d
		return &v
	}
	return PayConfig{
		RateType:         p.RateType,
		FlatRate:         dup(p.FlatRate),
		HourlyRate:       dup(p.HourlyRate),
		PercentageOfBase: dup(p.PercentageOfBase),
	}
}

func (c CallOutEvent) clone() CallOutEvent {
	if c.RespondedAt != nil {
		t := *c.RespondedAt
		c.RespondedAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		c.CompletedAt = &t
	}
	if c.ResponseDurationMinutes != nil {
		m := *c.ResponseDurationMinutes
		c.ResponseDurationMinutes = &m
	}
	if c.Amount != nil {
		a := *c.Amount
		c.Amount = &a
	}
	return c
}

// CallOut looks up a call-out by id.
func (w *Window) CallOut(id string) (*CallOutEvent, error) {
	for i := range w.CallOuts {
		if w.CallOuts[i].ID == id {
			return &w.CallOuts[i], nil
		}
	}
	return nil, generic.NotFound("call-out", id)
}

// Duration is the scheduled length of the window in hours.
func (w *Window) Duration() generic.Amount {
	return generic.HoursBetween(w.WindowStart, w.WindowEnd)
}
