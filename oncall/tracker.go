/*
tracker.go - On-call window lifecycle, call-out SLAs and call-out pay hours

PURPOSE:
  Records duty availability and call-out facts for one window at a time:
  when the employee was called, how long they took to respond against the
  response target, and how many hours of the work become payable.

CALL-OUT LIFECYCLE:

    AddCallOut ──▶ CALLED_OUT ──RespondToCallOut──▶ RESPONDED ──CompleteCallOut──▶ (completed)
                        │
                        └──MarkNoResponse──▶ NO_RESPONSE

  A call-out is responded to exactly once. Completing requires a response.

SLA BREACH:
  responseMinutes = round((respondedAt - calledAt) / 1 minute)
  breach          = target set AND responseMinutes > target
  breachMinutes   = responseMinutes - target

  Computed at response time and frozen; the window keeps one Breach record
  per breaching call-out.

MINIMUM HOURS:
  If the window has CallOutMinimumHours and the reported work is shorter,
  the PAY hours are raised to the floor. Reported WorkDurationHours are never
  changed.

MONEY:
  The tracker establishes hours and a multiplier only. PriceCallOut and
  EstimateStandbyPay ask an external RateResolver for amounts.

SEE ALSO:
  - types.go: Window and CallOutEvent
  - engine/oncall.go: Locking, persistence and breach notifications
*/
package oncall

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/overtime-engine/generic"
)

// Tracker applies on-call operations to windows. It holds no window state.
type Tracker struct {
	IDs generic.IDGenerator
}

func NewTracker(ids generic.IDGenerator) *Tracker {
	if ids == nil {
		ids = generic.UUIDGenerator{}
	}
	return &Tracker{IDs: ids}
}

// =============================================================================
// WINDOW LIFECYCLE
// =============================================================================

// Schedule creates a SCHEDULED window.
func (t *Tracker) Schedule(spec WindowSpec, now time.Time) (*Window, error) {
	if spec.EmployeeID == "" {
		return nil, generic.InvalidInput("employee id is required")
	}
	if !spec.WindowEnd.After(spec.WindowStart) {
		return nil, generic.InvalidInput("window end %s must be after start %s",
			spec.WindowEnd.Format(time.RFC3339), spec.WindowStart.Format(time.RFC3339))
	}
	switch spec.Type {
	case TypeOnCall, TypeStandby, TypeBeeper:
	case "":
		spec.Type = TypeOnCall
	default:
		return nil, generic.InvalidInput("unknown window type %q", spec.Type)
	}
	if spec.ResponseTimeTargetMinutes != nil && *spec.ResponseTimeTargetMinutes <= 0 {
		return nil, generic.InvalidInput("response target must be positive, got %d", *spec.ResponseTimeTargetMinutes)
	}
	if spec.CallOutMinimumHours != nil && spec.CallOutMinimumHours.IsNegative() {
		return nil, generic.InvalidInput("call-out minimum hours must not be negative")
	}
	if spec.Pay.RateType == "" {
		spec.Pay.RateType = RateFlat
	}

	return &Window{
		ID:                        t.IDs.NewID("window"),
		EmployeeID:                spec.EmployeeID,
		WindowStart:               spec.WindowStart,
		WindowEnd:                 spec.WindowEnd,
		Type:                      spec.Type,
		Status:                    WindowScheduled,
		Pay:                       spec.Pay,
		CallOutMinimumHours:       spec.CallOutMinimumHours,
		ResponseTimeTargetMinutes: spec.ResponseTimeTargetMinutes,
		TotalCallOutHours:         generic.ZeroHours(),
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}, nil
}

// Activate starts a SCHEDULED window.
func (t *Tracker) Activate(w *Window, at time.Time) error {
	if w.Status != WindowScheduled {
		return generic.InvalidState("activate window", string(w.Status), w.ID)
	}
	w.Status = WindowActive
	w.UpdatedAt = at
	return nil
}

// Close completes a window before (or after) its scheduled end.
func (t *Tracker) Close(w *Window, at time.Time) error {
	if w.Status != WindowScheduled && w.Status != WindowActive {
		return generic.InvalidState("close window", string(w.Status), w.ID)
	}
	w.Status = WindowCompleted
	w.UpdatedAt = at
	return nil
}

// Cancel withdraws a window that has not finished.
func (t *Tracker) Cancel(w *Window, at time.Time) error {
	if w.Status != WindowScheduled && w.Status != WindowActive {
		return generic.InvalidState("cancel window", string(w.Status), w.ID)
	}
	w.Status = WindowCancelled
	w.UpdatedAt = at
	return nil
}

// Refresh moves the window along its schedule: SCHEDULED becomes ACTIVE once
// now enters the window, ACTIVE becomes COMPLETED once now passes the end.
// Returns whether the status changed.
func (t *Tracker) Refresh(w *Window, now time.Time) bool {
	before := w.Status
	if w.Status == WindowScheduled && !now.Before(w.WindowStart) {
		w.Status = WindowActive
	}
	if w.Status == WindowActive && now.After(w.WindowEnd) {
		w.Status = WindowCompleted
	}
	if w.Status != before {
		w.UpdatedAt = now
		return true
	}
	return false
}

// IsCurrentlyOnCall is true iff the window is ACTIVE and now is within
// [WindowStart, WindowEnd].
func (t *Tracker) IsCurrentlyOnCall(w *Window, now time.Time) bool {
	return w.Status == WindowActive && generic.Within(now, w.WindowStart, w.WindowEnd)
}

// =============================================================================
// CALL-OUTS
// =============================================================================

// AddCallOut appends a CALLED_OUT event and returns it.
func (t *Tracker) AddCallOut(w *Window, calledAt time.Time, reason string) (*CallOutEvent, error) {
	if w.Status == WindowCompleted || w.Status == WindowCancelled {
		return nil, generic.InvalidState("add call-out", string(w.Status), w.ID)
	}
	w.CallOuts = append(w.CallOuts, CallOutEvent{
		ID:                  t.IDs.NewID("callout"),
		CalledAt:            calledAt,
		Reason:              reason,
		Status:              CallOutCalledOut,
		WorkDurationHours:   generic.ZeroHours(),
		TravelDurationHours: generic.ZeroHours(),
		HoursToPayWork:      generic.ZeroHours(),
		HoursToPayTravel:    generic.ZeroHours(),
	})
	w.CallOutCount++
	w.UpdatedAt = calledAt
	return &w.CallOuts[len(w.CallOuts)-1], nil
}

// RespondToCallOut records the response time and, when the window has a
// target, whether it was breached.
func (t *Tracker) RespondToCallOut(w *Window, id string, respondedAt time.Time) (*CallOutEvent, error) {
	c, err := w.CallOut(id)
	if err != nil {
		return nil, err
	}
	if c.Status != CallOutCalledOut {
		return nil, generic.InvalidState("respond to call-out", string(c.Status), id)
	}
	if respondedAt.Before(c.CalledAt) {
		return nil, generic.InvalidInput("response at %s precedes call at %s",
			respondedAt.Format(time.RFC3339), c.CalledAt.Format(time.RFC3339))
	}

	minutes := generic.RoundMinutes(respondedAt.Sub(c.CalledAt))
	c.RespondedAt = &respondedAt
	c.ResponseDurationMinutes = &minutes
	c.Status = CallOutResponded

	if target := w.ResponseTimeTargetMinutes; target != nil && minutes > *target {
		t.recordBreach(w, c, *target, minutes, respondedAt)
	}
	w.UpdatedAt = respondedAt
	return c, nil
}

// MarkNoResponse closes a call-out nobody answered. With a response target it
// counts as a breach measured up to at.
func (t *Tracker) MarkNoResponse(w *Window, id string, at time.Time) (*CallOutEvent, error) {
	c, err := w.CallOut(id)
	if err != nil {
		return nil, err
	}
	if c.Status != CallOutCalledOut {
		return nil, generic.InvalidState("mark no response", string(c.Status), id)
	}
	c.Status = CallOutNoResponse
	if target := w.ResponseTimeTargetMinutes; target != nil {
		waited := generic.RoundMinutes(at.Sub(c.CalledAt))
		if waited <= *target {
			waited = *target + 1
		}
		t.recordBreach(w, c, *target, waited, at)
	}
	w.UpdatedAt = at
	return c, nil
}

func (t *Tracker) recordBreach(w *Window, c *CallOutEvent, target, actual int, at time.Time) {
	c.BreachFlag = true
	c.BreachMinutes = actual - target
	w.Breaches = append(w.Breaches, Breach{
		CallOutID:     c.ID,
		TargetMinutes: target,
		ActualMinutes: actual,
		BreachMinutes: c.BreachMinutes,
		RecordedAt:    at,
	})
	w.HasResponseBreach = true
}

// CompleteInput carries the facts reported when a call-out's work is done.
type CompleteInput struct {
	CompletedAt time.Time
	WorkHours   generic.Amount
	TravelHours *generic.Amount  // defaults to 0
	Multiplier  *decimal.Decimal // defaults to DefaultMultiplier
}

// CompleteCallOut records work/travel hours and the pay-eligible hours after
// the minimum floor. A call-out that is missing or was never responded to is
// NotFound; completing twice is InvalidState.
func (t *Tracker) CompleteCallOut(w *Window, id string, in CompleteInput) (*CallOutEvent, error) {
	c, err := w.CallOut(id)
	if err != nil {
		return nil, err
	}
	if c.Status != CallOutResponded {
		return nil, generic.NotFound("responded call-out", id)
	}
	if c.Completed() {
		return nil, generic.InvalidState("complete call-out", "COMPLETED", id)
	}
	if in.WorkHours.IsNegative() {
		return nil, generic.InvalidInput("work hours must not be negative, got %s", in.WorkHours.Value)
	}
	travel := generic.ZeroHours()
	if in.TravelHours != nil {
		if in.TravelHours.IsNegative() {
			return nil, generic.InvalidInput("travel hours must not be negative, got %s", in.TravelHours.Value)
		}
		travel = *in.TravelHours
	}
	multiplier := DefaultMultiplier
	if in.Multiplier != nil {
		if !in.Multiplier.IsPositive() {
			return nil, generic.InvalidInput("multiplier must be positive, got %s", *in.Multiplier)
		}
		multiplier = *in.Multiplier
	}

	payWork := in.WorkHours
	applied := false
	if floor := w.CallOutMinimumHours; floor != nil && in.WorkHours.LessThan(*floor) {
		payWork = *floor
		applied = true
	}

	completedAt := in.CompletedAt
	c.CompletedAt = &completedAt
	c.WorkDurationHours = in.WorkHours
	c.TravelDurationHours = travel
	c.HoursToPayWork = payWork
	c.HoursToPayTravel = travel
	c.Multiplier = multiplier
	c.MinimumHoursApplied = applied

	w.TotalCallOutHours = w.TotalCallOutHours.Add(in.WorkHours)
	w.UpdatedAt = completedAt
	return c, nil
}

// PayableHours is work plus travel after the minimum floor.
func PayableHours(c *CallOutEvent) generic.Amount {
	return c.HoursToPayWork.Add(c.HoursToPayTravel)
}

// =============================================================================
// QUERIES
// =============================================================================

// AverageResponseTime is the mean response time in minutes over responded
// call-outs. ok is false when nothing has been responded to yet.
func (t *Tracker) AverageResponseTime(w *Window) (minutes float64, ok bool) {
	total, n := 0, 0
	for _, c := range w.CallOuts {
		if c.ResponseDurationMinutes == nil {
			continue
		}
		total += *c.ResponseDurationMinutes
		n++
	}
	if n == 0 {
		return 0, false
	}
	return float64(total) / float64(n), true
}

// =============================================================================
// PRICING - delegated to the rate resolver
// =============================================================================

// PriceCallOut resolves the amount for a completed call-out and stores it on
// the event.
func (t *Tracker) PriceCallOut(ctx context.Context, w *Window, id string, rates generic.RateResolver) (generic.Amount, error) {
	c, err := w.CallOut(id)
	if err != nil {
		return generic.Amount{}, err
	}
	if !c.Completed() {
		return generic.Amount{}, generic.InvalidState("price call-out", string(c.Status), "call-out not completed")
	}
	amount, err := rates.Resolve(ctx, generic.RateQuery{
		EmployeeID: w.EmployeeID,
		Hours:      PayableHours(c),
		Multiplier: c.Multiplier,
	})
	if err != nil {
		return generic.Amount{}, err
	}
	c.Amount = &amount
	return amount, nil
}

// EstimateStandbyPay prices availability for the whole window:
//
//	FLAT       flat rate
//	HOURLY     hourly rate × window hours
//	PERCENTAGE base hourly × percentage/100 × window hours
func (t *Tracker) EstimateStandbyPay(ctx context.Context, w *Window, rates generic.RateResolver) (generic.Amount, error) {
	hours := w.Duration().Value
	switch w.Pay.RateType {
	case RateFlat:
		if w.Pay.FlatRate == nil {
			return generic.Money(decimal.Zero), nil
		}
		return generic.Money(*w.Pay.FlatRate), nil
	case RateHourly:
		if w.Pay.HourlyRate == nil {
			return generic.Amount{}, generic.InvalidInput("window %s has no hourly rate", w.ID)
		}
		return generic.Money(w.Pay.HourlyRate.Mul(hours).Round(2)), nil
	case RatePercentage:
		if w.Pay.PercentageOfBase == nil {
			return generic.Amount{}, generic.InvalidInput("window %s has no percentage of base", w.ID)
		}
		base, err := rates.BaseHourlyRate(ctx, w.EmployeeID)
		if err != nil {
			return generic.Amount{}, err
		}
		pct := w.Pay.PercentageOfBase.Div(decimal.NewFromInt(100))
		return generic.Money(base.Mul(pct).Mul(hours).Round(2)), nil
	default:
		return generic.Amount{}, generic.InvalidInput("unknown rate type %q", w.Pay.RateType)
	}
}
