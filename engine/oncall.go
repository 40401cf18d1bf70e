package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/overtime-engine/approval"
	"github.com/warp/overtime-engine/generic"
	"github.com/warp/overtime-engine/oncall"
)

// =============================================================================
// ON-CALL WINDOWS
// =============================================================================

// ScheduleWindow creates a SCHEDULED window.
func (e *Engine) ScheduleWindow(ctx context.Context, spec oncall.WindowSpec) (*oncall.Window, error) {
	w, err := e.tracker.Schedule(spec, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := e.repos.Windows.Save(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// ScheduleFromPolicy instantiates a registered on_call policy.
func (e *Engine) ScheduleFromPolicy(ctx context.Context, policyID generic.PolicyID, employeeID generic.EmployeeID, start, end time.Time) (*oncall.Window, error) {
	p, err := e.OnCallPolicy(policyID)
	if err != nil {
		return nil, err
	}
	return e.ScheduleWindow(ctx, p.WindowSpec(employeeID, start, end))
}

func (e *Engine) GetWindow(ctx context.Context, id string) (*oncall.Window, error) {
	return e.repos.Windows.Get(ctx, id)
}

func (e *Engine) ListWindows(ctx context.Context) ([]*oncall.Window, error) {
	return e.repos.Windows.List(ctx)
}

func (e *Engine) ActivateWindow(ctx context.Context, id string) (*oncall.Window, error) {
	now := e.clock.Now()
	return mutate(ctx, e, e.repos.Windows, id, func(w *oncall.Window) error {
		return e.tracker.Activate(w, now)
	})
}

func (e *Engine) CloseWindow(ctx context.Context, id string) (*oncall.Window, error) {
	now := e.clock.Now()
	return mutate(ctx, e, e.repos.Windows, id, func(w *oncall.Window) error {
		return e.tracker.Close(w, now)
	})
}

func (e *Engine) CancelWindow(ctx context.Context, id string) (*oncall.Window, error) {
	now := e.clock.Now()
	return mutate(ctx, e, e.repos.Windows, id, func(w *oncall.Window) error {
		return e.tracker.Cancel(w, now)
	})
}

// IsCurrentlyOnCall is read-only.
func (e *Engine) IsCurrentlyOnCall(ctx context.Context, id string) (bool, error) {
	w, err := e.repos.Windows.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return e.tracker.IsCurrentlyOnCall(w, e.clock.Now()), nil
}

// AverageResponseTime is read-only; ok is false when nothing was responded to.
func (e *Engine) AverageResponseTime(ctx context.Context, id string) (minutes float64, ok bool, err error) {
	w, err := e.repos.Windows.Get(ctx, id)
	if err != nil {
		return 0, false, err
	}
	minutes, ok = e.tracker.AverageResponseTime(w)
	return minutes, ok, nil
}

// =============================================================================
// CALL-OUTS
// =============================================================================

// AddCallOut records a call-out at the current instant.
func (e *Engine) AddCallOut(ctx context.Context, windowID, reason string) (*oncall.Window, *oncall.CallOutEvent, error) {
	now := e.clock.Now()
	var callOut *oncall.CallOutEvent

	w, err := mutate(ctx, e, e.repos.Windows, windowID, func(w *oncall.Window) error {
		var err error
		callOut, err = e.tracker.AddCallOut(w, now, reason)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return w, callOut, nil
}

// RespondToCallOut records the response and reports a breach when the target
// was missed.
func (e *Engine) RespondToCallOut(ctx context.Context, windowID, callOutID string) (*oncall.Window, *oncall.CallOutEvent, error) {
	now := e.clock.Now()
	var callOut *oncall.CallOutEvent

	w, err := mutate(ctx, e, e.repos.Windows, windowID, func(w *oncall.Window) error {
		var err error
		callOut, err = e.tracker.RespondToCallOut(w, callOutID, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if callOut.BreachFlag {
		e.emitBreach(ctx, w, callOut)
	}
	return w, callOut, nil
}

// MarkNoResponse closes a call-out nobody answered.
func (e *Engine) MarkNoResponse(ctx context.Context, windowID, callOutID string) (*oncall.Window, *oncall.CallOutEvent, error) {
	now := e.clock.Now()
	var callOut *oncall.CallOutEvent

	w, err := mutate(ctx, e, e.repos.Windows, windowID, func(w *oncall.Window) error {
		var err error
		callOut, err = e.tracker.MarkNoResponse(w, callOutID, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if callOut.BreachFlag {
		e.emitBreach(ctx, w, callOut)
	}
	return w, callOut, nil
}

func (e *Engine) emitBreach(ctx context.Context, w *oncall.Window, c *oncall.CallOutEvent) {
	payload := map[string]string{
		"call_out_id":    c.ID,
		"status":         string(c.Status),
		"breach_minutes": strconv.Itoa(c.BreachMinutes),
	}
	if w.ResponseTimeTargetMinutes != nil {
		payload["target_minutes"] = strconv.Itoa(*w.ResponseTimeTargetMinutes)
	}
	e.emit(ctx, generic.EventCallOutBreach, w.ID, w.EmployeeID, payload)
}

// CallOutCompletion carries the facts of a finished call-out and where its
// hours go.
type CallOutCompletion struct {
	WorkHours   generic.Amount
	TravelHours *generic.Amount
	Multiplier  *decimal.Decimal

	// AccountID, when set, banks the approved hours as comp time.
	// Otherwise the approved amount is payable.
	AccountID string
	// ChainID selects the approval chain; empty uses the default chain.
	ChainID generic.PolicyID
}

// CallOutOutcome is what CompleteCallOut produced.
type CallOutOutcome struct {
	Window  *oncall.Window
	CallOut *oncall.CallOutEvent
	// Request is nil when no approval chain is registered.
	Request *approval.Request
}

// CompleteCallOut records completion, prices the call-out when a rate
// resolver is configured, and opens an approval request for the payable
// hours. An auto-approved request is settled immediately.
func (e *Engine) CompleteCallOut(ctx context.Context, windowID, callOutID string, in CallOutCompletion) (*CallOutOutcome, error) {
	chain, err := e.Chain(in.ChainID)
	if err != nil && (in.ChainID != "" || !generic.IsNotFound(err)) {
		return nil, err
	}
	if in.AccountID != "" {
		if _, err := e.repos.Accounts.Get(ctx, in.AccountID); err != nil {
			return nil, err
		}
	}

	now := e.clock.Now()
	var callOut *oncall.CallOutEvent
	w, err := mutate(ctx, e, e.repos.Windows, windowID, func(w *oncall.Window) error {
		var err error
		callOut, err = e.tracker.CompleteCallOut(w, callOutID, oncall.CompleteInput{
			CompletedAt: now,
			WorkHours:   in.WorkHours,
			TravelHours: in.TravelHours,
			Multiplier:  in.Multiplier,
		})
		if err != nil {
			return err
		}
		if e.rates != nil {
			_, err = e.tracker.PriceCallOut(ctx, w, callOutID, e.rates)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	payable := oncall.PayableHours(callOut)
	payload := map[string]string{
		"call_out_id":           callOut.ID,
		"work_hours":            callOut.WorkDurationHours.Value.String(),
		"payable_hours":         payable.Value.String(),
		"multiplier":            callOut.Multiplier.String(),
		"minimum_hours_applied": strconv.FormatBool(callOut.MinimumHoursApplied),
	}
	if callOut.Amount != nil {
		payload["amount"] = callOut.Amount.Value.String()
	}
	e.emit(ctx, generic.EventCallOutCompleted, w.ID, w.EmployeeID, payload)

	out := &CallOutOutcome{Window: w, CallOut: callOut}
	if chain == nil {
		return out, nil
	}

	spec := chain.RequestSpec(approval.KindCallOut, w.EmployeeID, callOut.ID, payable, callOut.Amount)
	spec.RequestedBy = string(w.EmployeeID)
	spec.Metadata = map[string]string{
		MetaWindowID:  w.ID,
		MetaCallOutID: callOut.ID,
		"worked_on":   callOut.CalledAt.Format(time.RFC3339),
	}
	if in.AccountID != "" {
		spec.Metadata[MetaAccountID] = in.AccountID
	}
	out.Request, err = e.CreateRequest(ctx, spec)
	if err != nil {
		return out, err
	}
	return out, nil
}

// EstimateStandbyPay prices a window's availability.
func (e *Engine) EstimateStandbyPay(ctx context.Context, windowID string) (generic.Amount, error) {
	w, err := e.repos.Windows.Get(ctx, windowID)
	if err != nil {
		return generic.Amount{}, err
	}
	if e.rates == nil && w.Pay.RateType == oncall.RatePercentage {
		return generic.Amount{}, generic.InvalidState("estimate standby pay", "no rate resolver", windowID)
	}
	return e.tracker.EstimateStandbyPay(ctx, w, e.rates)
}

// RequestStandbyPay opens an approval for a window's standby pay.
func (e *Engine) RequestStandbyPay(ctx context.Context, windowID string, chainID generic.PolicyID) (*approval.Request, error) {
	chain, err := e.Chain(chainID)
	if err != nil {
		return nil, err
	}
	w, err := e.repos.Windows.Get(ctx, windowID)
	if err != nil {
		return nil, err
	}
	amount, err := e.EstimateStandbyPay(ctx, windowID)
	if err != nil {
		return nil, err
	}
	spec := chain.RequestSpec(approval.KindStandbyPay, w.EmployeeID, w.ID, w.Duration(), &amount)
	spec.RequestedBy = string(w.EmployeeID)
	spec.Metadata = map[string]string{MetaWindowID: w.ID}
	return e.CreateRequest(ctx, spec)
}

// =============================================================================
// WINDOW REFRESH SWEEP
// =============================================================================

// RefreshWindows moves windows through SCHEDULED → ACTIVE → COMPLETED as
// time passes.
func (e *Engine) RefreshWindows(ctx context.Context) (SweepResult, error) {
	now := e.clock.Now()
	res := SweepResult{Kind: SweepWindows, StartedAt: now}

	windows, err := e.repos.Windows.List(ctx)
	if err != nil {
		return res, err
	}
	for _, w := range windows {
		if w.Status != oncall.WindowScheduled && w.Status != oncall.WindowActive {
			continue
		}
		res.Processed++
		_, err := mutate(ctx, e, e.repos.Windows, w.ID, func(w *oncall.Window) error {
			if !e.tracker.Refresh(w, now) {
				return errNothingToSave
			}
			return nil
		})
		switch {
		case err == nil:
			res.Affected++
		case isNothingToSave(err):
		default:
			res.fail(w.ID, err)
		}
	}
	return res, nil
}
