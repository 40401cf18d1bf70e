package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/warp/overtime-engine/approval"
	"github.com/warp/overtime-engine/generic"
)

// =============================================================================
// SWEEPS - Invoked by the scheduler; idempotent for a given "now"
// =============================================================================

type SweepKind string

const (
	SweepExpiry     SweepKind = "expiry"
	SweepEscalation SweepKind = "escalation"
	SweepWindows    SweepKind = "windows"
)

// SweepResult summarizes one pass over an aggregate type. Per-aggregate
// failures do not stop the sweep; they are collected in Failures.
type SweepResult struct {
	Kind      SweepKind
	StartedAt time.Time
	Processed int
	Affected  int
	Hours     generic.Amount // expiry only
	Failures  map[string]string
}

func (r *SweepResult) fail(id string, err error) {
	if r.Failures == nil {
		r.Failures = make(map[string]string)
	}
	r.Failures[id] = err.Error()
}

// Err folds the failures into one error, nil when there were none.
func (r SweepResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(r.Failures))
	for id, msg := range r.Failures {
		msgs = append(msgs, id+": "+msg)
	}
	return errors.New(string(r.Kind) + " sweep: " + strings.Join(msgs, "; "))
}

func isNothingToSave(err error) bool {
	return errors.Is(err, errNothingToSave)
}

// ExpireStaleHours expires stale hours on every account, then reports
// accounts with hours expiring within the near-expiry horizon.
func (e *Engine) ExpireStaleHours(ctx context.Context) (SweepResult, error) {
	now := e.clock.Now()
	res := SweepResult{Kind: SweepExpiry, StartedAt: now, Hours: generic.ZeroHours()}

	accounts, err := e.repos.Accounts.List(ctx)
	if err != nil {
		return res, err
	}
	for _, a := range accounts {
		res.Processed++
		expired, err := e.ExpireAccount(ctx, a.ID)
		if err != nil {
			res.fail(a.ID, err)
			continue
		}
		if expired.IsPositive() {
			res.Affected++
			res.Hours = res.Hours.Add(expired)
		}
		if e.nearExpiryDays > 0 {
			e.notifyNearExpiry(ctx, a.ID, now)
		}
	}
	return res, nil
}

func (e *Engine) notifyNearExpiry(ctx context.Context, accountID string, now time.Time) {
	acct, err := e.repos.Accounts.Get(ctx, accountID)
	if err != nil {
		return
	}
	soon := e.ledger.HoursExpiringSoon(acct, now, e.nearExpiryDays)
	if !soon.IsPositive() {
		return
	}
	e.emit(ctx, generic.EventNearExpiry, acct.ID, acct.EmployeeID, map[string]string{
		"hours": soon.Value.String(),
		"days":  strconv.Itoa(e.nearExpiryDays),
	})
}

// EscalateOverdue walks every undecided request: flags overdue ones, expires
// those past their expiry deadline, and escalates those past their
// escalation deadline.
func (e *Engine) EscalateOverdue(ctx context.Context) (SweepResult, error) {
	now := e.clock.Now()
	res := SweepResult{Kind: SweepEscalation, StartedAt: now}

	requests, err := e.repos.Requests.List(ctx)
	if err != nil {
		return res, err
	}
	for _, r := range requests {
		if r.Status.IsTerminal() {
			continue
		}
		res.Processed++
		changed, err := e.sweepRequest(ctx, r.ID, now)
		if err != nil {
			res.fail(r.ID, err)
			continue
		}
		if changed {
			res.Affected++
		}
	}
	return res, nil
}

type sweepOutcome struct {
	becameOverdue bool
	expired       bool
	escalated     bool
}

func (e *Engine) sweepRequest(ctx context.Context, id string, now time.Time) (bool, error) {
	var out sweepOutcome

	r, err := mutate(ctx, e, e.repos.Requests, id, func(r *approval.Request) error {
		out = sweepOutcome{}
		if r.Status.IsTerminal() {
			return errNothingToSave
		}
		wasOverdue, minutes := r.IsOverdue, r.OverdueByMinutes
		e.workflow.CheckOverdue(r, now)
		out.becameOverdue = !wasOverdue && r.IsOverdue

		switch {
		case e.workflow.ShouldExpire(r, now):
			if err := e.workflow.Expire(r, now); err != nil {
				return err
			}
			out.expired = true
		case e.workflow.ShouldEscalate(r, now):
			if err := e.workflow.Escalate(r, "not actioned before escalation deadline", now); err != nil {
				return err
			}
			out.escalated = true
		}

		if !out.expired && !out.escalated && wasOverdue == r.IsOverdue && minutes == r.OverdueByMinutes {
			return errNothingToSave
		}
		return nil
	})
	if isNothingToSave(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if out.becameOverdue {
		e.emit(ctx, generic.EventApprovalOverdue, r.ID, r.EmployeeID, map[string]string{
			"assignee":           r.CurrentAssignee,
			"overdue_by_minutes": strconv.Itoa(r.OverdueByMinutes),
		})
	}
	if out.escalated {
		e.emitEscalated(ctx, r)
	}
	if out.expired {
		e.emit(ctx, generic.EventApprovalExpired, r.ID, r.EmployeeID, map[string]string{
			"kind": string(r.Kind),
		})
	}
	return out.becameOverdue || out.escalated || out.expired, nil
}

// ExpireRequest expires one request whose SLA ran out.
func (e *Engine) ExpireRequest(ctx context.Context, id string) (*approval.Request, error) {
	now := e.clock.Now()
	r, err := mutate(ctx, e, e.repos.Requests, id, func(r *approval.Request) error {
		return e.workflow.Expire(r, now)
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, generic.EventApprovalExpired, r.ID, r.EmployeeID, map[string]string{
		"kind": string(r.Kind),
	})
	return r, nil
}
