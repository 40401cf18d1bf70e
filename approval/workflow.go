/*
workflow.go - Multi-level approval with SLA tracking and escalation

PURPOSE:
  Moves one request through its ordered levels. Each level is acted on by
  its assignee (approve or reject) or skipped past by escalation when the
  SLA runs out. The workflow never acts on a timer: the engine's sweep asks
  ShouldEscalate / CheckOverdue and calls Escalate / Expire itself.

LEVEL SEQUENCING:
  Levels are numbered 1..n at creation and never reordered. CurrentLevel
  always names a level whose status is PENDING or ESCALATED.

    L1 PENDING ──approve──▶ L1 APPROVED, L2 PENDING ──approve──▶ L2 APPROVED, request APPROVED
    L1 PENDING ──escalate─▶ L1 ESCALATED, L2 PENDING (IsEscalated)

AUTO-APPROVAL:
  At creation, leading levels whose AutoApproveThreshold covers
  HoursRequested are approved by "system". If that covers every level, the
  request is AUTO_APPROVED without any human action.

AUDIT:
  Every transition appends a Comment.

SEE ALSO:
  - statemachine.go: Legal transitions
  - engine/approval.go: Persistence, notifications, and what happens on approval
*/
package approval

import (
	"fmt"
	"sort"
	"time"

	"github.com/warp/overtime-engine/generic"
)

// SystemActor signs automatic transitions.
const SystemActor = "system"

// Workflow applies approval operations to requests. It holds no request state.
type Workflow struct {
	IDs generic.IDGenerator
}

func NewWorkflow(ids generic.IDGenerator) *Workflow {
	if ids == nil {
		ids = generic.UUIDGenerator{}
	}
	return &Workflow{IDs: ids}
}

// =============================================================================
// CREATE
// =============================================================================

// NewRequest validates the level chain, sets SLA deadlines relative to now and
// applies auto-approval.
func (wf *Workflow) NewRequest(spec RequestSpec, now time.Time) (*Request, error) {
	if spec.EmployeeID == "" {
		return nil, generic.InvalidInput("employee id is required")
	}
	if len(spec.Levels) == 0 {
		return nil, generic.InvalidInput("at least one approval level is required")
	}
	if spec.HoursRequested.IsNegative() {
		return nil, generic.InvalidInput("hours requested must not be negative")
	}

	specs := append([]LevelSpec(nil), spec.Levels...)
	sort.SliceStable(specs, func(i, j int) bool { return specs[i].Sequence < specs[j].Sequence })
	levels := make([]Level, len(specs))
	for i, ls := range specs {
		if ls.Sequence != i+1 {
			return nil, generic.InvalidInput("level sequences must run 1..%d without gaps or duplicates, found %d at position %d",
				len(specs), ls.Sequence, i+1)
		}
		if ls.Assignee == "" {
			return nil, generic.InvalidInput("level %d has no assignee", ls.Sequence)
		}
		levels[i] = Level{
			ID:                   wf.IDs.NewID("level"),
			Sequence:             ls.Sequence,
			Assignee:             ls.Assignee,
			Status:               LevelPending,
			AutoApproveThreshold: ls.AutoApproveThreshold,
		}
	}

	r := &Request{
		ID:              wf.IDs.NewID("approval"),
		Kind:            spec.Kind,
		EmployeeID:      spec.EmployeeID,
		SubjectID:       spec.SubjectID,
		RequestedBy:     spec.RequestedBy,
		Levels:          levels,
		CurrentLevel:    1,
		CurrentAssignee: levels[0].Assignee,
		Status:          StatusPending,
		HoursRequested:  spec.HoursRequested,
		AmountEstimated: spec.AmountEstimated,
		DueAt:           deadline(now, spec.DueAfter),
		EscalateAt:      deadline(now, spec.EscalateAfter),
		ExpiresAt:       deadline(now, spec.ExpireAfter),
		Metadata:        spec.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	actor := spec.RequestedBy
	if actor == "" {
		actor = string(spec.EmployeeID)
	}
	r.note(now, actor, "created", 0, fmt.Sprintf("%s for %s", spec.Kind, spec.HoursRequested.Value))

	wf.autoApprove(r, now)
	return r, nil
}

func deadline(now time.Time, after time.Duration) *time.Time {
	if after <= 0 {
		return nil
	}
	t := now.Add(after)
	return &t
}

func (wf *Workflow) autoApprove(r *Request, now time.Time) {
	for {
		lvl, err := r.Current()
		if err != nil || lvl.AutoApproveThreshold == nil || lvl.AutoApproveThreshold.LessThan(r.HoursRequested) {
			return
		}
		lvl.Status = LevelApproved
		lvl.ActedBy = SystemActor
		lvl.ActedAt = &now
		lvl.Comment = "under auto-approve threshold"
		r.note(now, SystemActor, "auto_approved", lvl.Sequence, "")

		if !r.HasNext() {
			r.Status = StatusAutoApproved
			r.FinalApprover = SystemActor
			r.FinalApprovedAt = &now
			return
		}
		r.advance()
	}
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// ApproveLevel approves the current level. final is true when this was the
// last level and the request is now APPROVED.
func (wf *Workflow) ApproveLevel(r *Request, approver, comment string, now time.Time) (final bool, err error) {
	if err := guard(r, ActionApprove); err != nil {
		return false, err
	}
	lvl, err := r.Current()
	if err != nil {
		return false, err
	}
	if lvl.Status != LevelPending {
		return false, generic.InvalidState("approve level", string(lvl.Status), fmt.Sprintf("%s level %d", r.ID, lvl.Sequence))
	}
	if approver == "" {
		return false, generic.InvalidInput("approver is required")
	}

	final = !r.HasNext()
	next := StatusPending
	if final {
		next = StatusApproved
	}
	if err := moveTo(r, ActionApprove, next); err != nil {
		return false, err
	}

	lvl.Status = LevelApproved
	lvl.ActedBy = approver
	lvl.ActedAt = &now
	lvl.Comment = comment
	r.note(now, approver, "approved", lvl.Sequence, comment)

	if final {
		r.FinalApprover = approver
		r.FinalApprovedAt = &now
	} else {
		r.advance()
	}
	r.UpdatedAt = now
	return final, nil
}

// Reject ends the request at the current level. REJECTED is terminal.
func (wf *Workflow) Reject(r *Request, rejector, reason string, now time.Time) error {
	if err := guard(r, ActionReject); err != nil {
		return err
	}
	lvl, err := r.Current()
	if err != nil {
		return err
	}
	if rejector == "" {
		return generic.InvalidInput("rejector is required")
	}
	if err := moveTo(r, ActionReject, StatusRejected); err != nil {
		return err
	}

	lvl.Status = LevelRejected
	lvl.ActedBy = rejector
	lvl.ActedAt = &now
	lvl.Comment = reason
	r.RejectedBy = rejector
	r.RejectionReason = reason
	r.RejectedAt = &now
	r.note(now, rejector, "rejected", lvl.Sequence, reason)
	r.UpdatedAt = now
	return nil
}

// Escalate marks the current level ESCALATED and hands the request to the
// next level without approving it. Escalating the last level leaves the
// request ESCALATED until it is rejected or expires.
func (wf *Workflow) Escalate(r *Request, reason string, now time.Time) error {
	if err := guard(r, ActionEscalate); err != nil {
		return err
	}
	lvl, err := r.Current()
	if err != nil {
		return err
	}

	hasNext := r.HasNext()
	next := StatusPending
	if !hasNext {
		next = StatusEscalated
	}
	if err := moveTo(r, ActionEscalate, next); err != nil {
		return err
	}

	lvl.Status = LevelEscalated
	lvl.ActedBy = SystemActor
	lvl.ActedAt = &now
	lvl.Comment = reason
	r.IsEscalated = true
	r.EscalatedAt = &now
	r.EscalationReason = reason
	r.note(now, SystemActor, "escalated", lvl.Sequence, reason)
	if hasNext {
		r.advance()
	}
	r.UpdatedAt = now
	return nil
}

// Expire closes a request whose SLA ran out without a decision. Requests
// without an expiry deadline never expire.
func (wf *Workflow) Expire(r *Request, now time.Time) error {
	if err := guard(r, ActionExpire); err != nil {
		return err
	}
	if r.ExpiresAt == nil {
		return generic.InvalidState("expire", string(r.Status), r.ID+" has no expiry deadline")
	}
	if !now.After(*r.ExpiresAt) {
		return generic.InvalidState("expire", string(r.Status), "expires at "+r.ExpiresAt.Format(time.RFC3339))
	}
	if err := moveTo(r, ActionExpire, StatusExpired); err != nil {
		return err
	}
	r.note(now, SystemActor, "expired", r.CurrentLevel, "")
	r.UpdatedAt = now
	return nil
}

// =============================================================================
// SLA CHECKS
// =============================================================================

// CheckOverdue flags a PENDING request whose due date has passed and records
// by how many minutes. Status is not changed. Returns IsOverdue.
func (wf *Workflow) CheckOverdue(r *Request, now time.Time) bool {
	if r.Status != StatusPending || r.DueAt == nil || !now.After(*r.DueAt) {
		return r.IsOverdue
	}
	r.IsOverdue = true
	r.OverdueByMinutes = int(now.Sub(*r.DueAt) / time.Minute)
	return true
}

// ShouldEscalate is true iff the request is PENDING, has not been escalated
// yet, and its escalation deadline has passed. It never escalates by itself.
func (wf *Workflow) ShouldEscalate(r *Request, now time.Time) bool {
	return !r.IsEscalated && r.EscalateAt != nil && now.After(*r.EscalateAt) && r.Status == StatusPending
}

// ShouldExpire is true iff the request can still expire and its expiry
// deadline has passed.
func (wf *Workflow) ShouldExpire(r *Request, now time.Time) bool {
	return Can(r.Status, ActionExpire) && r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// =============================================================================
// HELPERS
// =============================================================================

func (r *Request) advance() {
	r.CurrentLevel++
	if lvl, err := r.Current(); err == nil {
		r.CurrentAssignee = lvl.Assignee
	}
}

func (r *Request) note(at time.Time, actor, action string, level int, text string) {
	r.Comments = append(r.Comments, Comment{At: at, Actor: actor, Action: action, Level: level, Text: text})
}
