// Package approval drives overtime, comp-time and standby-pay requests through
// an ordered chain of approval levels with SLA deadlines and escalation.
package approval

import (
	"strconv"
	"time"

	"github.com/warp/overtime-engine/generic"
)

// Kind says what is being approved. The workflow treats all kinds alike; the
// engine decides what happens on final approval.
type Kind string

const (
	KindOvertime   Kind = "OVERTIME"
	KindCallOut    Kind = "CALL_OUT"
	KindStandbyPay Kind = "STANDBY_PAY"
	KindRedemption Kind = "COMP_TIME_REDEMPTION"
	KindCompPayout Kind = "COMP_TIME_PAYOUT"
)

type Status string

const (
	StatusPending      Status = "PENDING"
	StatusApproved     Status = "APPROVED"
	StatusRejected     Status = "REJECTED"
	StatusEscalated    Status = "ESCALATED"
	StatusAutoApproved Status = "AUTO_APPROVED"
	StatusExpired      Status = "EXPIRED"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusAutoApproved || s == StatusExpired
}

// IsApproved reports a successful terminal outcome.
func (s Status) IsApproved() bool {
	return s == StatusApproved || s == StatusAutoApproved
}

type LevelStatus string

const (
	LevelPending   LevelStatus = "PENDING"
	LevelApproved  LevelStatus = "APPROVED"
	LevelRejected  LevelStatus = "REJECTED"
	LevelEscalated LevelStatus = "ESCALATED"
)

// Level is one step of the chain. Sequence numbers run 1..n and never change
// after the request is created.
type Level struct {
	ID                   string          `json:"id"`
	Sequence             int             `json:"sequence"`
	Assignee             string          `json:"assignee"`
	Status               LevelStatus     `json:"status"`
	AutoApproveThreshold *generic.Amount `json:"auto_approve_threshold,omitempty"`
	ActedBy              string          `json:"acted_by,omitempty"`
	ActedAt              *time.Time      `json:"acted_at,omitempty"`
	Comment              string          `json:"comment,omitempty"`
}

// Comment is one line of the audit trail.
type Comment struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Level  int       `json:"level,omitempty"`
	Text   string    `json:"text,omitempty"`
}

// =============================================================================
// REQUEST
// =============================================================================

// LevelSpec describes one level at creation time.
type LevelSpec struct {
	Sequence             int
	Assignee             string
	AutoApproveThreshold *generic.Amount
}

// RequestSpec is everything needed to open a request. Zero durations mean
// "no deadline of that kind".
type RequestSpec struct {
	Kind            Kind
	EmployeeID      generic.EmployeeID
	SubjectID       string // call-out, window or account the request is about
	RequestedBy     string
	Levels          []LevelSpec
	HoursRequested  generic.Amount
	AmountEstimated *generic.Amount
	DueAfter        time.Duration
	EscalateAfter   time.Duration
	ExpireAfter     time.Duration
	Metadata        map[string]string
}

type Request struct {
	ID          string             `json:"id"`
	Kind        Kind               `json:"kind"`
	EmployeeID  generic.EmployeeID `json:"employee_id"`
	SubjectID   string             `json:"subject_id,omitempty"`
	RequestedBy string             `json:"requested_by,omitempty"`

	Levels          []Level `json:"levels"`
	CurrentLevel    int     `json:"current_level"`
	CurrentAssignee string  `json:"current_assignee"`
	Status          Status  `json:"status"`

	HoursRequested  generic.Amount  `json:"hours_requested"`
	AmountEstimated *generic.Amount `json:"amount_estimated,omitempty"`

	// SLA
	DueAt            *time.Time `json:"due_at,omitempty"`
	EscalateAt       *time.Time `json:"escalate_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	IsOverdue        bool       `json:"is_overdue"`
	OverdueByMinutes int        `json:"overdue_by_minutes,omitempty"`

	IsEscalated      bool       `json:"is_escalated"`
	EscalatedAt      *time.Time `json:"escalated_at,omitempty"`
	EscalationReason string     `json:"escalation_reason,omitempty"`

	FinalApprover   string     `json:"final_approver,omitempty"`
	FinalApprovedAt *time.Time `json:"final_approved_at,omitempty"`
	RejectedBy      string     `json:"rejected_by,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`

	Comments []Comment         `json:"comments"`
	Metadata map[string]string `json:"metadata,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var _ generic.Aggregate[*Request] = (*Request)(nil)

func (r *Request) AggregateID() string { return r.ID }
func (r *Request) AggregateVersion() int64 { return r.Version }
func (r *Request) SetAggregateVersion(v int64) { r.Version = v }

func (r *Request) Clone() *Request {
	c := *r
	if r.Levels != nil {
		c.Levels = make([]Level, len(r.Levels))
		for i, l := range r.Levels {
			if l.AutoApproveThreshold != nil {
				v := *l.AutoApproveThreshold
				l.AutoApproveThreshold = &v
			}
			l.ActedAt = cloneTime(l.ActedAt)
			c.Levels[i] = l
		}
	}
	if r.AmountEstimated != nil {
		v := *r.AmountEstimated
		c.AmountEstimated = &v
	}
	c.DueAt = cloneTime(r.DueAt)
	c.EscalateAt = cloneTime(r.EscalateAt)
	c.ExpiresAt = cloneTime(r.ExpiresAt)
	c.EscalatedAt = cloneTime(r.EscalatedAt)
	c.FinalApprovedAt = cloneTime(r.FinalApprovedAt)
	c.RejectedAt = cloneTime(r.RejectedAt)
	c.Comments = append([]Comment(nil), r.Comments...)
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Level returns the level with the given sequence number.
func (r *Request) Level(sequence int) (*Level, error) {
	for i := range r.Levels {
		if r.Levels[i].Sequence == sequence {
			return &r.Levels[i], nil
		}
	}
	return nil, generic.NotFound("level", r.ID+"#"+strconv.Itoa(sequence))
}

// Current returns the level at CurrentLevel.
func (r *Request) Current() (*Level, error) {
	return r.Level(r.CurrentLevel)
}

// HasNext reports whether a level with sequence CurrentLevel+1 exists.
func (r *Request) HasNext() bool {
	_, err := r.Level(r.CurrentLevel + 1)
	return err == nil
}
