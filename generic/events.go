/*
events.go - State-transition notifications

PURPOSE:
  The engine reports state transitions (escalations, SLA breaches, a bank
  nearing its cap, hours about to expire) to an external notifier. The sink
  is informed AFTER a mutation has been saved; it never drives logic and a
  failing sink never rolls back a committed change.

IMPLEMENTATIONS:
  - NopSink:       drops everything
  - RecordingSink: keeps events in memory (tests, scenario replay)
  - MultiSink:     fan-out to several sinks
  - logging.Sink:  writes events through logrus
  - sqlite.Store:  persists events in an outbox table

SEE ALSO:
  - engine/engine.go: Emits events after each successful save
*/
package generic

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventAccrued          EventType = "comptime.accrued"
	EventRedeemed         EventType = "comptime.redeemed"
	EventExpired          EventType = "comptime.expired"
	EventPaidOut          EventType = "comptime.paid_out"
	EventNearCapacity     EventType = "comptime.near_capacity"
	EventNearExpiry       EventType = "comptime.near_expiry"
	EventCallOutBreach    EventType = "oncall.response_breach"
	EventCallOutCompleted EventType = "oncall.call_out_completed"
	EventApprovalCreated  EventType = "approval.created"
	EventApprovalApproved EventType = "approval.approved"
	EventApprovalRejected EventType = "approval.rejected"
	EventApprovalEscalate EventType = "approval.escalated"
	EventApprovalExpired  EventType = "approval.expired"
	EventApprovalOverdue  EventType = "approval.overdue"
)

// Event is one notification about an aggregate.
type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	AggregateID string            `json:"aggregate_id"`
	EmployeeID  EmployeeID        `json:"employee_id,omitempty"`
	At          time.Time         `json:"at"`
	Payload     map[string]string `json:"payload,omitempty"`
}

// EventSink receives events. Publish errors are logged by the caller, never
// propagated to the operation that produced the event.
type EventSink interface {
	Publish(ctx context.Context, e Event) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) error { return nil }

// RecordingSink keeps every published event.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *RecordingSink) Publish(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of what was published, in order.
func (s *RecordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// OfType filters recorded events.
func (s *RecordingSink) OfType(t EventType) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// MultiSink publishes to every sink and returns the first error.
type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if err := s.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
