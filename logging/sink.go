package logging

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/warp/overtime-engine/generic"
)

// Sink writes engine events as structured log lines. Breaches, escalations
// and expiries are logged at WARN, everything else at INFO.
type Sink struct {
	Log *logrus.Logger
}

var _ generic.EventSink = Sink{}

// NewSink returns a sink on the shared Logger.
func NewSink() Sink {
	return Sink{Log: Logger}
}

func (s Sink) Publish(_ context.Context, e generic.Event) error {
	log := s.Log
	if log == nil {
		log = Logger
	}
	fields := logrus.Fields{
		"event_id":     e.ID,
		"event":        string(e.Type),
		"aggregate_id": e.AggregateID,
		"at":           e.At,
	}
	if e.EmployeeID != "" {
		fields["employee_id"] = string(e.EmployeeID)
	}
	for k, v := range e.Payload {
		fields[k] = v
	}

	entry := log.WithFields(fields)
	switch e.Type {
	case generic.EventCallOutBreach, generic.EventApprovalEscalate, generic.EventApprovalOverdue,
		generic.EventApprovalExpired, generic.EventExpired, generic.EventNearCapacity, generic.EventNearExpiry:
		entry.Warn("engine event")
	default:
		entry.Info("engine event")
	}
	return nil
}
