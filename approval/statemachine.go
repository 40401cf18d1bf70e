package approval

import "github.com/warp/overtime-engine/generic"

// =============================================================================
// STATE MACHINE - Every request transition is checked here
// =============================================================================
//
//              approve (more levels) / escalate (more levels)
//                   ┌──────────┐
//                   ▼          │
//   (create) ──▶ PENDING ──────┘
//      │            │  approve (last level)      ──▶ APPROVED
//      │            │  reject                    ──▶ REJECTED
//      │            │  escalate (last level)     ──▶ ESCALATED ──reject──▶ REJECTED
//      │            │  expire                    ──▶ EXPIRED        └─expire─▶ EXPIRED
//      └── all levels under threshold            ──▶ AUTO_APPROVED
//
// APPROVED, REJECTED, AUTO_APPROVED and EXPIRED are terminal.

// Action is an operation that may change a request's status.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionEscalate Action = "escalate"
	ActionExpire   Action = "expire"
)

var transitions = map[Status]map[Action][]Status{
	StatusPending: {
		ActionApprove:  {StatusPending, StatusApproved},
		ActionReject:   {StatusRejected},
		ActionEscalate: {StatusPending, StatusEscalated},
		ActionExpire:   {StatusExpired},
	},
	StatusEscalated: {
		ActionReject: {StatusRejected},
		ActionExpire: {StatusExpired},
	},
}

// Can reports whether action is allowed from status.
func Can(status Status, action Action) bool {
	_, ok := transitions[status][action]
	return ok
}

// guard rejects actions the current status does not allow.
func guard(r *Request, action Action) error {
	if !Can(r.Status, action) {
		return generic.InvalidState(string(action), string(r.Status), r.ID)
	}
	return nil
}

// moveTo sets the new status after checking it is a legal target for action.
// A mismatch is a programming error in the workflow, reported as InvalidState
// so the caller's aggregate copy is discarded rather than saved.
func moveTo(r *Request, action Action, next Status) error {
	for _, s := range transitions[r.Status][action] {
		if s == next {
			r.Status = next
			return nil
		}
	}
	return generic.InvalidState(string(action), string(r.Status), "illegal target "+string(next))
}
