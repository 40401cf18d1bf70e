package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/overtime-engine/approval"
	"github.com/warp/overtime-engine/comptime"
	"github.com/warp/overtime-engine/generic"
)

// =============================================================================
// APPROVAL REQUESTS
// =============================================================================

// CreateRequest opens a request. A request that auto-approves at creation is
// settled right away.
func (e *Engine) CreateRequest(ctx context.Context, spec approval.RequestSpec) (*approval.Request, error) {
	r, err := e.workflow.NewRequest(spec, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := e.repos.Requests.Save(ctx, r); err != nil {
		return nil, err
	}

	e.emit(ctx, generic.EventApprovalCreated, r.ID, r.EmployeeID, map[string]string{
		"kind":     string(r.Kind),
		"hours":    r.HoursRequested.Value.String(),
		"assignee": r.CurrentAssignee,
		"status":   string(r.Status),
	})
	if r.Status.IsApproved() {
		e.emitApproved(ctx, r)
		return e.settleQuietly(ctx, r), nil
	}
	return r, nil
}

// OvertimeRequest asks to bank (or pay) a piece of overtime.
type OvertimeRequest struct {
	EmployeeID generic.EmployeeID
	OvertimeID string
	Hours      generic.Amount
	WorkedOn   time.Time
	// AccountID, when set, receives the hours as comp time on approval.
	AccountID string
	ChainID   generic.PolicyID
}

func (e *Engine) RequestOvertime(ctx context.Context, in OvertimeRequest) (*approval.Request, error) {
	chain, err := e.Chain(in.ChainID)
	if err != nil {
		return nil, err
	}
	if in.OvertimeID == "" {
		return nil, generic.InvalidInput("overtime id is required")
	}
	spec := chain.RequestSpec(approval.KindOvertime, in.EmployeeID, in.OvertimeID, in.Hours, nil)
	spec.RequestedBy = string(in.EmployeeID)
	spec.Metadata = map[string]string{MetaOvertimeID: in.OvertimeID}
	if !in.WorkedOn.IsZero() {
		spec.Metadata["worked_on"] = in.WorkedOn.Format(time.RFC3339)
	}
	if in.AccountID != "" {
		acct, err := e.repos.Accounts.Get(ctx, in.AccountID)
		if err != nil {
			return nil, err
		}
		if acct.EmployeeID != in.EmployeeID {
			return nil, generic.InvalidInput("account %s belongs to %s, not %s", acct.ID, acct.EmployeeID, in.EmployeeID)
		}
		spec.Metadata[MetaAccountID] = in.AccountID
	}
	return e.CreateRequest(ctx, spec)
}

// RequestRedemption asks to take banked hours as time off. The balance is
// checked now and again when the approved request is settled.
func (e *Engine) RequestRedemption(ctx context.Context, accountID string, hours generic.Amount, chainID generic.PolicyID) (*approval.Request, error) {
	return e.requestFromAccount(ctx, approval.KindRedemption, accountID, hours, chainID)
}

// RequestPayout asks to convert banked hours to pay.
func (e *Engine) RequestPayout(ctx context.Context, accountID string, hours generic.Amount, chainID generic.PolicyID) (*approval.Request, error) {
	return e.requestFromAccount(ctx, approval.KindCompPayout, accountID, hours, chainID)
}

func (e *Engine) requestFromAccount(ctx context.Context, kind approval.Kind, accountID string, hours generic.Amount, chainID generic.PolicyID) (*approval.Request, error) {
	chain, err := e.Chain(chainID)
	if err != nil {
		return nil, err
	}
	acct, err := e.repos.Accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !hours.IsPositive() {
		return nil, generic.InvalidInput("hours must be positive, got %s", hours.Value)
	}
	if hours.GreaterThan(acct.BalanceHours) {
		return nil, &generic.InsufficientBalanceError{
			AccountID: acct.ID,
			Available: acct.BalanceHours,
			Requested: hours,
			Shortfall: hours.Sub(acct.BalanceHours),
		}
	}

	var amount *generic.Amount
	if e.rates != nil && kind == approval.KindCompPayout {
		a, err := e.rates.Resolve(ctx, generic.RateQuery{EmployeeID: acct.EmployeeID, Hours: hours})
		if err != nil {
			return nil, err
		}
		amount = &a
	}
	spec := chain.RequestSpec(kind, acct.EmployeeID, acct.ID, hours, amount)
	spec.RequestedBy = string(acct.EmployeeID)
	spec.Metadata = map[string]string{MetaAccountID: acct.ID}
	return e.CreateRequest(ctx, spec)
}

func (e *Engine) GetRequest(ctx context.Context, id string) (*approval.Request, error) {
	return e.repos.Requests.Get(ctx, id)
}

func (e *Engine) ListRequests(ctx context.Context) ([]*approval.Request, error) {
	return e.repos.Requests.List(ctx)
}

// PendingRequests returns undecided requests, optionally only those waiting
// on assignee.
func (e *Engine) PendingRequests(ctx context.Context, assignee string) ([]*approval.Request, error) {
	all, err := e.repos.Requests.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*approval.Request
	for _, r := range all {
		if r.Status.IsTerminal() {
			continue
		}
		if assignee != "" && r.CurrentAssignee != assignee {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Approve approves the current level. On the final level the request is
// settled: comp-time requests move hours on the linked account.
func (e *Engine) Approve(ctx context.Context, id, approver, comment string) (*approval.Request, bool, error) {
	now := e.clock.Now()
	var final bool

	r, err := mutate(ctx, e, e.repos.Requests, id, func(r *approval.Request) error {
		var err error
		final, err = e.workflow.ApproveLevel(r, approver, comment, now)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if !final {
		return r, false, nil
	}

	e.emitApproved(ctx, r)
	return e.settleQuietly(ctx, r), true, nil
}

func (e *Engine) Reject(ctx context.Context, id, rejector, reason string) (*approval.Request, error) {
	now := e.clock.Now()
	r, err := mutate(ctx, e, e.repos.Requests, id, func(r *approval.Request) error {
		return e.workflow.Reject(r, rejector, reason, now)
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, generic.EventApprovalRejected, r.ID, r.EmployeeID, map[string]string{
		"rejected_by": rejector,
		"reason":      reason,
	})
	return r, nil
}

func (e *Engine) Escalate(ctx context.Context, id, reason string) (*approval.Request, error) {
	now := e.clock.Now()
	r, err := mutate(ctx, e, e.repos.Requests, id, func(r *approval.Request) error {
		return e.workflow.Escalate(r, reason, now)
	})
	if err != nil {
		return nil, err
	}
	e.emitEscalated(ctx, r)
	return r, nil
}

func (e *Engine) emitApproved(ctx context.Context, r *approval.Request) {
	payload := map[string]string{
		"kind":           string(r.Kind),
		"status":         string(r.Status),
		"final_approver": r.FinalApprover,
		"hours":          r.HoursRequested.Value.String(),
	}
	if r.AmountEstimated != nil {
		payload["amount"] = r.AmountEstimated.Value.String()
	}
	e.emit(ctx, generic.EventApprovalApproved, r.ID, r.EmployeeID, payload)
}

func (e *Engine) emitEscalated(ctx context.Context, r *approval.Request) {
	e.emit(ctx, generic.EventApprovalEscalate, r.ID, r.EmployeeID, map[string]string{
		"status":   string(r.Status),
		"assignee": r.CurrentAssignee,
		"reason":   r.EscalationReason,
	})
}

// =============================================================================
// SETTLEMENT - Second step of the cross-aggregate flows
// =============================================================================

// ErrNotApproved is returned by Settle for requests without a positive decision.
var ErrNotApproved = errors.New("request is not approved")

// Settle applies an approved request to its comp-time account. It is
// idempotent: a settled request is returned unchanged, and the account
// entries are keyed by the request so a retried settlement never applies
// twice. Settlements of one request run one at a time.
func (e *Engine) Settle(ctx context.Context, id string) (*approval.Request, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	r, err := e.repos.Requests.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.Status.IsApproved() {
		return nil, fmt.Errorf("settle %s in status %s: %w", r.ID, r.Status, ErrNotApproved)
	}
	if r.Metadata[MetaSettled] == "true" {
		return r, nil
	}

	settleErr := e.apply(ctx, r)
	// the request lock is already held, so save without mutate
	r, err = generic.WithRetry(ctx, e.repos.Requests, id, e.maxRetries, func(r *approval.Request) error {
		if r.Metadata == nil {
			r.Metadata = make(map[string]string)
		}
		if settleErr != nil {
			r.Metadata[MetaSettlementError] = settleErr.Error()
			return nil
		}
		r.Metadata[MetaSettled] = "true"
		delete(r.Metadata, MetaSettlementError)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, settleErr
}

// settleQuietly settles after an approval that already committed. A failed
// settlement is recorded on the request, logged, and left for Settle.
func (e *Engine) settleQuietly(ctx context.Context, r *approval.Request) *approval.Request {
	settled, err := e.Settle(ctx, r.ID)
	if err != nil {
		e.log.WithError(err).WithField("request_id", r.ID).Warn("approved request not settled")
		if latest, getErr := e.repos.Requests.Get(ctx, r.ID); getErr == nil {
			return latest
		}
		return r
	}
	return settled
}

// apply performs the account mutation for an approved request. Requests
// without a linked account are payable and need nothing here.
func (e *Engine) apply(ctx context.Context, r *approval.Request) error {
	accountID := r.Metadata[MetaAccountID]
	if accountID == "" {
		return nil
	}

	switch r.Kind {
	case approval.KindOvertime, approval.KindCallOut:
		source := r.Metadata[MetaOvertimeID]
		if source == "" {
			source = r.Metadata[MetaCallOutID]
		}
		if source == "" {
			source = r.ID
		}
		var workedOn time.Time
		if s := r.Metadata["worked_on"]; s != "" {
			workedOn, _ = time.Parse(time.RFC3339, s)
		}
		_, _, err := e.Accrue(ctx, accountID, AccrualRequest{
			SourceID:      source,
			OvertimeHours: r.HoursRequested,
			WorkedOn:      workedOn,
		})
		if errors.Is(err, generic.ErrDuplicate) {
			return nil
		}
		return err

	case approval.KindRedemption:
		return e.redeemForRequest(ctx, accountID, r)

	case approval.KindCompPayout:
		return e.payOutForRequest(ctx, accountID, r)
	}
	return nil
}

func payoutReason(requestID string) string {
	return "approved request " + requestID
}

// redeemForRequest redeems the approved hours unless a redemption for the
// request is already on the account. The check runs under the account lock.
func (e *Engine) redeemForRequest(ctx context.Context, accountID string, r *approval.Request) error {
	now := e.clock.Now()
	var entry *comptime.RedemptionEntry

	acct, err := mutate(ctx, e, e.repos.Accounts, accountID, func(a *comptime.Account) error {
		for _, red := range a.Redemptions {
			if red.SourceRef == r.ID {
				return errNothingToSave
			}
		}
		var err error
		entry, err = e.ledger.Redeem(a, r.HoursRequested, r.FinalApprover, r.ID, now)
		return err
	})
	if errors.Is(err, errNothingToSave) {
		return nil
	}
	if err != nil {
		return err
	}

	e.emit(ctx, generic.EventRedeemed, acct.ID, acct.EmployeeID, map[string]string{
		"redemption_id": entry.ID,
		"hours":         entry.HoursUsed.Value.String(),
		"approver":      r.FinalApprover,
		"balance":       acct.BalanceHours.Value.String(),
		"request_id":    r.ID,
	})
	return nil
}

// payOutForRequest is redeemForRequest for payouts, keyed by the payout reason.
func (e *Engine) payOutForRequest(ctx context.Context, accountID string, r *approval.Request) error {
	now := e.clock.Now()
	reason := payoutReason(r.ID)
	var entry *comptime.PayoutEntry

	acct, err := mutate(ctx, e, e.repos.Accounts, accountID, func(a *comptime.Account) error {
		for _, p := range a.Payouts {
			if p.Reason == reason {
				return errNothingToSave
			}
		}
		var err error
		entry, err = e.ledger.PayOut(a, r.HoursRequested, r.FinalApprover, reason, now)
		return err
	})
	if errors.Is(err, errNothingToSave) {
		return nil
	}
	if err != nil {
		return err
	}
	e.emitPayout(ctx, acct, entry)
	return nil
}
