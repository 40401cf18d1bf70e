package engine

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/overtime-engine/comptime"
	"github.com/warp/overtime-engine/generic"
)

// =============================================================================
// COMP-TIME ACCOUNTS
// =============================================================================

// OpenAccount enrolls an employee in a registered comp_time policy.
func (e *Engine) OpenAccount(ctx context.Context, employeeID generic.EmployeeID, policyID generic.PolicyID) (*comptime.Account, error) {
	p, err := e.CompTimePolicy(policyID)
	if err != nil {
		return nil, err
	}
	return e.OpenAccountWithConfig(ctx, employeeID, policyID, p.Config)
}

// OpenAccountWithConfig enrolls with an explicit configuration (Go presets).
func (e *Engine) OpenAccountWithConfig(ctx context.Context, employeeID generic.EmployeeID, policyID generic.PolicyID, cfg comptime.Config) (*comptime.Account, error) {
	acct, err := e.ledger.Open(employeeID, policyID, cfg, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := e.repos.Accounts.Save(ctx, acct); err != nil {
		return nil, err
	}
	e.log.WithField("account_id", acct.ID).WithField("employee_id", string(employeeID)).Info("comp-time account opened")
	return acct, nil
}

func (e *Engine) GetAccount(ctx context.Context, id string) (*comptime.Account, error) {
	return e.repos.Accounts.Get(ctx, id)
}

func (e *Engine) ListAccounts(ctx context.Context) ([]*comptime.Account, error) {
	return e.repos.Accounts.List(ctx)
}

// AccrualRequest banks one piece of approved overtime.
type AccrualRequest struct {
	SourceID      string
	OvertimeHours generic.Amount
	// WorkedOn selects holiday/weekend ratios from the account's policy.
	// Zero means "now".
	WorkedOn time.Time
	// Ratio, when set, wins over any policy ratio.
	Ratio *decimal.Decimal
}

// Accrue credits comp-time. A CapExceeded rejection leaves the account as it was.
func (e *Engine) Accrue(ctx context.Context, accountID string, req AccrualRequest) (*comptime.Account, *comptime.AccrualEntry, error) {
	now := e.clock.Now()
	var entry *comptime.AccrualEntry
	var nearBefore bool

	acct, err := mutate(ctx, e, e.repos.Accounts, accountID, func(a *comptime.Account) error {
		nearBefore = e.ledger.IsNearCapacity(a, e.capacityThreshold)
		ratio := req.Ratio
		if ratio == nil {
			ratio = e.ratioFor(a, req.WorkedOn, now)
		}
		var err error
		entry, err = e.ledger.Accrue(a, comptime.AccrueInput{
			SourceID:      req.SourceID,
			OvertimeHours: req.OvertimeHours,
			Ratio:         ratio,
			At:            now,
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	e.emit(ctx, generic.EventAccrued, acct.ID, acct.EmployeeID, map[string]string{
		"accrual_id": entry.ID,
		"source_id":  entry.SourceOvertimeID,
		"hours":      entry.CompHoursEarned.Value.String(),
		"ratio":      entry.Ratio.String(),
		"balance":    acct.BalanceHours.Value.String(),
	})
	if !nearBefore && e.ledger.IsNearCapacity(acct, e.capacityThreshold) {
		e.emit(ctx, generic.EventNearCapacity, acct.ID, acct.EmployeeID, map[string]string{
			"balance": acct.BalanceHours.Value.String(),
			"cap":     acct.MaxBankHours.Value.String(),
		})
	}
	return acct, entry, nil
}

// ratioFor resolves the holiday/weekend override from the account's policy.
// Unregistered policies fall back to the account default.
func (e *Engine) ratioFor(a *comptime.Account, workedOn, now time.Time) *decimal.Decimal {
	p, err := e.CompTimePolicy(a.PolicyID)
	if err != nil {
		return nil
	}
	if workedOn.IsZero() {
		workedOn = now
	}
	return p.RatioFor(workedOn, e.holidays)
}

// Redeem spends banked hours as time off, FIFO.
func (e *Engine) Redeem(ctx context.Context, accountID string, hours generic.Amount, approver, sourceRef string) (*comptime.Account, *comptime.RedemptionEntry, error) {
	now := e.clock.Now()
	var entry *comptime.RedemptionEntry

	acct, err := mutate(ctx, e, e.repos.Accounts, accountID, func(a *comptime.Account) error {
		var err error
		entry, err = e.ledger.Redeem(a, hours, approver, sourceRef, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	e.emit(ctx, generic.EventRedeemed, acct.ID, acct.EmployeeID, map[string]string{
		"redemption_id": entry.ID,
		"hours":         entry.HoursUsed.Value.String(),
		"approver":      approver,
		"balance":       acct.BalanceHours.Value.String(),
	})
	return acct, entry, nil
}

// PayOut converts banked hours to pay, FIFO.
func (e *Engine) PayOut(ctx context.Context, accountID string, hours generic.Amount, approver, reason string) (*comptime.Account, *comptime.PayoutEntry, error) {
	now := e.clock.Now()
	var entry *comptime.PayoutEntry

	acct, err := mutate(ctx, e, e.repos.Accounts, accountID, func(a *comptime.Account) error {
		var err error
		entry, err = e.ledger.PayOut(a, hours, approver, reason, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	e.emitPayout(ctx, acct, entry)
	return acct, entry, nil
}

// SettlePeriodEnd pays out the whole balance of a no-carryover account.
// The returned entry is nil when nothing was settled.
func (e *Engine) SettlePeriodEnd(ctx context.Context, accountID string) (*comptime.Account, *comptime.PayoutEntry, error) {
	now := e.clock.Now()
	var entry *comptime.PayoutEntry

	acct, err := mutate(ctx, e, e.repos.Accounts, accountID, func(a *comptime.Account) error {
		var err error
		entry, err = e.ledger.SettlePeriodEnd(a, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if entry != nil {
		e.emitPayout(ctx, acct, entry)
	}
	return acct, entry, nil
}

func (e *Engine) emitPayout(ctx context.Context, acct *comptime.Account, entry *comptime.PayoutEntry) {
	e.emit(ctx, generic.EventPaidOut, acct.ID, acct.EmployeeID, map[string]string{
		"payout_id": entry.ID,
		"hours":     entry.HoursPaid.Value.String(),
		"reason":    entry.Reason,
		"balance":   acct.BalanceHours.Value.String(),
	})
}

// Deactivate stops further accruals and redemptions on an account.
func (e *Engine) Deactivate(ctx context.Context, accountID string) (*comptime.Account, error) {
	now := e.clock.Now()
	return mutate(ctx, e, e.repos.Accounts, accountID, func(a *comptime.Account) error {
		return e.ledger.Deactivate(a, now)
	})
}

// ExpireAccount expires stale hours on one account and returns the hours
// removed. Zero hours means nothing was saved.
func (e *Engine) ExpireAccount(ctx context.Context, accountID string) (generic.Amount, error) {
	now := e.clock.Now()
	expired := generic.ZeroHours()

	acct, err := mutate(ctx, e, e.repos.Accounts, accountID, func(a *comptime.Account) error {
		expired = e.ledger.ExpireStaleHours(a, now)
		if expired.IsZero() {
			return errNothingToSave
		}
		return nil
	})
	if errors.Is(err, errNothingToSave) {
		return generic.ZeroHours(), nil
	}
	if err != nil {
		return generic.ZeroHours(), err
	}

	e.emit(ctx, generic.EventExpired, acct.ID, acct.EmployeeID, map[string]string{
		"hours":   expired.Value.String(),
		"balance": acct.BalanceHours.Value.String(),
	})
	return expired, nil
}

// HoursExpiringSoon is read-only.
func (e *Engine) HoursExpiringSoon(ctx context.Context, accountID string, days int) (generic.Amount, error) {
	acct, err := e.repos.Accounts.Get(ctx, accountID)
	if err != nil {
		return generic.Amount{}, err
	}
	return e.ledger.HoursExpiringSoon(acct, e.clock.Now(), days), nil
}

// IsNearCapacity is read-only and uses the engine's threshold.
func (e *Engine) IsNearCapacity(ctx context.Context, accountID string) (bool, error) {
	acct, err := e.repos.Accounts.Get(ctx, accountID)
	if err != nil {
		return false, err
	}
	return e.ledger.IsNearCapacity(acct, e.capacityThreshold), nil
}

// VerifyAccount checks the ledger invariants of a stored account.
func (e *Engine) VerifyAccount(ctx context.Context, accountID string) error {
	acct, err := e.repos.Accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}
	return e.ledger.Verify(acct)
}
