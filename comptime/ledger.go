/*
ledger.go - Comp-time bank with FIFO consumption and time-based decay

PURPOSE:
  Maintains one account's time-off-in-lieu balance. Overtime hours come in
  through Accrue, are spent through Redeem (time off) or PayOut (cash), and
  decay through ExpireStaleHours once an entry's expiry date has passed.

CRITICAL INVARIANTS:
  1. CONSISTENT: BalanceHours == sum of ACTIVE entries' remaining hours
  2. NON-NEGATIVE: BalanceHours never drops below zero
  3. CAPPED: an accrual that would pass MaxBankHours is rejected in full
  4. ALL-OR-NOTHING: a failing call leaves the account exactly as it was

FIFO CONSUMPTION:
  Redemptions and payouts consume ACTIVE entries in creation order:

    A(10h) B(5h)  ──redeem 12h──▶  A(0h, REDEEMED) B(3h, ACTIVE)

  Entries are never reordered, so the order in which they were accrued (and
  persisted) decides which hours are spent first.

EXPIRY:
  Expiry takes an entry's ENTIRE remaining balance, even if it was partially
  spent earlier. Re-running with the same "now" expires nothing further,
  which makes at-least-once scheduler delivery safe.

CONCURRENCY:
  Ledger holds no account state and is safe to share. The Account it mutates
  is not: callers must hold exclusive access to the aggregate for the whole
  call (engine does this with a per-account lock plus optimistic versioning).

EXAMPLE:
  ledger := comptime.NewLedger(generic.UUIDGenerator{})
  acct, _ := ledger.Open("emp-1", "ct-standard", comptime.Config{...}, now)
  ledger.Accrue(acct, comptime.AccrueInput{SourceID: "OT1", OvertimeHours: generic.Hours(10), At: now})
  ledger.Redeem(acct, generic.Hours(4), "mgr-1", "leave-17", now)

SEE ALSO:
  - types.go: Account and entry types
  - engine/comptime.go: Load/lock/save around these operations
*/
package comptime

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/overtime-engine/generic"
)

// Ledger applies comp-time operations to accounts.
type Ledger struct {
	IDs generic.IDGenerator
}

// NewLedger creates a ledger that mints entry ids with ids.
func NewLedger(ids generic.IDGenerator) *Ledger {
	if ids == nil {
		ids = generic.UUIDGenerator{}
	}
	return &Ledger{IDs: ids}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Open creates an active account with a zero balance.
func (l *Ledger) Open(employeeID generic.EmployeeID, policyID generic.PolicyID, cfg Config, now time.Time) (*Account, error) {
	if employeeID == "" {
		return nil, generic.InvalidInput("employee id is required")
	}
	ratio := cfg.AccrualRatio
	if ratio.IsZero() {
		ratio = DefaultAccrualRatio
	}
	if !ratio.IsPositive() {
		return nil, generic.InvalidInput("accrual ratio must be positive, got %s", ratio)
	}
	if cfg.MaxBankHours != nil && !cfg.MaxBankHours.IsPositive() {
		return nil, generic.InvalidInput("max bank hours must be positive, got %s", cfg.MaxBankHours.Value)
	}
	if cfg.ExpiryDays != nil && *cfg.ExpiryDays <= 0 {
		return nil, generic.InvalidInput("expiry days must be positive, got %d", *cfg.ExpiryDays)
	}

	acct := &Account{
		ID:                 l.IDs.NewID("acct"),
		EmployeeID:         employeeID,
		PolicyID:           policyID,
		BalanceHours:       generic.ZeroHours(),
		TotalAccruedHours:  generic.ZeroHours(),
		TotalRedeemedHours: generic.ZeroHours(),
		TotalExpiredHours:  generic.ZeroHours(),
		TotalPaidOutHours:  generic.ZeroHours(),
		MaxBankHours:       cfg.MaxBankHours,
		ExpiryDays:         cfg.ExpiryDays,
		AccrualRatio:       ratio,
		AllowsCarryover:    cfg.AllowsCarryover,
		Active:             true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	return acct, nil
}

// Deactivate stops further accrual and redemption. Accounts are never deleted;
// remaining hours still expire and can still be paid out.
func (l *Ledger) Deactivate(acct *Account, at time.Time) error {
	if !acct.Active {
		return generic.InvalidState("deactivate", "inactive", "account already inactive")
	}
	acct.Active = false
	acct.UpdatedAt = at
	return nil
}

// =============================================================================
// ACCRUE
// =============================================================================

// AccrueInput describes one overtime event to bank.
type AccrueInput struct {
	// SourceID identifies the overtime record (or approval) being banked.
	// A source can be banked once; repeats fail with ErrDuplicate.
	SourceID      string
	OvertimeHours generic.Amount

	// Ratio overrides the account's AccrualRatio (e.g. holiday overtime).
	Ratio *decimal.Decimal

	At time.Time
}

// Accrue credits OvertimeHours × ratio as a new ACTIVE entry.
func (l *Ledger) Accrue(acct *Account, in AccrueInput) (*AccrualEntry, error) {
	if !acct.Active {
		return nil, generic.InvalidState("accrue", "inactive", "account "+acct.ID)
	}
	if !in.OvertimeHours.IsPositive() {
		return nil, generic.InvalidInput("overtime hours must be positive, got %s", in.OvertimeHours.Value)
	}
	ratio := acct.AccrualRatio
	if in.Ratio != nil {
		ratio = *in.Ratio
	}
	if !ratio.IsPositive() {
		return nil, generic.InvalidInput("accrual ratio must be positive, got %s", ratio)
	}
	if in.SourceID != "" {
		for _, e := range acct.Accruals {
			if e.SourceOvertimeID == in.SourceID {
				return nil, fmt.Errorf("overtime %s already banked as %s: %w", in.SourceID, e.ID, generic.ErrDuplicate)
			}
		}
	}

	earned := in.OvertimeHours.Mul(ratio)
	if acct.MaxBankHours != nil && acct.BalanceHours.Add(earned).GreaterThan(*acct.MaxBankHours) {
		return nil, &generic.CapExceededError{
			AccountID: acct.ID,
			Balance:   acct.BalanceHours,
			Earned:    earned,
			Cap:       *acct.MaxBankHours,
		}
	}

	entry := AccrualEntry{
		ID:               l.IDs.NewID("accrual"),
		SourceOvertimeID: in.SourceID,
		Date:             in.At,
		OvertimeHours:    in.OvertimeHours,
		Ratio:            ratio,
		CompHoursEarned:  earned,
		OriginalHours:    earned,
		Status:           AccrualActive,
	}
	if acct.ExpiryDays != nil {
		expiry := in.At.AddDate(0, 0, *acct.ExpiryDays)
		entry.ExpiryDate = &expiry
	}

	acct.Accruals = append(acct.Accruals, entry)
	acct.BalanceHours = acct.BalanceHours.Add(earned)
	acct.TotalAccruedHours = acct.TotalAccruedHours.Add(earned)
	acct.UpdatedAt = in.At

	return &acct.Accruals[len(acct.Accruals)-1], nil
}

// =============================================================================
// REDEEM / PAY OUT - FIFO consumption
// =============================================================================

// Redeem spends hours as time off, oldest entries first.
func (l *Ledger) Redeem(acct *Account, hours generic.Amount, approver, sourceRef string, at time.Time) (*RedemptionEntry, error) {
	if !acct.Active {
		return nil, generic.InvalidState("redeem", "inactive", "account "+acct.ID)
	}
	if err := checkAvailable(acct, hours); err != nil {
		return nil, err
	}

	consumed := consumeFIFO(acct, hours, AccrualRedeemed)
	entry := RedemptionEntry{
		ID:                 l.IDs.NewID("redemption"),
		Date:               at,
		HoursUsed:          hours,
		Approver:           approver,
		SourceRef:          sourceRef,
		ConsumedAccrualIDs: accrualIDs(consumed),
		Consumed:           consumed,
	}
	acct.Redemptions = append(acct.Redemptions, entry)
	acct.BalanceHours = acct.BalanceHours.Sub(hours)
	acct.TotalRedeemedHours = acct.TotalRedeemedHours.Add(hours)
	acct.UpdatedAt = at

	return &acct.Redemptions[len(acct.Redemptions)-1], nil
}

// PayOut converts banked hours to cash, oldest entries first. Allowed on
// inactive accounts so leavers can be settled.
func (l *Ledger) PayOut(acct *Account, hours generic.Amount, approver, reason string, at time.Time) (*PayoutEntry, error) {
	if err := checkAvailable(acct, hours); err != nil {
		return nil, err
	}

	consumed := consumeFIFO(acct, hours, AccrualPaidOut)
	entry := PayoutEntry{
		ID:                 l.IDs.NewID("payout"),
		Date:               at,
		HoursPaid:          hours,
		Approver:           approver,
		Reason:             reason,
		ConsumedAccrualIDs: accrualIDs(consumed),
		Consumed:           consumed,
	}
	acct.Payouts = append(acct.Payouts, entry)
	acct.BalanceHours = acct.BalanceHours.Sub(hours)
	acct.TotalPaidOutHours = acct.TotalPaidOutHours.Add(hours)
	acct.UpdatedAt = at

	return &acct.Payouts[len(acct.Payouts)-1], nil
}

// SettlePeriodEnd pays out the whole balance when the policy forbids carrying
// hours into the next period. Returns nil when there is nothing to settle.
func (l *Ledger) SettlePeriodEnd(acct *Account, at time.Time) (*PayoutEntry, error) {
	if acct.AllowsCarryover || !acct.BalanceHours.IsPositive() {
		return nil, nil
	}
	return l.PayOut(acct, acct.BalanceHours, "system", "period-end settlement", at)
}

func checkAvailable(acct *Account, hours generic.Amount) error {
	if !hours.IsPositive() {
		return generic.InvalidInput("hours must be positive, got %s", hours.Value)
	}
	if hours.GreaterThan(acct.BalanceHours) {
		return &generic.InsufficientBalanceError{
			AccountID: acct.ID,
			Available: acct.BalanceHours,
			Requested: hours,
			Shortfall: hours.Sub(acct.BalanceHours),
		}
	}
	return nil
}

// consumeFIFO must only run after checkAvailable succeeded: it assumes the
// ACTIVE entries hold at least the requested hours.
func consumeFIFO(acct *Account, hours generic.Amount, exhausted AccrualStatus) []Consumption {
	var consumed []Consumption
	remaining := hours
	for i := range acct.Accruals {
		if !remaining.IsPositive() {
			break
		}
		e := &acct.Accruals[i]
		if e.Status != AccrualActive {
			continue
		}
		take := remaining.Min(e.CompHoursEarned)
		e.CompHoursEarned = e.CompHoursEarned.Sub(take)
		remaining = remaining.Sub(take)
		if e.CompHoursEarned.IsZero() {
			e.Status = exhausted
		}
		consumed = append(consumed, Consumption{AccrualID: e.ID, Hours: take})
	}
	return consumed
}

func accrualIDs(cs []Consumption) []string {
	ids := make([]string, len(cs))
	for i, c := range cs {
		ids[i] = c.AccrualID
	}
	return ids
}

// =============================================================================
// EXPIRY
// =============================================================================

// ExpireStaleHours expires every ACTIVE entry whose expiry date is before now
// and returns the hours removed by this call.
func (l *Ledger) ExpireStaleHours(acct *Account, now time.Time) generic.Amount {
	expired := generic.ZeroHours()
	for i := range acct.Accruals {
		e := &acct.Accruals[i]
		if e.Status != AccrualActive || e.ExpiryDate == nil || !e.ExpiryDate.Before(now) {
			continue
		}
		hours := e.CompHoursEarned
		e.CompHoursEarned = generic.ZeroHours()
		e.Status = AccrualExpired

		acct.Expirations = append(acct.Expirations, ExpirationEntry{
			ID:           l.IDs.NewID("expiration"),
			AccrualID:    e.ID,
			Date:         now,
			HoursExpired: hours,
		})
		acct.TotalExpiredHours = acct.TotalExpiredHours.Add(hours)
		acct.BalanceHours = acct.BalanceHours.Sub(hours)
		expired = expired.Add(hours)
	}
	if expired.IsPositive() {
		acct.UpdatedAt = now
	}
	return expired
}

// =============================================================================
// QUERIES (read-only)
// =============================================================================

// HoursExpiringSoon sums ACTIVE hours whose expiry date is in [now, now+days].
func (l *Ledger) HoursExpiringSoon(acct *Account, now time.Time, days int) generic.Amount {
	horizon := now.AddDate(0, 0, days)
	total := generic.ZeroHours()
	for _, e := range acct.Accruals {
		if e.Status == AccrualActive && e.ExpiryDate != nil && generic.Within(*e.ExpiryDate, now, horizon) {
			total = total.Add(e.CompHoursEarned)
		}
	}
	return total
}

// IsNearCapacity reports BalanceHours >= MaxBankHours × threshold.
// Always false for uncapped accounts.
func (l *Ledger) IsNearCapacity(acct *Account, threshold decimal.Decimal) bool {
	if acct.MaxBankHours == nil {
		return false
	}
	return acct.BalanceHours.GreaterThanOrEqual(acct.MaxBankHours.Mul(threshold))
}

// Verify checks the account's invariants. Used by tests and after loads.
func (l *Ledger) Verify(acct *Account) error {
	active := acct.ActiveHours()
	if !active.Equal(acct.BalanceHours) {
		return fmt.Errorf("account %s: balance %s != active entries %s", acct.ID, acct.BalanceHours.Value, active.Value)
	}
	if acct.BalanceHours.IsNegative() {
		return fmt.Errorf("account %s: negative balance %s", acct.ID, acct.BalanceHours.Value)
	}
	if acct.MaxBankHours != nil && acct.BalanceHours.GreaterThan(*acct.MaxBankHours) {
		return fmt.Errorf("account %s: balance %s above cap %s", acct.ID, acct.BalanceHours.Value, acct.MaxBankHours.Value)
	}
	out := generic.SumHours(acct.BalanceHours, acct.TotalRedeemedHours, acct.TotalExpiredHours, acct.TotalPaidOutHours)
	if !out.Equal(acct.TotalAccruedHours) {
		return fmt.Errorf("account %s: accrued %s != balance+redeemed+expired+paid %s", acct.ID, acct.TotalAccruedHours.Value, out.Value)
	}
	return nil
}
