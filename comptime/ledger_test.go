package comptime_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/overtime-engine/comptime"
	"github.com/warp/overtime-engine/generic"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var jan1 = generic.Date(2025, time.January, 1)

func newLedger() *comptime.Ledger {
	return comptime.NewLedger(generic.NewSequenceIDs())
}

func openAccount(t *testing.T, l *comptime.Ledger, maxBank *float64, expiryDays *int) *comptime.Account {
	cfg := comptime.Config{AccrualRatio: decimal.NewFromFloat(1.5), ExpiryDays: expiryDays, AllowsCarryover: true}
	if maxBank != nil {
		limit := generic.Hours(*maxBank)
		cfg.MaxBankHours = &limit
	}
	acct, err := l.Open("emp-1", "ct-standard", cfg, jan1)
	require.NoError(t, err)
	return acct
}

func accrue(t *testing.T, l *comptime.Ledger, acct *comptime.Account, source string, hours float64, at time.Time) *comptime.AccrualEntry {
	e, err := l.Accrue(acct, comptime.AccrueInput{SourceID: source, OvertimeHours: generic.Hours(hours), At: at})
	require.NoError(t, err)
	return e
}

func ratio(f float64) *decimal.Decimal {
	d := decimal.NewFromFloat(f)
	return &d
}

func ptr[T any](v T) *T { return &v }

func assertHours(t *testing.T, want float64, got generic.Amount, msg string) {
	t.Helper()
	assert.True(t, generic.Hours(want).Equal(got), "%s: want %vh, got %s", msg, want, got)
}

// =============================================================================
// ACCRUE
// =============================================================================

func TestLedger_Accrue_AppliesDefaultRatio(t *testing.T) {
	// GIVEN: An account with ratio 1.5
	// WHEN: 10 overtime hours are banked
	// THEN: 15 comp hours are credited as one ACTIVE entry

	l := newLedger()
	acct := openAccount(t, l, nil, nil)

	e := accrue(t, l, acct, "OT1", 10, jan1)

	assertHours(t, 15, e.CompHoursEarned, "entry remaining")
	assertHours(t, 15, e.OriginalHours, "entry original")
	assert.Equal(t, comptime.AccrualActive, e.Status)
	assert.Nil(t, e.ExpiryDate, "no TTL configured")
	assertHours(t, 15, acct.BalanceHours, "balance")
	assertHours(t, 15, acct.TotalAccruedHours, "total accrued")
	require.NoError(t, l.Verify(acct))
}

func TestLedger_Accrue_RatioOverride(t *testing.T) {
	// GIVEN: An account with ratio 1.5
	// WHEN: Holiday overtime is banked at ratio 2
	// THEN: The override wins for that entry only

	l := newLedger()
	acct := openAccount(t, l, nil, nil)

	e, err := l.Accrue(acct, comptime.AccrueInput{SourceID: "OT-xmas", OvertimeHours: generic.Hours(4), Ratio: ratio(2), At: jan1})
	require.NoError(t, err)

	assertHours(t, 8, e.CompHoursEarned, "holiday entry")
	assert.True(t, decimal.NewFromInt(2).Equal(e.Ratio))
	assert.True(t, decimal.NewFromFloat(1.5).Equal(acct.AccrualRatio), "account default untouched")
}

func TestLedger_Accrue_CapExceeded_RejectedInFull(t *testing.T) {
	// GIVEN: maxBankHours = 20 and balance 18
	// WHEN: accrue 2h at ratio 2 (would add 4h)
	// THEN: CapExceeded, balance stays 18, no entry appended

	l := newLedger()
	acct := openAccount(t, l, ptr(20.0), nil)
	accrue(t, l, acct, "OT1", 12, jan1) // 18h
	before := acct.Clone()

	_, err := l.Accrue(acct, comptime.AccrueInput{SourceID: "OT2", OvertimeHours: generic.Hours(2), Ratio: ratio(2), At: jan1})

	require.ErrorIs(t, err, generic.ErrCapExceeded)
	var capErr *generic.CapExceededError
	require.ErrorAs(t, err, &capErr)
	assertHours(t, 4, capErr.Earned, "earned in error")
	assertHours(t, 18, acct.BalanceHours, "balance after rejection")
	assert.Equal(t, before, acct, "account untouched")
}

func TestLedger_Accrue_ExactlyAtCap_Allowed(t *testing.T) {
	l := newLedger()
	acct := openAccount(t, l, ptr(20.0), nil)
	accrue(t, l, acct, "OT1", 12, jan1)

	_, err := l.Accrue(acct, comptime.AccrueInput{SourceID: "OT2", OvertimeHours: generic.Hours(1), Ratio: ratio(2), At: jan1})

	require.NoError(t, err)
	assertHours(t, 20, acct.BalanceHours, "balance at cap")
}

func TestLedger_Accrue_DuplicateSource_Rejected(t *testing.T) {
	// GIVEN: OT1 already banked
	// WHEN: OT1 is banked again
	// THEN: ErrDuplicate, balance unchanged

	l := newLedger()
	acct := openAccount(t, l, nil, nil)
	accrue(t, l, acct, "OT1", 10, jan1)

	_, err := l.Accrue(acct, comptime.AccrueInput{SourceID: "OT1", OvertimeHours: generic.Hours(10), At: jan1})

	assert.ErrorIs(t, err, generic.ErrDuplicate)
	assertHours(t, 15, acct.BalanceHours, "balance")
	assert.Len(t, acct.Accruals, 1)
}

func TestLedger_Accrue_InvalidInput(t *testing.T) {
	l := newLedger()
	acct := openAccount(t, l, nil, nil)

	_, err := l.Accrue(acct, comptime.AccrueInput{SourceID: "OT1", OvertimeHours: generic.Hours(0), At: jan1})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	_, err = l.Accrue(acct, comptime.AccrueInput{SourceID: "OT1", OvertimeHours: generic.Hours(-2), At: jan1})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	_, err = l.Accrue(acct, comptime.AccrueInput{SourceID: "OT1", OvertimeHours: generic.Hours(2), Ratio: ratio(0), At: jan1})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	assert.Empty(t, acct.Accruals)
}

func TestLedger_Accrue_SetsExpiryDate(t *testing.T) {
	l := newLedger()
	acct := openAccount(t, l, nil, ptr(30))

	e := accrue(t, l, acct, "OT1", 2, jan1)

	require.NotNil(t, e.ExpiryDate)
	assert.Equal(t, generic.Date(2025, time.January, 31), *e.ExpiryDate)
}

// =============================================================================
// REDEEM - FIFO law and atomicity
// =============================================================================

func TestLedger_Redeem_FIFO(t *testing.T) {
	// GIVEN: Entries accrued in order A(10h), B(5h)
	// WHEN: 12h are redeemed
	// THEN: A is fully consumed, B has 3h left

	l := newLedger()
	acct := openAccount(t, l, nil, nil)
	a, err := l.Accrue(acct, comptime.AccrueInput{SourceID: "A", OvertimeHours: generic.Hours(10), Ratio: ratio(1), At: jan1})
	require.NoError(t, err)
	b, err := l.Accrue(acct, comptime.AccrueInput{SourceID: "B", OvertimeHours: generic.Hours(5), Ratio: ratio(1), At: jan1.Add(time.Hour)})
	require.NoError(t, err)
	aID, bID := a.ID, b.ID

	r, err := l.Redeem(acct, generic.Hours(12), "mgr-1", "leave-1", jan1.Add(48*time.Hour))
	require.NoError(t, err)

	entryA, _ := acct.Accrual(aID)
	entryB, _ := acct.Accrual(bID)
	assertHours(t, 0, entryA.CompHoursEarned, "A remaining")
	assert.Equal(t, comptime.AccrualRedeemed, entryA.Status)
	assertHours(t, 3, entryB.CompHoursEarned, "B remaining")
	assert.Equal(t, comptime.AccrualActive, entryB.Status)

	assert.Equal(t, []string{aID, bID}, r.ConsumedAccrualIDs)
	require.Len(t, r.Consumed, 2)
	assertHours(t, 10, r.Consumed[0].Hours, "taken from A")
	assertHours(t, 2, r.Consumed[1].Hours, "taken from B")
	assertHours(t, 3, acct.BalanceHours, "balance")
	assertHours(t, 12, acct.TotalRedeemedHours, "total redeemed")
	require.NoError(t, l.Verify(acct))
}

func TestLedger_Redeem_Insufficient_NoMutation(t *testing.T) {
	// GIVEN: A 15h balance
	// WHEN: 16h are redeemed
	// THEN: InsufficientBalance with a 1h shortfall, nothing changes

	l := newLedger()
	acct := openAccount(t, l, nil, nil)
	accrue(t, l, acct, "OT1", 10, jan1)
	before := acct.Clone()

	_, err := l.Redeem(acct, generic.Hours(16), "mgr-1", "", jan1)

	require.ErrorIs(t, err, generic.ErrInsufficientBalance)
	var insuf *generic.InsufficientBalanceError
	require.ErrorAs(t, err, &insuf)
	assertHours(t, 1, insuf.Shortfall, "shortfall")
	assert.Equal(t, before, acct)
}

func TestLedger_Redeem_SkipsExpiredEntries(t *testing.T) {
	l := newLedger()
	acct := openAccount(t, l, nil, ptr(10))
	old := accrue(t, l, acct, "OLD", 2, jan1).ID
	fresh := accrue(t, l, acct, "NEW", 2, jan1.AddDate(0, 0, 20)).ID
	l.ExpireStaleHours(acct, jan1.AddDate(0, 0, 21))

	r, err := l.Redeem(acct, generic.Hours(1), "mgr-1", "", jan1.AddDate(0, 0, 21))

	require.NoError(t, err)
	assert.Equal(t, []string{fresh}, r.ConsumedAccrualIDs)
	e, _ := acct.Accrual(old)
	assert.Equal(t, comptime.AccrualExpired, e.Status)
}

func TestLedger_Redeem_InactiveAccount(t *testing.T) {
	l := newLedger()
	acct := openAccount(t, l, nil, nil)
	accrue(t, l, acct, "OT1", 10, jan1)
	require.NoError(t, l.Deactivate(acct, jan1))

	_, err := l.Redeem(acct, generic.Hours(1), "mgr-1", "", jan1)
	assert.ErrorIs(t, err, generic.ErrInvalidState)

	_, err = l.Accrue(acct, comptime.AccrueInput{SourceID: "OT2", OvertimeHours: generic.Hours(1), At: jan1})
	assert.ErrorIs(t, err, generic.ErrInvalidState)

	err = l.Deactivate(acct, jan1)
	assert.ErrorIs(t, err, generic.ErrInvalidState)
}

// =============================================================================
// EXPIRY
// =============================================================================

func TestLedger_ExpireStaleHours_Idempotent(t *testing.T) {
	// GIVEN: One entry that expired yesterday, one still valid
	// WHEN: The sweep runs twice with the same now
	// THEN: Only the first run expires hours

	l := newLedger()
	acct := openAccount(t, l, nil, ptr(30))
	accrue(t, l, acct, "OT1", 10, jan1)                   // expires Jan 31
	accrue(t, l, acct, "OT2", 2, jan1.AddDate(0, 0, 10)) // expires Feb 10
	now := generic.Date(2025, time.February, 1)

	first := l.ExpireStaleHours(acct, now)
	second := l.ExpireStaleHours(acct, now)

	assertHours(t, 15, first, "first sweep")
	assertHours(t, 0, second, "second sweep")
	assertHours(t, 3, acct.BalanceHours, "balance")
	assertHours(t, 15, acct.TotalExpiredHours, "total expired")
	assert.Len(t, acct.Expirations, 1)
	require.NoError(t, l.Verify(acct))
}

func TestLedger_ExpireStaleHours_ExactExpiryInstantNotExpired(t *testing.T) {
	l := newLedger()
	acct := openAccount(t, l, nil, ptr(30))
	accrue(t, l, acct, "OT1", 10, jan1)

	expired := l.ExpireStaleHours(acct, generic.Date(2025, time.January, 31))

	assertHours(t, 0, expired, "expiryDate < now is strict")
}

func TestLedger_ExpireStaleHours_ExpiresWholeRemainder(t *testing.T) {
	// GIVEN: A 15h entry of which 5h were redeemed
	// WHEN: It expires
	// THEN: The remaining 10h expire, not the original 15h

	l := newLedger()
	acct := openAccount(t, l, nil, ptr(30))
	id := accrue(t, l, acct, "OT1", 10, jan1).ID
	_, err := l.Redeem(acct, generic.Hours(5), "mgr-1", "", jan1.AddDate(0, 0, 5))
	require.NoError(t, err)

	expired := l.ExpireStaleHours(acct, generic.Date(2025, time.March, 1))

	assertHours(t, 10, expired, "expired remainder")
	e, _ := acct.Accrual(id)
	assertHours(t, 0, e.CompHoursEarned, "entry zeroed")
	assert.Equal(t, comptime.AccrualExpired, e.Status)
	assertHours(t, 0, acct.BalanceHours, "balance")
	require.NoError(t, l.Verify(acct))
}

func TestLedger_HoursExpiringSoon(t *testing.T) {
	l := newLedger()
	acct := openAccount(t, l, nil, ptr(30))
	accrue(t, l, acct, "OT1", 2, jan1)                   // 3h, expires Jan 31
	accrue(t, l, acct, "OT2", 4, jan1.AddDate(0, 0, 20)) // 6h, expires Feb 20
	before := acct.Clone()

	soon := l.HoursExpiringSoon(acct, generic.Date(2025, time.January, 25), 7)

	assertHours(t, 3, soon, "only OT1 in window")
	assertHours(t, 9, l.HoursExpiringSoon(acct, generic.Date(2025, time.January, 25), 30), "both in window")
	assert.Equal(t, before, acct, "read-only")
}

func TestLedger_IsNearCapacity(t *testing.T) {
	l := newLedger()

	uncapped := openAccount(t, l, nil, nil)
	accrue(t, l, uncapped, "OT1", 100, jan1)
	assert.False(t, l.IsNearCapacity(uncapped, comptime.DefaultCapacityThreshold))

	capped := openAccount(t, l, ptr(20.0), nil)
	accrue(t, l, capped, "OT1", 10, jan1) // 15h
	assert.False(t, l.IsNearCapacity(capped, comptime.DefaultCapacityThreshold))
	accrue(t, l, capped, "OT2", 2, jan1) // 18h == 20 * 0.9
	assert.True(t, l.IsNearCapacity(capped, comptime.DefaultCapacityThreshold))
}

// =============================================================================
// PAYOUT & SETTLEMENT
// =============================================================================

func TestLedger_PayOut_FIFO_MarksPaidOut(t *testing.T) {
	l := newLedger()
	acct := openAccount(t, l, nil, nil)
	first := accrue(t, l, acct, "OT1", 2, jan1).ID // 3h
	accrue(t, l, acct, "OT2", 2, jan1)             // 3h

	p, err := l.PayOut(acct, generic.Hours(4), "payroll", "exit", jan1)

	require.NoError(t, err)
	e, _ := acct.Accrual(first)
	assert.Equal(t, comptime.AccrualPaidOut, e.Status)
	assert.Len(t, p.ConsumedAccrualIDs, 2)
	assertHours(t, 2, acct.BalanceHours, "balance")
	assertHours(t, 4, acct.TotalPaidOutHours, "total paid out")
	require.NoError(t, l.Verify(acct))
}

func TestLedger_PayOut_AllowedOnInactiveAccount(t *testing.T) {
	l := newLedger()
	acct := openAccount(t, l, nil, nil)
	accrue(t, l, acct, "OT1", 2, jan1)
	require.NoError(t, l.Deactivate(acct, jan1))

	_, err := l.PayOut(acct, acct.BalanceHours, "payroll", "exit", jan1)

	require.NoError(t, err)
	assertHours(t, 0, acct.BalanceHours, "settled")
}

func TestLedger_SettlePeriodEnd(t *testing.T) {
	l := newLedger()

	keep := openAccount(t, l, nil, nil)
	accrue(t, l, keep, "OT1", 2, jan1)
	p, err := l.SettlePeriodEnd(keep, jan1)
	require.NoError(t, err)
	assert.Nil(t, p, "carryover allowed: nothing to settle")

	cfg := comptime.UseItOrLosePolicy("ct-lose").Config
	lose, err := l.Open("emp-2", "ct-lose", cfg, jan1)
	require.NoError(t, err)
	_, err = l.Accrue(lose, comptime.AccrueInput{SourceID: "OT1", OvertimeHours: generic.Hours(6), At: jan1})
	require.NoError(t, err)

	p, err = l.SettlePeriodEnd(lose, jan1)
	require.NoError(t, err)
	require.NotNil(t, p)
	assertHours(t, 6, p.HoursPaid, "settled hours")
	assertHours(t, 0, lose.BalanceHours, "balance after settlement")
}

// =============================================================================
// OPEN
// =============================================================================

func TestLedger_Open_Validation(t *testing.T) {
	l := newLedger()

	_, err := l.Open("", "p", comptime.Config{}, jan1)
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	_, err = l.Open("emp-1", "p", comptime.Config{AccrualRatio: decimal.NewFromInt(-1)}, jan1)
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	_, err = l.Open("emp-1", "p", comptime.Config{ExpiryDays: ptr(0)}, jan1)
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	acct, err := l.Open("emp-1", "p", comptime.Config{}, jan1)
	require.NoError(t, err)
	assert.True(t, comptime.DefaultAccrualRatio.Equal(acct.AccrualRatio), "ratio defaults to 1.5")
	assert.True(t, acct.Active)
}

// =============================================================================
// SCENARIO
// =============================================================================

func TestLedger_Scenario_AccrueAccrueRedeem(t *testing.T) {
	// GIVEN: ratio 1.5, maxBankHours 100
	// WHEN: accrue OT1 10h, accrue OT2 10h, redeem 20h
	// THEN: balance 10, OT1 REDEEMED, OT2 has 10h left

	l := newLedger()
	acct := openAccount(t, l, ptr(100.0), nil)

	ot1 := accrue(t, l, acct, "OT1", 10, jan1).ID
	assertHours(t, 15, acct.BalanceHours, "after OT1")
	ot2 := accrue(t, l, acct, "OT2", 10, jan1.Add(time.Hour)).ID
	assertHours(t, 30, acct.BalanceHours, "after OT2")

	_, err := l.Redeem(acct, generic.Hours(20), "mgr1", "", jan1.AddDate(0, 0, 1))
	require.NoError(t, err)

	e1, _ := acct.Accrual(ot1)
	e2, _ := acct.Accrual(ot2)
	assertHours(t, 10, acct.BalanceHours, "after redeem")
	assert.Equal(t, comptime.AccrualRedeemed, e1.Status)
	assertHours(t, 10, e2.CompHoursEarned, "OT2 remaining")
	assert.Equal(t, comptime.AccrualActive, e2.Status)
	require.NoError(t, l.Verify(acct))
}

func TestLedger_Verify_DetectsDrift(t *testing.T) {
	l := newLedger()
	acct := openAccount(t, l, nil, nil)
	accrue(t, l, acct, "OT1", 10, jan1)

	acct.BalanceHours = generic.Hours(1)

	assert.Error(t, l.Verify(acct))
}

func TestPublicSectorPolicy_NeverExpires(t *testing.T) {
	l := newLedger()
	acct, err := l.Open("emp-1", "ct-public", comptime.PublicSectorPolicy("ct-public").Config, jan1)
	require.NoError(t, err)
	accrue(t, l, acct, "OT1", 100, jan1)

	later := jan1.AddDate(3, 0, 0)
	assertHours(t, 0, l.ExpireStaleHours(acct, later), "expired")
	assertHours(t, 150, acct.BalanceHours, "balance")

	_, err = l.Accrue(acct, comptime.AccrueInput{SourceID: "OT2", OvertimeHours: generic.Hours(61), At: later})
	assert.ErrorIs(t, err, generic.ErrCapExceeded, "240h cap")
}
