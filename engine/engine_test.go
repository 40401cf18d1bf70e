package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/overtime-engine/approval"
	"github.com/warp/overtime-engine/comptime"
	"github.com/warp/overtime-engine/engine"
	"github.com/warp/overtime-engine/factory"
	"github.com/warp/overtime-engine/generic"
	"github.com/warp/overtime-engine/generic/store"
	"github.com/warp/overtime-engine/oncall"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// Monday
var t0 = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

const autoChainJSON = `{
  "id": "chain-auto",
  "kind": "approval_chain",
  "levels": [{"sequence": 1, "assignee": "manager", "auto_approve_below_hours": 8}]
}`

type fixture struct {
	eng   *engine.Engine
	clock *generic.FixedClock
	sink  *generic.RecordingSink
	ctx   context.Context
}

func newFixture(t *testing.T, opts ...engine.Option) *fixture {
	t.Helper()
	return newFixtureWithRepos(t, memoryRepos(), opts...)
}

func memoryRepos() engine.Repositories {
	return engine.Repositories{
		Accounts: store.NewMemory[*comptime.Account]("comp-time account"),
		Windows:  store.NewMemory[*oncall.Window]("on-call window"),
		Requests: store.NewMemory[*approval.Request]("approval request"),
	}
}

func newFixtureWithRepos(t *testing.T, repos engine.Repositories, opts ...engine.Option) *fixture {
	t.Helper()
	f := &fixture{
		clock: generic.NewFixedClock(t0),
		sink:  &generic.RecordingSink{},
		ctx:   context.Background(),
	}
	rates := generic.NewStaticRateResolver(map[generic.EmployeeID]decimal.Decimal{
		"emp-1": decimal.NewFromInt(40),
	})
	base := []engine.Option{
		engine.WithClock(f.clock),
		engine.WithIDs(generic.NewSequenceIDs()),
		engine.WithSink(f.sink),
		engine.WithRates(rates),
	}
	f.eng = engine.New(repos, append(base, opts...)...)

	for _, doc := range []string{
		factory.TwoLevelChainJSON("chain-ot", "manager", "director", 4),
		factory.StandardCompTimeJSON("ct-standard", "Standard", 80, 180),
		factory.OnCallJSON("oc-sre", "SRE", 4.5, 2, 15, "ct-standard"),
		autoChainJSON,
	} {
		_, err := f.eng.RegisterPolicyJSON(doc)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) openAccount(t *testing.T) *comptime.Account {
	t.Helper()
	acct, err := f.eng.OpenAccount(f.ctx, "emp-1", "ct-standard")
	require.NoError(t, err)
	return acct
}

func (f *fixture) bank(t *testing.T, accountID, source string, overtime float64) {
	t.Helper()
	_, _, err := f.eng.Accrue(f.ctx, accountID, engine.AccrualRequest{
		SourceID:      source,
		OvertimeHours: generic.Hours(overtime),
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, accountID string) generic.Amount {
	t.Helper()
	acct, err := f.eng.GetAccount(f.ctx, accountID)
	require.NoError(t, err)
	require.NoError(t, f.eng.VerifyAccount(f.ctx, accountID))
	return acct.BalanceHours
}

func assertHours(t *testing.T, want float64, got generic.Amount, msg string) {
	t.Helper()
	assert.True(t, generic.Hours(want).Equal(got), "%s: want %vh, got %s", msg, want, got)
}

// =============================================================================
// CALL-OUT TO COMP TIME
// =============================================================================

func TestEngine_CallOut_ApprovedHoursAreBanked(t *testing.T) {
	// GIVEN: An SRE window with a 2h minimum and a 15 minute response target
	// WHEN: A call-out is answered after 20 minutes, worked for 1.5h and
	//       approved by the director
	// THEN: A breach is reported, 2h at 1.5x is priced, and 3h are banked

	f := newFixture(t)
	acct := f.openAccount(t)

	w, err := f.eng.ScheduleFromPolicy(f.ctx, "oc-sre", "emp-1", t0, t0.Add(12*time.Hour))
	require.NoError(t, err)
	res, err := f.eng.RefreshWindows(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Affected)
	onCall, err := f.eng.IsCurrentlyOnCall(f.ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, onCall)

	f.clock.Advance(time.Hour)
	_, c, err := f.eng.AddCallOut(f.ctx, w.ID, "disk full")
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	_, c, err = f.eng.RespondToCallOut(f.ctx, w.ID, c.ID)
	require.NoError(t, err)
	assert.True(t, c.BreachFlag)
	assert.Equal(t, 5, c.BreachMinutes)

	breaches := f.sink.OfType(generic.EventCallOutBreach)
	require.Len(t, breaches, 1)
	assert.Equal(t, "5", breaches[0].Payload["breach_minutes"])
	assert.Equal(t, "15", breaches[0].Payload["target_minutes"])

	f.clock.Advance(2 * time.Hour)
	out, err := f.eng.CompleteCallOut(f.ctx, w.ID, c.ID, engine.CallOutCompletion{
		WorkHours: generic.Hours(1.5),
		AccountID: acct.ID,
	})
	require.NoError(t, err)
	assert.True(t, out.CallOut.MinimumHoursApplied)
	assertHours(t, 1.5, out.Window.TotalCallOutHours, "reported hours")
	require.NotNil(t, out.CallOut.Amount)
	assert.True(t, decimal.NewFromInt(120).Equal(out.CallOut.Amount.Value), "2h × 1.5 × 40, got %s", out.CallOut.Amount.Value)

	// manager level is under its 4h threshold
	require.NotNil(t, out.Request)
	assert.Equal(t, approval.StatusPending, out.Request.Status)
	assert.Equal(t, "director", out.Request.CurrentAssignee)
	assertHours(t, 2, out.Request.HoursRequested, "requested")
	assertHours(t, 0, f.balance(t, acct.ID), "nothing banked before approval")

	r, final, err := f.eng.Approve(f.ctx, out.Request.ID, "director", "ok")
	require.NoError(t, err)
	assert.True(t, final)
	assert.Equal(t, "true", r.Metadata[engine.MetaSettled])
	assertHours(t, 3, f.balance(t, acct.ID), "balance after settlement")

	stored, err := f.eng.GetAccount(f.ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, stored.Accruals, 1)
	assert.Equal(t, c.ID, stored.Accruals[0].SourceOvertimeID)
}

func TestEngine_CompleteCallOut_WithoutChainSkipsApproval(t *testing.T) {
	// GIVEN: An engine with no approval chain registered
	// WHEN: A call-out is completed
	// THEN: It is recorded and no request is opened

	f := newFixture(t)
	f.eng.ResetPolicies()

	w, err := f.eng.ScheduleWindow(f.ctx, oncall.WindowSpec{
		EmployeeID:  "emp-1",
		WindowStart: t0,
		WindowEnd:   t0.Add(8 * time.Hour),
	})
	require.NoError(t, err)
	_, err = f.eng.ActivateWindow(f.ctx, w.ID)
	require.NoError(t, err)
	_, c, err := f.eng.AddCallOut(f.ctx, w.ID, "")
	require.NoError(t, err)
	_, _, err = f.eng.RespondToCallOut(f.ctx, w.ID, c.ID)
	require.NoError(t, err)

	out, err := f.eng.CompleteCallOut(f.ctx, w.ID, c.ID, engine.CallOutCompletion{WorkHours: generic.Hours(1)})
	require.NoError(t, err)
	assert.Nil(t, out.Request)
	assert.Len(t, f.sink.OfType(generic.EventCallOutCompleted), 1)
	assert.Empty(t, f.sink.OfType(generic.EventApprovalCreated))
}

// =============================================================================
// REQUEST SETTLEMENT
// =============================================================================

func TestEngine_AutoApprovedOvertime_SettlesImmediately(t *testing.T) {
	// GIVEN: A single-level chain that auto-approves below 8h
	// WHEN: 4h of overtime is requested against an account
	// THEN: The request is AUTO_APPROVED and 6h are banked at once

	f := newFixture(t)
	acct := f.openAccount(t)

	r, err := f.eng.RequestOvertime(f.ctx, engine.OvertimeRequest{
		EmployeeID: "emp-1",
		OvertimeID: "OT-1",
		Hours:      generic.Hours(4),
		AccountID:  acct.ID,
		ChainID:    "chain-auto",
	})
	require.NoError(t, err)
	assert.Equal(t, approval.StatusAutoApproved, r.Status)
	assert.Equal(t, "true", r.Metadata[engine.MetaSettled])
	assertHours(t, 6, f.balance(t, acct.ID), "balance")

	assert.Len(t, f.sink.OfType(generic.EventApprovalCreated), 1)
	assert.Len(t, f.sink.OfType(generic.EventApprovalApproved), 1)
	assert.Len(t, f.sink.OfType(generic.EventAccrued), 1)
}

func TestEngine_RequestOvertime_RejectsForeignAccount(t *testing.T) {
	// GIVEN: An account owned by emp-1
	// WHEN: emp-2 asks to bank overtime into it
	// THEN: InvalidInput

	f := newFixture(t)
	acct := f.openAccount(t)

	_, err := f.eng.RequestOvertime(f.ctx, engine.OvertimeRequest{
		EmployeeID: "emp-2",
		OvertimeID: "OT-1",
		Hours:      generic.Hours(4),
		AccountID:  acct.ID,
	})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}

func TestEngine_Redemption_TwoLevels(t *testing.T) {
	// GIVEN: 15h banked and a manager→director chain
	// WHEN: 6h redemption is approved by both levels
	// THEN: The balance drops to 9h once, even when Settle is repeated

	f := newFixture(t)
	acct := f.openAccount(t)
	f.bank(t, acct.ID, "OT-1", 10)

	r, err := f.eng.RequestRedemption(f.ctx, acct.ID, generic.Hours(6), "")
	require.NoError(t, err)
	assert.Equal(t, "manager", r.CurrentAssignee)

	_, final, err := f.eng.Approve(f.ctx, r.ID, "manager", "")
	require.NoError(t, err)
	assert.False(t, final)
	assertHours(t, 15, f.balance(t, acct.ID), "unchanged after first level")

	r, final, err = f.eng.Approve(f.ctx, r.ID, "director", "enjoy")
	require.NoError(t, err)
	assert.True(t, final)
	assertHours(t, 9, f.balance(t, acct.ID), "after settlement")

	_, err = f.eng.Settle(f.ctx, r.ID)
	require.NoError(t, err)
	assertHours(t, 9, f.balance(t, acct.ID), "settle is idempotent")

	stored, err := f.eng.GetAccount(f.ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, stored.Redemptions, 1)
	assert.Equal(t, r.ID, stored.Redemptions[0].SourceRef)
	assert.Equal(t, "director", stored.Redemptions[0].Approver)
}

func TestEngine_RequestPayout_ChecksBalanceUpFront(t *testing.T) {
	// GIVEN: 15h banked
	// WHEN: A 100h payout is requested
	// THEN: InsufficientBalance, no request stored

	f := newFixture(t)
	acct := f.openAccount(t)
	f.bank(t, acct.ID, "OT-1", 10)

	_, err := f.eng.RequestPayout(f.ctx, acct.ID, generic.Hours(100), "")
	assert.ErrorIs(t, err, generic.ErrInsufficientBalance)

	all, err := f.eng.ListRequests(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestEngine_RequestPayout_EstimatesAmount(t *testing.T) {
	// GIVEN: 15h banked and a base rate of 40
	// WHEN: A 5h payout is requested
	// THEN: The request carries 200 as its estimate

	f := newFixture(t)
	acct := f.openAccount(t)
	f.bank(t, acct.ID, "OT-1", 10)

	r, err := f.eng.RequestPayout(f.ctx, acct.ID, generic.Hours(5), "")
	require.NoError(t, err)
	require.NotNil(t, r.AmountEstimated)
	assert.True(t, decimal.NewFromInt(200).Equal(r.AmountEstimated.Value))
}

func TestEngine_Settle_RecordsFailureAndRetries(t *testing.T) {
	// GIVEN: An account at 75h of an 80h cap
	// WHEN: 6h of overtime (9h earned) is approved
	// THEN: The approval stands, the failure is recorded on the request, and
	//       Settle succeeds once room is made

	f := newFixture(t)
	acct := f.openAccount(t)
	f.bank(t, acct.ID, "OT-1", 50)

	r, err := f.eng.RequestOvertime(f.ctx, engine.OvertimeRequest{
		EmployeeID: "emp-1",
		OvertimeID: "OT-2",
		Hours:      generic.Hours(6),
		AccountID:  acct.ID,
	})
	require.NoError(t, err)
	_, _, err = f.eng.Approve(f.ctx, r.ID, "manager", "")
	require.NoError(t, err)
	r, final, err := f.eng.Approve(f.ctx, r.ID, "director", "")
	require.NoError(t, err)
	assert.True(t, final)
	assert.Equal(t, approval.StatusApproved, r.Status)
	assert.NotEmpty(t, r.Metadata[engine.MetaSettlementError])
	assert.Empty(t, r.Metadata[engine.MetaSettled])
	assertHours(t, 75, f.balance(t, acct.ID), "cap rejection leaves balance")

	_, _, err = f.eng.PayOut(f.ctx, acct.ID, generic.Hours(20), "payroll", "year end")
	require.NoError(t, err)

	r, err = f.eng.Settle(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "true", r.Metadata[engine.MetaSettled])
	assert.Empty(t, r.Metadata[engine.MetaSettlementError])
	assertHours(t, 64, f.balance(t, acct.ID), "75 - 20 + 9")
}

func TestEngine_Settle_RejectsUndecided(t *testing.T) {
	f := newFixture(t)

	r, err := f.eng.RequestOvertime(f.ctx, engine.OvertimeRequest{
		EmployeeID: "emp-1",
		OvertimeID: "OT-1",
		Hours:      generic.Hours(6),
	})
	require.NoError(t, err)

	_, err = f.eng.Settle(f.ctx, r.ID)
	assert.ErrorIs(t, err, engine.ErrNotApproved)
}

func TestEngine_Reject_EndsRequest(t *testing.T) {
	// GIVEN: A pending overtime request
	// WHEN: The manager rejects it
	// THEN: REJECTED, a rejection event, and later approval is InvalidState

	f := newFixture(t)
	r, err := f.eng.RequestOvertime(f.ctx, engine.OvertimeRequest{
		EmployeeID: "emp-1",
		OvertimeID: "OT-1",
		Hours:      generic.Hours(6),
	})
	require.NoError(t, err)

	r, err = f.eng.Reject(f.ctx, r.ID, "manager", "not pre-approved")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusRejected, r.Status)

	events := f.sink.OfType(generic.EventApprovalRejected)
	require.Len(t, events, 1)
	assert.Equal(t, "not pre-approved", events[0].Payload["reason"])

	_, _, err = f.eng.Approve(f.ctx, r.ID, "director", "")
	assert.ErrorIs(t, err, generic.ErrInvalidState)
}

// =============================================================================
// ACCRUAL RATIOS
// =============================================================================

func TestEngine_Accrue_HolidayRatio(t *testing.T) {
	// GIVEN: The standard policy with a 2x holiday ratio
	// WHEN: 10h worked on Independence Day are banked
	// THEN: 20h are credited

	f := newFixture(t)
	acct := f.openAccount(t)

	_, entry, err := f.eng.Accrue(f.ctx, acct.ID, engine.AccrualRequest{
		SourceID:      "OT-JULY4",
		OvertimeHours: generic.Hours(10),
		WorkedOn:      generic.Date(2025, time.July, 4),
	})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(2).Equal(entry.Ratio))
	assertHours(t, 20, f.balance(t, acct.ID), "balance")
}

func TestEngine_Accrue_NearCapacityFiresOnce(t *testing.T) {
	// GIVEN: An 80h cap and a 0.9 threshold
	// WHEN: The balance crosses 72h, then grows again
	// THEN: One near-capacity event

	f := newFixture(t)
	acct := f.openAccount(t)

	f.bank(t, acct.ID, "OT-1", 40) // 60h
	assert.Empty(t, f.sink.OfType(generic.EventNearCapacity))
	f.bank(t, acct.ID, "OT-2", 10) // 75h
	f.bank(t, acct.ID, "OT-3", 2)  // 78h

	assert.Len(t, f.sink.OfType(generic.EventNearCapacity), 1)
	near, err := f.eng.IsNearCapacity(f.ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, near)
}

func TestEngine_Accrue_DuplicateSource(t *testing.T) {
	f := newFixture(t)
	acct := f.openAccount(t)
	f.bank(t, acct.ID, "OT-1", 4)

	_, _, err := f.eng.Accrue(f.ctx, acct.ID, engine.AccrualRequest{SourceID: "OT-1", OvertimeHours: generic.Hours(4)})
	assert.ErrorIs(t, err, generic.ErrDuplicate)
	assertHours(t, 6, f.balance(t, acct.ID), "balance")
}

// =============================================================================
// SWEEPS
// =============================================================================

func TestEngine_ExpirySweep(t *testing.T) {
	// GIVEN: 15h banked under a 180 day expiry
	// WHEN: The sweep runs at day 170 and again at day 181
	// THEN: A near-expiry notice first, then the hours expire

	f := newFixture(t)
	acct := f.openAccount(t)
	f.bank(t, acct.ID, "OT-1", 10)

	f.clock.Advance(170 * 24 * time.Hour)
	res, err := f.eng.ExpireStaleHours(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 0, res.Affected)
	near := f.sink.OfType(generic.EventNearExpiry)
	require.Len(t, near, 1)
	assert.Equal(t, "15", near[0].Payload["hours"])

	f.clock.Advance(11 * 24 * time.Hour)
	res, err = f.eng.ExpireStaleHours(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Affected)
	assertHours(t, 15, res.Hours, "expired by sweep")
	assertHours(t, 0, f.balance(t, acct.ID), "balance")
	assert.Len(t, f.sink.OfType(generic.EventExpired), 1)

	res, err = f.eng.ExpireStaleHours(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Affected, "second run at the same instant is a no-op")
	assert.NoError(t, res.Err())
}

func TestEngine_EscalationSweep(t *testing.T) {
	// GIVEN: A 6h request due after 24h, escalating after 48h, expiring after 168h
	// WHEN: The sweep runs as time passes
	// THEN: Overdue, then escalated to the director, then expired

	f := newFixture(t)
	r, err := f.eng.RequestOvertime(f.ctx, engine.OvertimeRequest{
		EmployeeID: "emp-1",
		OvertimeID: "OT-1",
		Hours:      generic.Hours(6),
	})
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	res, err := f.eng.EscalateOverdue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Affected)
	r, err = f.eng.GetRequest(f.ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, r.IsOverdue)
	assert.Equal(t, 60, r.OverdueByMinutes)
	assert.Len(t, f.sink.OfType(generic.EventApprovalOverdue), 1)

	res, err = f.eng.EscalateOverdue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Affected, "same instant changes nothing")

	f.clock.Advance(24 * time.Hour)
	_, err = f.eng.EscalateOverdue(f.ctx)
	require.NoError(t, err)
	r, err = f.eng.GetRequest(f.ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, r.IsEscalated)
	assert.Equal(t, approval.StatusPending, r.Status)
	assert.Equal(t, "director", r.CurrentAssignee)
	assert.Len(t, f.sink.OfType(generic.EventApprovalEscalate), 1)
	assert.Len(t, f.sink.OfType(generic.EventApprovalOverdue), 1, "overdue reported once")

	f.clock.Advance(121 * time.Hour)
	_, err = f.eng.EscalateOverdue(f.ctx)
	require.NoError(t, err)
	r, err = f.eng.GetRequest(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusExpired, r.Status)
	assert.Len(t, f.sink.OfType(generic.EventApprovalExpired), 1)

	res, err = f.eng.EscalateOverdue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed, "terminal requests are skipped")
}

func TestEngine_ExpireRequest_BeforeDeadline(t *testing.T) {
	f := newFixture(t)
	r, err := f.eng.RequestOvertime(f.ctx, engine.OvertimeRequest{
		EmployeeID: "emp-1",
		OvertimeID: "OT-1",
		Hours:      generic.Hours(6),
	})
	require.NoError(t, err)

	_, err = f.eng.ExpireRequest(f.ctx, r.ID)
	assert.ErrorIs(t, err, generic.ErrInvalidState)
}

func TestEngine_WindowSweep_CompletesPastWindows(t *testing.T) {
	f := newFixture(t)
	w, err := f.eng.ScheduleWindow(f.ctx, oncall.WindowSpec{
		EmployeeID:  "emp-1",
		WindowStart: t0.Add(time.Hour),
		WindowEnd:   t0.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	res, err := f.eng.RefreshWindows(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Affected, "not started yet")

	f.clock.Advance(3 * time.Hour)
	res, err = f.eng.RefreshWindows(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Affected)

	w, err = f.eng.GetWindow(f.ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, oncall.WindowCompleted, w.Status)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestEngine_ConcurrentRedeemAndExpire_KeepInvariants(t *testing.T) {
	// GIVEN: 15h banked, expiring at day 180
	// WHEN: 20 one-hour redemptions race the expiry sweep
	// THEN: The account still verifies and never goes negative

	f := newFixture(t)
	acct := f.openAccount(t)
	f.bank(t, acct.ID, "OT-1", 10)
	f.clock.Advance(181 * 24 * time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = f.eng.Redeem(f.ctx, acct.ID, generic.Hours(1), "manager", "")
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = f.eng.ExpireStaleHours(f.ctx)
	}()
	wg.Wait()

	stored, err := f.eng.GetAccount(f.ctx, acct.ID)
	require.NoError(t, err)
	require.NoError(t, f.eng.VerifyAccount(f.ctx, acct.ID))
	assert.False(t, stored.BalanceHours.IsNegative())
	assertHours(t, 15, stored.TotalRedeemedHours.Add(stored.TotalExpiredHours).Add(stored.BalanceHours), "conservation")
}

// slowAccounts widens the window between reading an account and acting on it,
// the way a database round-trip would.
type slowAccounts struct {
	generic.Repository[*comptime.Account]
}

func (s slowAccounts) Get(ctx context.Context, id string) (*comptime.Account, error) {
	time.Sleep(2 * time.Millisecond)
	return s.Repository.Get(ctx, id)
}

// approveWithFailedSettlement approves a 6h request of kind on an account
// that was drained after the request was made, so settlement fails, then
// banks enough for a retry to succeed.
func approveWithFailedSettlement(t *testing.T, f *fixture, acctID string, kind approval.Kind) *approval.Request {
	t.Helper()
	var r *approval.Request
	var err error
	if kind == approval.KindRedemption {
		r, err = f.eng.RequestRedemption(f.ctx, acctID, generic.Hours(6), "")
	} else {
		r, err = f.eng.RequestPayout(f.ctx, acctID, generic.Hours(6), "")
	}
	require.NoError(t, err)

	_, _, err = f.eng.Redeem(f.ctx, acctID, generic.Hours(12), "manager", "leave")
	require.NoError(t, err)

	_, _, err = f.eng.Approve(f.ctx, r.ID, "manager", "")
	require.NoError(t, err)
	r, final, err := f.eng.Approve(f.ctx, r.ID, "director", "")
	require.NoError(t, err)
	require.True(t, final)
	require.NotEmpty(t, r.Metadata[engine.MetaSettlementError])

	f.bank(t, acctID, "OT-2", 10)
	return r
}

func TestEngine_ConcurrentSettle_AppliesRedemptionOnce(t *testing.T) {
	// GIVEN: An approved 6h redemption whose first settlement failed
	// WHEN: Four retries of Settle race each other
	// THEN: Exactly one 6h redemption lands on the account

	f := newFixtureWithRepos(t, engine.Repositories{
		Accounts: slowAccounts{store.NewMemory[*comptime.Account]("comp-time account")},
		Windows:  store.NewMemory[*oncall.Window]("on-call window"),
		Requests: store.NewMemory[*approval.Request]("approval request"),
	})
	acct := f.openAccount(t)
	f.bank(t, acct.ID, "OT-1", 10)
	r := approveWithFailedSettlement(t, f, acct.ID, approval.KindRedemption)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.eng.Settle(f.ctx, r.ID)
		}()
	}
	wg.Wait()

	stored, err := f.eng.GetAccount(f.ctx, acct.ID)
	require.NoError(t, err)
	require.NoError(t, f.eng.VerifyAccount(f.ctx, acct.ID))
	var forRequest int
	for _, red := range stored.Redemptions {
		if red.SourceRef == r.ID {
			forRequest++
		}
	}
	assert.Equal(t, 1, forRequest)
	assertHours(t, 18, stored.TotalRedeemedHours, "12 manual + 6 approved")
	assertHours(t, 12, stored.BalanceHours, "30 banked - 18 redeemed")

	settled, err := f.eng.GetRequest(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "true", settled.Metadata[engine.MetaSettled])
}

func TestEngine_ConcurrentSettle_AppliesPayoutOnce(t *testing.T) {
	f := newFixtureWithRepos(t, engine.Repositories{
		Accounts: slowAccounts{store.NewMemory[*comptime.Account]("comp-time account")},
		Windows:  store.NewMemory[*oncall.Window]("on-call window"),
		Requests: store.NewMemory[*approval.Request]("approval request"),
	})
	acct := f.openAccount(t)
	f.bank(t, acct.ID, "OT-1", 10)
	r := approveWithFailedSettlement(t, f, acct.ID, approval.KindCompPayout)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.eng.Settle(f.ctx, r.ID)
		}()
	}
	wg.Wait()

	stored, err := f.eng.GetAccount(f.ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, stored.Payouts, 1)
	assertHours(t, 6, stored.TotalPaidOutHours, "one approved payout")
	assertHours(t, 12, stored.BalanceHours, "30 banked - 12 redeemed - 6 paid")
}

func TestEngine_DefaultChain(t *testing.T) {
	f := newFixture(t)
	acct := f.openAccount(t)

	assert.Equal(t, []generic.PolicyID{"chain-auto", "chain-ot"}, f.eng.PolicyIDs(factory.KindApprovalChain))

	// The first chain registered is the default until changed.
	r, err := f.eng.RequestOvertime(f.ctx, engine.OvertimeRequest{EmployeeID: "emp-1", OvertimeID: "ot-a", Hours: generic.Hours(2), AccountID: acct.ID})
	require.NoError(t, err)
	assert.Equal(t, "director", r.CurrentAssignee)

	require.NoError(t, f.eng.SetDefaultChain("chain-auto"))
	r, err = f.eng.RequestOvertime(f.ctx, engine.OvertimeRequest{EmployeeID: "emp-1", OvertimeID: "ot-b", Hours: generic.Hours(2), AccountID: acct.ID})
	require.NoError(t, err)
	assert.Equal(t, approval.StatusAutoApproved, r.Status)

	assert.True(t, generic.IsNotFound(f.eng.SetDefaultChain("nope")))
}
