package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/overtime-engine/approval"
	"github.com/warp/overtime-engine/comptime"
	"github.com/warp/overtime-engine/generic"
	"github.com/warp/overtime-engine/oncall"
	"github.com/warp/overtime-engine/store/sqlite"
)

var t0 = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newAccount(t *testing.T) *comptime.Account {
	t.Helper()
	ledger := comptime.NewLedger(generic.NewSequenceIDs())
	policy := comptime.StandardPolicy("ct-standard", 80, 180)
	acct, err := ledger.Open("emp-1", policy.ID, policy.Config, t0)
	require.NoError(t, err)
	return acct
}

func TestAccounts_RoundTripKeepsAccrualOrder(t *testing.T) {
	// GIVEN: An account with three accruals
	// WHEN: Saved and loaded back
	// THEN: Entries come back in insertion order with their balances intact

	ctx := context.Background()
	repo := newStore(t).Accounts()
	ledger := comptime.NewLedger(generic.NewSequenceIDs())
	acct := newAccount(t)
	for i, h := range []float64{4, 2, 6} {
		_, err := ledger.Accrue(acct, comptime.AccrueInput{
			SourceID:      "ot-" + string(rune('a'+i)),
			OvertimeHours: generic.Hours(h),
			At:            t0.AddDate(0, 0, i),
		})
		require.NoError(t, err)
	}

	require.NoError(t, repo.Save(ctx, acct))
	assert.Equal(t, int64(1), acct.Version)

	loaded, err := repo.Get(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Accruals, 3)
	assert.Equal(t, "ot-a", loaded.Accruals[0].SourceOvertimeID)
	assert.Equal(t, "ot-b", loaded.Accruals[1].SourceOvertimeID)
	assert.Equal(t, "ot-c", loaded.Accruals[2].SourceOvertimeID)
	assert.True(t, generic.Hours(18).Equal(loaded.BalanceHours), "got %s", loaded.BalanceHours)
	assert.Equal(t, int64(1), loaded.Version)
	require.NotNil(t, loaded.Accruals[0].ExpiryDate)
	assert.True(t, t0.AddDate(0, 0, 180).Equal(*loaded.Accruals[0].ExpiryDate))
	assert.NoError(t, ledger.Verify(loaded))

	// FIFO still works on the loaded copy
	_, err = ledger.Redeem(loaded, generic.Hours(7), "mgr", "", t0.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.Equal(t, comptime.AccrualRedeemed, loaded.Accruals[0].Status)
	assert.True(t, generic.Hours(2).Equal(loaded.Accruals[1].CompHoursEarned))
}

func TestAccounts_VersionConflict(t *testing.T) {
	// GIVEN: Two copies of the same account loaded at version 1
	// WHEN: Both are saved
	// THEN: The second save fails with ErrConcurrentModification

	ctx := context.Background()
	repo := newStore(t).Accounts()
	acct := newAccount(t)
	require.NoError(t, repo.Save(ctx, acct))

	a, err := repo.Get(ctx, acct.ID)
	require.NoError(t, err)
	b, err := repo.Get(ctx, acct.ID)
	require.NoError(t, err)

	require.NoError(t, repo.Save(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	err = repo.Save(ctx, b)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	assert.True(t, generic.IsRetryable(err))
}

func TestAccounts_DuplicateInsert(t *testing.T) {
	ctx := context.Background()
	repo := newStore(t).Accounts()
	acct := newAccount(t)
	require.NoError(t, repo.Save(ctx, acct))

	dup := acct.Clone()
	dup.Version = 0
	assert.ErrorIs(t, repo.Save(ctx, dup), generic.ErrDuplicate)
}

func TestAccounts_NotFound(t *testing.T) {
	_, err := newStore(t).Accounts().Get(context.Background(), "missing")
	assert.ErrorIs(t, err, generic.ErrNotFound)
	assert.True(t, generic.IsNotFound(err))
}

func TestAccounts_WithRetry(t *testing.T) {
	// GIVEN: A stored account
	// WHEN: Mutated through WithRetry
	// THEN: The mutation is persisted and the version bumped

	ctx := context.Background()
	repo := newStore(t).Accounts()
	ledger := comptime.NewLedger(generic.NewSequenceIDs())
	acct := newAccount(t)
	require.NoError(t, repo.Save(ctx, acct))

	saved, err := generic.WithRetry[*comptime.Account](ctx, repo, acct.ID, 0, func(a *comptime.Account) error {
		_, err := ledger.Accrue(a, comptime.AccrueInput{OvertimeHours: generic.Hours(2), At: t0})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)

	loaded, err := repo.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, generic.Hours(3).Equal(loaded.BalanceHours))
}

func TestWindows_ListByEmployeeAndStatus(t *testing.T) {
	ctx := context.Background()
	repo := newStore(t).Windows()
	tracker := oncall.NewTracker(generic.NewSequenceIDs())

	for _, emp := range []generic.EmployeeID{"emp-1", "emp-2", "emp-1"} {
		w, err := tracker.Schedule(oncall.WindowSpec{
			EmployeeID:  emp,
			WindowStart: t0,
			WindowEnd:   t0.Add(12 * time.Hour),
		}, t0)
		require.NoError(t, err)
		require.NoError(t, repo.Save(ctx, w))
	}

	mine, err := repo.ListByEmployee(ctx, "emp-1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	scheduled, err := repo.ListByStatus(ctx, string(oncall.WindowScheduled))
	require.NoError(t, err)
	assert.Len(t, scheduled, 3)

	active, err := repo.ListByStatus(ctx, string(oncall.WindowActive))
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, generic.EmployeeID("emp-2"), all[1].EmployeeID)
}

func TestWindows_CallOutsSurviveRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newStore(t).Windows()
	tracker := oncall.NewTracker(generic.NewSequenceIDs())
	target := 15

	w, err := tracker.Schedule(oncall.WindowSpec{
		EmployeeID:                "emp-1",
		WindowStart:               t0,
		WindowEnd:                 t0.Add(12 * time.Hour),
		ResponseTimeTargetMinutes: &target,
	}, t0)
	require.NoError(t, err)
	require.NoError(t, tracker.Activate(w, t0))
	c, err := tracker.AddCallOut(w, t0.Add(time.Hour), "disk full")
	require.NoError(t, err)
	_, err = tracker.RespondToCallOut(w, c.ID, t0.Add(time.Hour+25*time.Minute))
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, w))

	loaded, err := repo.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, oncall.WindowActive, loaded.Status)
	require.Len(t, loaded.CallOuts, 1)
	assert.Equal(t, oncall.CallOutResponded, loaded.CallOuts[0].Status)
	assert.True(t, loaded.HasResponseBreach)
	require.Len(t, loaded.Breaches, 1)
	assert.Equal(t, 10, loaded.Breaches[0].BreachMinutes)
}

func TestRequests_LevelsAndCommentsRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newStore(t).Requests()
	wf := approval.NewWorkflow(generic.NewSequenceIDs())

	r, err := wf.NewRequest(approval.RequestSpec{
		Kind:           approval.KindOvertime,
		EmployeeID:     "emp-1",
		HoursRequested: generic.Hours(6),
		Levels: []approval.LevelSpec{
			{Sequence: 2, Assignee: "dir-1"},
			{Sequence: 1, Assignee: "mgr-1"},
		},
		EscalateAfter: 48 * time.Hour,
	}, t0)
	require.NoError(t, err)
	_, err = wf.ApproveLevel(r, "mgr-1", "ok", t0.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, r))

	loaded, err := repo.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Levels, 2)
	assert.Equal(t, "mgr-1", loaded.Levels[0].Assignee)
	assert.Equal(t, approval.LevelApproved, loaded.Levels[0].Status)
	assert.Equal(t, 2, loaded.CurrentLevel)
	assert.Equal(t, "dir-1", loaded.CurrentAssignee)
	assert.Equal(t, len(r.Comments), len(loaded.Comments))
	require.NotNil(t, loaded.EscalateAt)
	assert.True(t, t0.Add(48*time.Hour).Equal(*loaded.EscalateAt))

	open, err := repo.ListByStatus(ctx, string(approval.StatusPending), string(approval.StatusEscalated))
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestPolicies(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.SavePolicy(ctx, sqlite.PolicyRecord{ID: "ct-1", Kind: "comp_time", Name: "Standard", ConfigJSON: `{"id":"ct-1"}`}))
	require.NoError(t, s.SavePolicy(ctx, sqlite.PolicyRecord{ID: "ct-1", Kind: "comp_time", Name: "Standard v2", ConfigJSON: `{"id":"ct-1"}`}))
	require.NoError(t, s.SavePolicy(ctx, sqlite.PolicyRecord{ID: "oc-1", Kind: "on_call", ConfigJSON: `{"id":"oc-1"}`}))

	p, err := s.GetPolicy(ctx, "ct-1")
	require.NoError(t, err)
	assert.Equal(t, "Standard v2", p.Name)
	assert.Equal(t, 2, p.Version)

	compTime, err := s.ListPolicies(ctx, "comp_time")
	require.NoError(t, err)
	assert.Len(t, compTime, 1)

	require.NoError(t, s.DeletePolicy(ctx, "ct-1"))
	_, err = s.GetPolicy(ctx, "ct-1")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestEventOutbox(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	e := generic.Event{
		ID:          "evt-1",
		Type:        generic.EventCallOutBreach,
		AggregateID: "window-1",
		EmployeeID:  "emp-1",
		At:          t0,
		Payload:     map[string]string{"breach_minutes": "5"},
	}
	require.NoError(t, s.Publish(ctx, e))
	require.NoError(t, s.Publish(ctx, e), "republishing is a no-op")
	require.NoError(t, s.Publish(ctx, generic.Event{ID: "evt-2", Type: generic.EventAccrued, AggregateID: "acct-1", At: t0}))

	forWindow, err := s.ListEvents(ctx, "window-1", 0)
	require.NoError(t, err)
	require.Len(t, forWindow, 1)
	assert.Equal(t, generic.EventCallOutBreach, forWindow[0].Type)
	assert.Equal(t, "5", forWindow[0].Payload["breach_minutes"])
	assert.True(t, t0.Equal(forWindow[0].At))

	all, err := s.ListEvents(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.MarkDelivered(ctx, "evt-1", t0))
	assert.ErrorIs(t, s.MarkDelivered(ctx, "nope", t0), generic.ErrNotFound)
}

func TestSweepRuns(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	run := sqlite.SweepRun{ID: "sweep-1", Kind: "expiry", Status: "running", StartedAt: t0}
	require.NoError(t, s.SaveSweepRun(ctx, run))

	done := t0.Add(time.Minute)
	run.Status = "completed"
	run.Processed = 4
	run.Affected = 1
	run.Hours = "6"
	run.CompletedAt = &done
	require.NoError(t, s.SaveSweepRun(ctx, run))
	require.NoError(t, s.SaveSweepRun(ctx, sqlite.SweepRun{ID: "sweep-2", Kind: "escalation", Status: "completed", StartedAt: t0}))

	runs, err := s.GetSweepRuns(ctx, "expiry", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)
	assert.Equal(t, 4, runs[0].Processed)
	require.NotNil(t, runs[0].CompletedAt)
	assert.True(t, done.Equal(*runs[0].CompletedAt))

	all, err := s.GetSweepRuns(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Accounts().Save(ctx, newAccount(t)))

	require.NoError(t, s.Reset(ctx))

	all, err := s.Accounts().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
