package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/overtime-engine/config"
	"github.com/warp/overtime-engine/engine"
	"github.com/warp/overtime-engine/factory"
	"github.com/warp/overtime-engine/generic"
)

func TestNewSweepScheduler_RejectsBadSpec(t *testing.T) {
	s := newTestServer(t)
	cfg := config.Defaults()
	cfg.EscalationCron = "every now and then"

	_, err := NewSweepScheduler(s.handler.Engine, s.handler.Store, &cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "escalation")
}

func TestSweepScheduler_RunNowRecordsEscalation(t *testing.T) {
	// GIVEN: A request waiting on the manager for 49 hours
	s := newTestServer(t)
	ctx := context.Background()
	_, err := s.handler.Engine.RegisterPolicyJSON(factory.TwoLevelChainJSON("chain-ot", "mgr-1", "dir-1", 4))
	require.NoError(t, err)
	r, err := s.handler.Engine.RequestOvertime(ctx, engine.OvertimeRequest{
		EmployeeID: "emp-1",
		OvertimeID: "ot-1",
		Hours:      generic.Hours(10),
	})
	require.NoError(t, err)

	cfg := config.Defaults()
	sched, err := NewSweepScheduler(s.handler.Engine, s.handler.Store, &cfg)
	require.NoError(t, err)
	s.clock.Advance(49 * time.Hour)

	// WHEN: The escalation sweep runs
	res, err := sched.RunNow(ctx, engine.SweepEscalation)

	// THEN: The request moved to the director and the run is recorded
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Affected)

	got, err := s.handler.Engine.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "dir-1", got.CurrentAssignee)
	assert.True(t, got.IsEscalated)

	runs, err := s.handler.Store.GetSweepRuns(ctx, string(engine.SweepEscalation), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunCompleted, runs[0].Status)
	require.NotNil(t, runs[0].CompletedAt)
}

func TestSweepScheduler_StartStop(t *testing.T) {
	s := newTestServer(t)
	cfg := config.Defaults()
	sched, err := NewSweepScheduler(s.handler.Engine, s.handler.Store, &cfg)
	require.NoError(t, err)

	sched.Start()
	assert.False(t, sched.NextRun().IsZero())
	sched.Stop()
}
