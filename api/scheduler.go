/*
scheduler.go - Cron-driven engine sweeps

PURPOSE:
  Runs the three periodic sweeps on their own cron schedules and records
  every run in the sweep_runs table for audit and the admin UI:
    expiry      engine.ExpireStaleHours  (also near-expiry notices)
    escalation  engine.EscalateOverdue   (overdue flags, escalation, expiry)
    windows     engine.RefreshWindows    (SCHEDULED → ACTIVE → COMPLETED)

DESIGN:
  - robfig/cron in UTC, standard 5-field specs or descriptors ("@every 5m")
  - Runs of one kind never overlap (SkipIfStillRunning)
  - A panic inside a sweep is recovered and logged, the scheduler keeps going
  - Sweeps are idempotent for a given "now", so a missed or doubled tick is
    harmless

USAGE:
  s, err := NewSweepScheduler(eng, store, cfg)
  s.Start()
  defer s.Stop()

SEE ALSO:
  - engine/sweeps.go: The sweeps themselves
  - handlers.go: POST /api/admin/sweeps/{kind} (manual run)
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/warp/overtime-engine/config"
	"github.com/warp/overtime-engine/engine"
	"github.com/warp/overtime-engine/generic"
	"github.com/warp/overtime-engine/logging"
	"github.com/warp/overtime-engine/store/sqlite"
)

// Sweep run statuses recorded in sweep_runs.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// SweepScheduler owns the cron instance.
type SweepScheduler struct {
	Engine *engine.Engine
	Store  *sqlite.Store

	cron *cron.Cron
	ids  generic.IDGenerator
	log  *logrus.Logger
}

type sweepFunc func(context.Context) (engine.SweepResult, error)

// NewSweepScheduler registers one job per sweep kind. Invalid cron specs are
// reported here rather than at Start.
func NewSweepScheduler(eng *engine.Engine, store *sqlite.Store, cfg *config.Config) (*SweepScheduler, error) {
	s := &SweepScheduler{
		Engine: eng,
		Store:  store,
		ids:    generic.UUIDGenerator{},
		log:    logging.Logger,
	}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(
			cron.Recover(cronLogger{s.log}),
			cron.SkipIfStillRunning(cronLogger{s.log}),
		),
	)

	jobs := []struct {
		spec string
		kind engine.SweepKind
	}{
		{cfg.ExpiryCron, engine.SweepExpiry},
		{cfg.EscalationCron, engine.SweepEscalation},
		{cfg.WindowCron, engine.SweepWindows},
	}
	for _, j := range jobs {
		kind := j.kind
		if _, err := s.cron.AddFunc(j.spec, func() { _, _ = s.RunNow(context.Background(), kind) }); err != nil {
			return nil, fmt.Errorf("schedule %s sweep %q: %w", kind, j.spec, err)
		}
	}
	return s, nil
}

func (s *SweepScheduler) Start() {
	s.cron.Start()
	s.log.WithField("jobs", len(s.cron.Entries())).Info("sweep scheduler started")
}

// Stop waits for running sweeps to finish.
func (s *SweepScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("sweep scheduler stopped")
}

// NextRun reports when the next job of any kind fires.
func (s *SweepScheduler) NextRun() time.Time {
	var next time.Time
	for _, e := range s.cron.Entries() {
		if next.IsZero() || (!e.Next.IsZero() && e.Next.Before(next)) {
			next = e.Next
		}
	}
	return next
}

// RunNow runs one sweep synchronously and records it.
func (s *SweepScheduler) RunNow(ctx context.Context, kind engine.SweepKind) (engine.SweepResult, error) {
	return runSweep(ctx, s.Engine, s.Store, s.ids, s.log, kind)
}

// runSweep is shared by the scheduler and the admin endpoint.
func runSweep(ctx context.Context, eng *engine.Engine, store *sqlite.Store, ids generic.IDGenerator, log *logrus.Logger, kind engine.SweepKind) (engine.SweepResult, error) {
	var fn sweepFunc
	switch kind {
	case engine.SweepExpiry:
		fn = eng.ExpireStaleHours
	case engine.SweepEscalation:
		fn = eng.EscalateOverdue
	case engine.SweepWindows:
		fn = eng.RefreshWindows
	default:
		return engine.SweepResult{}, generic.InvalidInput("unknown sweep kind %q", kind)
	}

	run := sqlite.SweepRun{
		ID:        ids.NewID("sweep"),
		Kind:      string(kind),
		Status:    RunRunning,
		StartedAt: eng.Now(),
	}
	if store != nil {
		if err := store.SaveSweepRun(ctx, run); err != nil {
			log.WithError(err).Warn("failed to record sweep start")
		}
	}

	res, err := fn(ctx)
	if err == nil {
		err = res.Err()
	}

	completed := eng.Now()
	run.CompletedAt = &completed
	run.Processed = res.Processed
	run.Affected = res.Affected
	if kind == engine.SweepExpiry {
		run.Hours = res.Hours.Value.String()
	}
	run.Status = RunCompleted
	if err != nil {
		run.Status = RunFailed
		run.Error = err.Error()
	}
	if store != nil {
		if saveErr := store.SaveSweepRun(ctx, run); saveErr != nil {
			log.WithError(saveErr).Warn("failed to record sweep result")
		}
	}

	entry := log.WithFields(logrus.Fields{
		"sweep":     string(kind),
		"processed": res.Processed,
		"affected":  res.Affected,
	})
	switch {
	case err != nil:
		entry.WithError(err).Error("sweep finished with failures")
	case res.Affected > 0:
		entry.Info("sweep finished")
	default:
		entry.Debug("sweep finished")
	}
	return res, err
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	l *logrus.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.WithError(err).WithFields(kvFields(keysAndValues)).Error("cron: " + msg)
}

func kvFields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
