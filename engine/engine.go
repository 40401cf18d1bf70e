/*
Package engine coordinates the comp-time ledger, the on-call tracker and the
approval workflow.

PURPOSE:
  The three domain services are pure, single-aggregate transformations. The
  engine is the service layer around them:
  1. Serializes mutations per aggregate id (KeyedMutex)
  2. Loads, mutates and saves under optimistic versioning (WithRetry)
  3. Emits events AFTER the save succeeded
  4. Runs the explicit two-step cross-aggregate flows

CALL-OUT FLOW:
  ┌──────────────┐    ┌──────────────┐    ┌──────────────┐    ┌──────────────┐
  │ AddCallOut   │──▶ │ Respond      │──▶ │ Complete     │──▶ │ Approval     │
  │ (window)     │    │ (breach?)    │    │ hours+amount │    │ request      │
  └──────────────┘    └──────────────┘    └──────────────┘    └──────┬───────┘
                                                                     │ final
                                                                     ▼
                                                    ┌────────────────────────────┐
                                                    │ Accrue into comp-time bank │
                                                    │ or forward as payable      │
                                                    └────────────────────────────┘

  Each arrow is a separate save of a separate aggregate. A failure after the
  approval committed is recorded on the request (metadata "settlement_error")
  and can be retried with Settle.

SWEEPS:
  ExpireStaleHours, EscalateOverdue and RefreshWindows are invoked by the
  scheduler in api/. They are idempotent for a given "now".

SEE ALSO:
  - generic/retry.go: WithRetry, KeyedMutex
  - api/scheduler.go: Cron-driven sweeps
*/
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/overtime-engine/approval"
	"github.com/warp/overtime-engine/comptime"
	"github.com/warp/overtime-engine/factory"
	"github.com/warp/overtime-engine/generic"
	"github.com/warp/overtime-engine/logging"
	"github.com/warp/overtime-engine/oncall"
)

// DefaultNearExpiryDays is the horizon for near-expiry notifications.
const DefaultNearExpiryDays = 14

// Metadata keys linking an approval request to what it settles.
const (
	MetaAccountID       = "comp_time_account_id"
	MetaWindowID        = "window_id"
	MetaCallOutID       = "call_out_id"
	MetaOvertimeID      = "overtime_id"
	MetaSettled         = "settled"
	MetaSettlementError = "settlement_error"
)

// Repositories groups the three aggregate stores.
type Repositories struct {
	Accounts generic.Repository[*comptime.Account]
	Windows  generic.Repository[*oncall.Window]
	Requests generic.Repository[*approval.Request]
}

// Engine is safe for concurrent use.
type Engine struct {
	repos Repositories

	ledger   *comptime.Ledger
	tracker  *oncall.Tracker
	workflow *approval.Workflow

	clock    generic.Clock
	ids      generic.IDGenerator
	sink     generic.EventSink
	rates    generic.RateResolver
	holidays generic.HolidayCalendar
	log      *logrus.Logger

	nearExpiryDays    int
	capacityThreshold decimal.Decimal
	maxRetries        int

	locks *generic.KeyedMutex

	policyMu       sync.RWMutex
	compTime       map[generic.PolicyID]*factory.CompTimePolicy
	onCall         map[generic.PolicyID]*factory.OnCallPolicy
	chains         map[generic.PolicyID]*factory.ApprovalChain
	defaultChainID generic.PolicyID
	policies       *factory.PolicyFactory
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c generic.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithIDs(ids generic.IDGenerator) Option { return func(e *Engine) { e.ids = ids } }

func WithSink(s generic.EventSink) Option { return func(e *Engine) { e.sink = s } }

func WithRates(r generic.RateResolver) Option { return func(e *Engine) { e.rates = r } }

func WithHolidays(c generic.HolidayCalendar) Option { return func(e *Engine) { e.holidays = c } }

func WithLogger(l *logrus.Logger) Option { return func(e *Engine) { e.log = l } }

func WithNearExpiryDays(days int) Option { return func(e *Engine) { e.nearExpiryDays = days } }

func WithCapacityThreshold(t decimal.Decimal) Option {
	return func(e *Engine) { e.capacityThreshold = t }
}

func WithMaxRetries(n int) Option { return func(e *Engine) { e.maxRetries = n } }

// New wires an engine over the given repositories. Defaults: system clock,
// UUID ids, no-op sink, no rate resolver, federal holidays.
func New(repos Repositories, opts ...Option) *Engine {
	e := &Engine{
		repos:             repos,
		clock:             generic.SystemClock{},
		ids:               generic.UUIDGenerator{},
		sink:              generic.NopSink{},
		holidays:          generic.NewFederalHolidayCalendar(),
		log:               logging.Logger,
		nearExpiryDays:    DefaultNearExpiryDays,
		capacityThreshold: comptime.DefaultCapacityThreshold,
		maxRetries:        generic.DefaultMaxRetries,
		locks:             generic.NewKeyedMutex(),
		compTime:          make(map[generic.PolicyID]*factory.CompTimePolicy),
		onCall:            make(map[generic.PolicyID]*factory.OnCallPolicy),
		chains:            make(map[generic.PolicyID]*factory.ApprovalChain),
		policies:          factory.NewPolicyFactory(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ledger = comptime.NewLedger(e.ids)
	e.tracker = oncall.NewTracker(e.ids)
	e.workflow = approval.NewWorkflow(e.ids)
	return e
}

// Now reads the engine clock.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// =============================================================================
// LOAD-MUTATE-SAVE
// =============================================================================

// errNothingToSave aborts a mutate whose closure found no work; the caller
// treats it as success.
var errNothingToSave = errors.New("nothing to save")

// mutate serializes on id, then runs fn inside a retry loop.
func mutate[T generic.Aggregate[T]](ctx context.Context, e *Engine, repo generic.Repository[T], id string, fn func(T) error) (T, error) {
	unlock := e.locks.Lock(id)
	defer unlock()
	return generic.WithRetry(ctx, repo, id, e.maxRetries, fn)
}

// =============================================================================
// EVENTS
// =============================================================================

func (e *Engine) emit(ctx context.Context, typ generic.EventType, aggregateID string, employeeID generic.EmployeeID, payload map[string]string) {
	ev := generic.Event{
		ID:          e.ids.NewID("evt"),
		Type:        typ,
		AggregateID: aggregateID,
		EmployeeID:  employeeID,
		At:          e.clock.Now(),
		Payload:     payload,
	}
	if err := e.sink.Publish(ctx, ev); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"event":        string(typ),
			"aggregate_id": aggregateID,
		}).Warn("event sink rejected event")
	}
}
