/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the database with realistic
  data for demos. Each scenario registers policies, opens accounts and
  drives the engine through real operations, so everything it creates went
  through the same validation and events as API traffic.

AVAILABLE SCENARIOS:
  on-call-week:   SRE on call, one call-out under the floor, one missed
  comp-time-bank: Bank close to its cap with redemptions and a payout
  escalation:     Overtime requests at every stage of a two-level chain
  no-carryover:   Bank whose balance is paid out at period end

HOW SCENARIOS WORK:
  1. Reset database and forget registered policies
  2. Register policies via factory presets (stored like POST /api/policies)
  3. Open accounts, schedule windows
  4. Run accruals, call-outs and approval decisions at the current time

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "on-call-week"}

NOTE:
  Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase, registerPolicy
  - factory/presets.go: Policy JSON presets
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/overtime-engine/engine"
	"github.com/warp/overtime-engine/factory"
	"github.com/warp/overtime-engine/generic"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "on-call-week",
		Name:        "On-Call Week",
		Description: "Hourly on-call window with a minimum-hours call-out and a missed page",
		Category:    "on_call",
	},
	{
		ID:          "comp-time-bank",
		Name:        "Comp-Time Bank",
		Description: "1.5x bank near its 80h cap with a redemption, a payout and a pending request",
		Category:    "comp_time",
	},
	{
		ID:          "escalation",
		Name:        "Approval Escalation",
		Description: "Manager/director chain with pending, escalated, rejected and auto-approved requests",
		Category:    "approvals",
	},
	{
		ID:          "no-carryover",
		Name:        "No Carryover",
		Description: "Bank without carryover, settled as pay at period end",
		Category:    "comp_time",
	},
}

const (
	scenarioManager  = "mgr-001"
	scenarioDirector = "dir-001"
)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	loaders := map[string]func(context.Context) error{
		"on-call-week":   h.loadOnCallWeekScenario,
		"comp-time-bank": h.loadCompTimeBankScenario,
		"escalation":     h.loadEscalationScenario,
		"no-carryover":   h.loadNoCarryoverScenario,
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()
	h.log.WithField("scenario", req.ScenarioID).Info("scenario loaded")

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadOnCallWeekScenario(ctx context.Context) error {
	if err := h.registerPolicies(ctx,
		factory.StandardCompTimeJSON("ct-standard", "Standard comp time", 80, 180),
		factory.OnCallJSON("oc-sre", "SRE primary", 45, 2, 15, "ct-standard"),
		factory.TwoLevelChainJSON("chain-ot", scenarioManager, scenarioDirector, 4),
	); err != nil {
		return err
	}

	acct, err := h.Engine.OpenAccount(ctx, "emp-001", "ct-standard")
	if err != nil {
		return err
	}

	now := h.Engine.Now()
	win, err := h.Engine.ScheduleFromPolicy(ctx, "oc-sre", "emp-001", now.Add(-time.Hour), now.Add(7*24*time.Hour-time.Hour))
	if err != nil {
		return err
	}
	if _, err := h.Engine.ActivateWindow(ctx, win.ID); err != nil {
		return err
	}

	// Paged, answered, 1.5h of work: floored to 2h and banked on approval.
	_, c, err := h.Engine.AddCallOut(ctx, win.ID, "Database failover alert")
	if err != nil {
		return err
	}
	if _, _, err := h.Engine.RespondToCallOut(ctx, win.ID, c.ID); err != nil {
		return err
	}
	if _, err := h.Engine.CompleteCallOut(ctx, win.ID, c.ID, engine.CallOutCompletion{
		WorkHours: generic.Hours(1.5),
		AccountID: acct.ID,
	}); err != nil {
		return err
	}

	// Paged and never answered.
	_, missed, err := h.Engine.AddCallOut(ctx, win.ID, "Disk usage above 95%")
	if err != nil {
		return err
	}
	_, _, err = h.Engine.MarkNoResponse(ctx, win.ID, missed.ID)
	return err
}

func (h *Handler) loadCompTimeBankScenario(ctx context.Context) error {
	if err := h.registerPolicies(ctx,
		factory.StandardCompTimeJSON("ct-standard", "Standard comp time", 80, 180),
		factory.TwoLevelChainJSON("chain-ot", scenarioManager, scenarioDirector, 4),
	); err != nil {
		return err
	}

	acct, err := h.Engine.OpenAccount(ctx, "emp-002", "ct-standard")
	if err != nil {
		return err
	}

	// 20h + 16h + 12h of overtime at 1.5x = 72h banked.
	for i, hours := range []float64{20, 16, 12} {
		if _, _, err := h.Engine.Accrue(ctx, acct.ID, engine.AccrualRequest{
			SourceID:      fmt.Sprintf("ot-2-%d", i+1),
			OvertimeHours: generic.Hours(hours),
		}); err != nil {
			return err
		}
	}
	if _, _, err := h.Engine.Redeem(ctx, acct.ID, generic.Hours(4), scenarioManager, "leave-req-17"); err != nil {
		return err
	}
	if _, _, err := h.Engine.PayOut(ctx, acct.ID, generic.Hours(8), scenarioManager, "employee request"); err != nil {
		return err
	}
	_, err = h.Engine.RequestRedemption(ctx, acct.ID, generic.Hours(6), "")
	return err
}

func (h *Handler) loadEscalationScenario(ctx context.Context) error {
	if err := h.registerPolicies(ctx,
		factory.StandardCompTimeJSON("ct-standard", "Standard comp time", 80, 180),
		factory.TwoLevelChainJSON("chain-ot", scenarioManager, scenarioDirector, 4),
	); err != nil {
		return err
	}

	acct, err := h.Engine.OpenAccount(ctx, "emp-003", "ct-standard")
	if err != nil {
		return err
	}
	request := func(id string, hours float64) (string, error) {
		r, err := h.Engine.RequestOvertime(ctx, engine.OvertimeRequest{
			EmployeeID: "emp-003",
			OvertimeID: id,
			Hours:      generic.Hours(hours),
			AccountID:  acct.ID,
		})
		if err != nil {
			return "", err
		}
		return r.ID, nil
	}

	// Waiting on the manager.
	if _, err := request("ot-3-1", 6); err != nil {
		return err
	}

	// Approved by the manager, waiting on the director.
	id, err := request("ot-3-2", 10)
	if err != nil {
		return err
	}
	if _, _, err := h.Engine.Approve(ctx, id, scenarioManager, "release weekend covered"); err != nil {
		return err
	}

	// Manager unavailable, escalated by hand.
	id, err = request("ot-3-3", 12)
	if err != nil {
		return err
	}
	if _, err := h.Engine.Escalate(ctx, id, "manager on leave"); err != nil {
		return err
	}

	// Under the manager's auto-approve threshold.
	if _, err := request("ot-3-4", 3); err != nil {
		return err
	}

	id, err = request("ot-3-5", 8)
	if err != nil {
		return err
	}
	_, err = h.Engine.Reject(ctx, id, scenarioManager, "not pre-authorized")
	return err
}

func (h *Handler) loadNoCarryoverScenario(ctx context.Context) error {
	maxBank := 40.0
	doc, err := json.Marshal(factory.CompTimePolicyJSON{
		Header:          factory.Header{ID: "ct-use-it", Kind: factory.KindCompTime, Name: "Use it or get paid"},
		AccrualRatio:    1.5,
		MaxBankHours:    &maxBank,
		AllowsCarryover: false,
	})
	if err != nil {
		return err
	}
	if err := h.registerPolicies(ctx, string(doc)); err != nil {
		return err
	}

	acct, err := h.Engine.OpenAccount(ctx, "emp-004", "ct-use-it")
	if err != nil {
		return err
	}
	_, _, err = h.Engine.Accrue(ctx, acct.ID, engine.AccrualRequest{
		SourceID:      "ot-4-1",
		OvertimeHours: generic.Hours(8),
	})
	return err
}

func (h *Handler) registerPolicies(ctx context.Context, docs ...string) error {
	for _, doc := range docs {
		if _, err := h.registerPolicy(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}
