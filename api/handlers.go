/*
handlers.go - HTTP API handlers for the overtime engine

PURPOSE:
  Exposes the engine via REST API. Handles HTTP request/response, JSON
  serialization and validation, and delegates every state change to
  engine.Engine.

ENDPOINTS:
  Accounts:
    GET    /api/accounts                       List comp-time accounts
    POST   /api/accounts                       Open an account under a policy
    GET    /api/accounts/{id}                  Account with entry logs
    POST   /api/accounts/{id}/accruals         Bank overtime
    POST   /api/accounts/{id}/redemptions      Take hours as time off
    POST   /api/accounts/{id}/payouts          Convert hours to pay
    POST   /api/accounts/{id}/settle           Period-end settlement
    POST   /api/accounts/{id}/deactivate       Stop accruals
    GET    /api/accounts/{id}/expiring?days=N  Hours expiring soon

  Windows:
    GET    /api/windows                        List windows
    POST   /api/windows                        Schedule a window
    GET    /api/windows/{id}                   Window with call-outs
    POST   /api/windows/{id}/{activate|close|cancel}
    GET    /api/windows/{id}/standby-pay       Estimate standby pay
    POST   /api/windows/{id}/standby-pay       Request standby pay approval
    POST   /api/windows/{id}/call-outs         Record a call-out
    POST   /api/windows/{id}/call-outs/{cid}/respond
    POST   /api/windows/{id}/call-outs/{cid}/no-response
    POST   /api/windows/{id}/call-outs/{cid}/complete

  Approvals:
    GET    /api/requests                       List requests
    GET    /api/requests/pending?assignee=x    Undecided requests
    POST   /api/requests/overtime              Request overtime
    POST   /api/requests/redemption            Request a redemption
    POST   /api/requests/payout                Request a payout
    GET    /api/requests/{id}
    POST   /api/requests/{id}/{approve|reject|escalate|settle}

  Policies, admin, scenarios: see server.go.

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status derived from the error
  kind (statusFor):
  - 400: ErrInvalidInput, malformed JSON, failed validation
  - 404: ErrNotFound
  - 409: ErrInvalidState, ErrCapExceeded, ErrInsufficientBalance,
         ErrDuplicate, ErrConcurrentModification (after retries)
  - 500: Everything else

SECURITY NOTE:
  Currently NO authentication or authorization. Actor names in bodies are
  trusted as given.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/overtime-engine/comptime"
	"github.com/warp/overtime-engine/engine"
	"github.com/warp/overtime-engine/generic"
	"github.com/warp/overtime-engine/logging"
	"github.com/warp/overtime-engine/oncall"
	"github.com/warp/overtime-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *engine.Engine
	Store  *sqlite.Store

	validate *validator.Validate
	ids      generic.IDGenerator
	log      *logrus.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over an engine whose repositories live in store.
func NewHandler(eng *engine.Engine, store *sqlite.Store) *Handler {
	return &Handler{
		Engine:   eng,
		Store:    store,
		validate: validator.New(),
		ids:      generic.UUIDGenerator{},
		log:      logging.Logger,
	}
}

// LoadPolicies registers every stored policy document with the engine.
// Documents that no longer parse are skipped and logged.
func (h *Handler) LoadPolicies(ctx context.Context) error {
	records, err := h.Store.ListPolicies(ctx, "")
	if err != nil {
		return err
	}
	for _, r := range records {
		if _, err := h.Engine.RegisterPolicyJSON(r.ConfigJSON); err != nil {
			h.log.WithError(err).WithField("policy_id", r.ID).Warn("skipping invalid stored policy")
		}
	}
	return nil
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// ListAccounts returns account summaries, optionally for one employee.
// GET /api/accounts?employee_id=x
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		accounts []*comptime.Account
		err      error
	)
	if emp := r.URL.Query().Get("employee_id"); emp != "" {
		accounts, err = h.Store.Accounts().ListByEmployee(ctx, generic.EmployeeID(emp))
	} else {
		accounts, err = h.Engine.ListAccounts(ctx)
	}
	if err != nil {
		writeDomainError(w, "Failed to list accounts", err)
		return
	}

	dtos := make([]AccountDTO, len(accounts))
	for i, a := range accounts {
		near, _ := h.Engine.IsNearCapacity(ctx, a.ID)
		dtos[i] = toAccountDTO(a, near)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// OpenAccount enrolls an employee in a comp_time policy.
// POST /api/accounts
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	acct, err := h.Engine.OpenAccount(r.Context(), generic.EmployeeID(req.EmployeeID), generic.PolicyID(req.PolicyID))
	if err != nil {
		writeDomainError(w, "Failed to open account", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDetailDTO(acct, false))
}

// GetAccount returns one account with its entry logs.
// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	h.writeAccount(w, r, chi.URLParam(r, "id"), http.StatusOK)
}

// Accrue banks a piece of overtime directly (already approved elsewhere).
// POST /api/accounts/{id}/accruals
func (h *Handler) Accrue(w http.ResponseWriter, r *http.Request) {
	var req AccrueRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := engine.AccrualRequest{
		SourceID:      req.SourceID,
		OvertimeHours: generic.Hours(req.OvertimeHours),
		Ratio:         decimalPtr(req.Ratio),
	}
	if req.WorkedOn != nil {
		in.WorkedOn = *req.WorkedOn
	}
	acct, _, err := h.Engine.Accrue(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeDomainError(w, "Failed to accrue", err)
		return
	}
	h.writeAccount(w, r, acct.ID, http.StatusCreated)
}

// Redeem spends banked hours.
// POST /api/accounts/{id}/redemptions
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !h.decode(w, r, &req) {
		return
	}
	acct, _, err := h.Engine.Redeem(r.Context(), chi.URLParam(r, "id"), generic.Hours(req.Hours), req.Approver, req.SourceRef)
	if err != nil {
		writeDomainError(w, "Failed to redeem", err)
		return
	}
	h.writeAccount(w, r, acct.ID, http.StatusCreated)
}

// PayOut converts banked hours to pay.
// POST /api/accounts/{id}/payouts
func (h *Handler) PayOut(w http.ResponseWriter, r *http.Request) {
	var req PayoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	acct, _, err := h.Engine.PayOut(r.Context(), chi.URLParam(r, "id"), generic.Hours(req.Hours), req.Approver, req.Reason)
	if err != nil {
		writeDomainError(w, "Failed to pay out", err)
		return
	}
	h.writeAccount(w, r, acct.ID, http.StatusCreated)
}

// SettlePeriodEnd pays out a no-carryover balance.
// POST /api/accounts/{id}/settle
func (h *Handler) SettlePeriodEnd(w http.ResponseWriter, r *http.Request) {
	acct, _, err := h.Engine.SettlePeriodEnd(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Failed to settle", err)
		return
	}
	h.writeAccount(w, r, acct.ID, http.StatusOK)
}

// DeactivateAccount
// POST /api/accounts/{id}/deactivate
func (h *Handler) DeactivateAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Engine.Deactivate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Failed to deactivate", err)
		return
	}
	h.writeAccount(w, r, acct.ID, http.StatusOK)
}

// GetExpiring reports hours expiring within ?days (default 14).
// GET /api/accounts/{id}/expiring
func (h *Handler) GetExpiring(w http.ResponseWriter, r *http.Request) {
	days := engine.DefaultNearExpiryDays
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid days", err)
			return
		}
		days = n
	}
	id := chi.URLParam(r, "id")
	hours, err := h.Engine.HoursExpiringSoon(r.Context(), id, days)
	if err != nil {
		writeDomainError(w, "Failed to compute expiring hours", err)
		return
	}
	writeJSON(w, http.StatusOK, ExpiringDTO{AccountID: id, Days: days, Hours: hours.Float64()})
}

func (h *Handler) writeAccount(w http.ResponseWriter, r *http.Request, id string, status int) {
	acct, err := h.Engine.GetAccount(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get account", err)
		return
	}
	near, _ := h.Engine.IsNearCapacity(r.Context(), id)
	writeJSON(w, status, toAccountDetailDTO(acct, near))
}

// =============================================================================
// WINDOW HANDLERS
// =============================================================================

// ListWindows returns windows, optionally filtered by ?employee_id or ?status.
// GET /api/windows
func (h *Handler) ListWindows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	var (
		windows []*oncall.Window
		err     error
	)
	switch {
	case q.Get("employee_id") != "":
		windows, err = h.Store.Windows().ListByEmployee(ctx, generic.EmployeeID(q.Get("employee_id")))
	case q.Get("status") != "":
		windows, err = h.Store.Windows().ListByStatus(ctx, q.Get("status"))
	default:
		windows, err = h.Engine.ListWindows(ctx)
	}
	if err != nil {
		writeDomainError(w, "Failed to list windows", err)
		return
	}
	dtos := make([]WindowDTO, len(windows))
	for i, win := range windows {
		dtos[i] = toWindowDTO(win)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ScheduleWindow creates a window from a policy or explicit terms.
// POST /api/windows
func (h *Handler) ScheduleWindow(w http.ResponseWriter, r *http.Request) {
	var req ScheduleWindowRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	emp := generic.EmployeeID(req.EmployeeID)

	var (
		win *oncall.Window
		err error
	)
	if req.PolicyID != "" {
		win, err = h.Engine.ScheduleFromPolicy(ctx, generic.PolicyID(req.PolicyID), emp, req.Start, req.End)
	} else {
		win, err = h.Engine.ScheduleWindow(ctx, oncall.WindowSpec{
			EmployeeID:  emp,
			WindowStart: req.Start,
			WindowEnd:   req.End,
			Type:        oncall.WindowType(req.Type),
			Pay: oncall.PayConfig{
				RateType:         oncall.RateType(req.RateType),
				FlatRate:         decimalPtr(req.FlatRate),
				HourlyRate:       decimalPtr(req.HourlyRate),
				PercentageOfBase: decimalPtr(req.PercentageOfBase),
			},
			CallOutMinimumHours:       hoursPtr(req.CallOutMinimumHours),
			ResponseTimeTargetMinutes: req.ResponseTimeTargetMinutes,
		})
	}
	if err != nil {
		writeDomainError(w, "Failed to schedule window", err)
		return
	}
	h.writeWindow(w, r, win, http.StatusCreated)
}

// GetWindow
// GET /api/windows/{id}
func (h *Handler) GetWindow(w http.ResponseWriter, r *http.Request) {
	win, err := h.Engine.GetWindow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Failed to get window", err)
		return
	}
	h.writeWindow(w, r, win, http.StatusOK)
}

// WindowTransition handles activate, close and cancel.
// POST /api/windows/{id}/{action}
func (h *Handler) WindowTransition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var (
		win *oncall.Window
		err error
	)
	switch action := chi.URLParam(r, "action"); action {
	case "activate":
		win, err = h.Engine.ActivateWindow(ctx, id)
	case "close":
		win, err = h.Engine.CloseWindow(ctx, id)
	case "cancel":
		win, err = h.Engine.CancelWindow(ctx, id)
	default:
		writeError(w, http.StatusNotFound, "Unknown window action", errors.New(action))
		return
	}
	if err != nil {
		writeDomainError(w, "Failed to update window", err)
		return
	}
	h.writeWindow(w, r, win, http.StatusOK)
}

// EstimateStandbyPay
// GET /api/windows/{id}/standby-pay
func (h *Handler) EstimateStandbyPay(w http.ResponseWriter, r *http.Request) {
	amount, err := h.Engine.EstimateStandbyPay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Failed to estimate standby pay", err)
		return
	}
	writeJSON(w, http.StatusOK, AmountDTO{Value: amount.Float64(), Unit: string(amount.Unit)})
}

// RequestStandbyPay opens an approval for the window's standby pay.
// POST /api/windows/{id}/standby-pay
func (h *Handler) RequestStandbyPay(w http.ResponseWriter, r *http.Request) {
	var req StandbyPayRequestDTO
	if !h.decodeOptional(w, r, &req) {
		return
	}
	ar, err := h.Engine.RequestStandbyPay(r.Context(), chi.URLParam(r, "id"), generic.PolicyID(req.ChainID))
	if err != nil {
		writeDomainError(w, "Failed to request standby pay", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(ar))
}

// AddCallOut records a call-out now.
// POST /api/windows/{id}/call-outs
func (h *Handler) AddCallOut(w http.ResponseWriter, r *http.Request) {
	var req AddCallOutRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	_, c, err := h.Engine.AddCallOut(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, "Failed to add call-out", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// RespondToCallOut
// POST /api/windows/{id}/call-outs/{callOutID}/respond
func (h *Handler) RespondToCallOut(w http.ResponseWriter, r *http.Request) {
	_, c, err := h.Engine.RespondToCallOut(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "callOutID"))
	if err != nil {
		writeDomainError(w, "Failed to record response", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// MarkNoResponse
// POST /api/windows/{id}/call-outs/{callOutID}/no-response
func (h *Handler) MarkNoResponse(w http.ResponseWriter, r *http.Request) {
	_, c, err := h.Engine.MarkNoResponse(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "callOutID"))
	if err != nil {
		writeDomainError(w, "Failed to mark no response", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// CompleteCallOut records work done and opens the approval request.
// POST /api/windows/{id}/call-outs/{callOutID}/complete
func (h *Handler) CompleteCallOut(w http.ResponseWriter, r *http.Request) {
	var req CompleteCallOutRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.Engine.CompleteCallOut(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "callOutID"), engine.CallOutCompletion{
		WorkHours:   generic.Hours(req.WorkHours),
		TravelHours: hoursPtr(req.TravelHours),
		Multiplier:  decimalPtr(req.Multiplier),
		AccountID:   req.AccountID,
		ChainID:     generic.PolicyID(req.ChainID),
	})
	if err != nil {
		writeDomainError(w, "Failed to complete call-out", err)
		return
	}
	dto := CallOutOutcomeDTO{Window: toWindowDTO(out.Window), CallOut: *out.CallOut}
	if out.Request != nil {
		rd := toRequestDTO(out.Request)
		dto.Request = &rd
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) writeWindow(w http.ResponseWriter, r *http.Request, win *oncall.Window, status int) {
	dto := WindowDetailDTO{
		WindowDTO: toWindowDTO(win),
		CallOuts:  nonNil(win.CallOuts),
		Breaches:  nonNil(win.Breaches),
	}
	if avg, ok, err := h.Engine.AverageResponseTime(r.Context(), win.ID); err == nil && ok {
		dto.AverageResponseMins = &avg
	}
	if onCall, err := h.Engine.IsCurrentlyOnCall(r.Context(), win.ID); err == nil {
		dto.OnCallNow = onCall
	}
	writeJSON(w, status, dto)
}

// =============================================================================
// APPROVAL HANDLERS
// =============================================================================

// ListRequests
// GET /api/requests
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Engine.ListRequests(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to list requests", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(reqs))
}

// ListPendingRequests returns undecided requests, optionally for one assignee.
// GET /api/requests/pending?assignee=x
func (h *Handler) ListPendingRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Engine.PendingRequests(r.Context(), r.URL.Query().Get("assignee"))
	if err != nil {
		writeDomainError(w, "Failed to list pending requests", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(reqs))
}

// RequestOvertime
// POST /api/requests/overtime
func (h *Handler) RequestOvertime(w http.ResponseWriter, r *http.Request) {
	var req OvertimeRequestDTO
	if !h.decode(w, r, &req) {
		return
	}
	in := engine.OvertimeRequest{
		EmployeeID: generic.EmployeeID(req.EmployeeID),
		OvertimeID: req.OvertimeID,
		Hours:      generic.Hours(req.Hours),
		AccountID:  req.AccountID,
		ChainID:    generic.PolicyID(req.ChainID),
	}
	if req.WorkedOn != nil {
		in.WorkedOn = *req.WorkedOn
	}
	ar, err := h.Engine.RequestOvertime(r.Context(), in)
	if err != nil {
		writeDomainError(w, "Failed to create request", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(ar))
}

// RequestRedemption
// POST /api/requests/redemption
func (h *Handler) RequestRedemption(w http.ResponseWriter, r *http.Request) {
	var req AccountRequestDTO
	if !h.decode(w, r, &req) {
		return
	}
	ar, err := h.Engine.RequestRedemption(r.Context(), req.AccountID, generic.Hours(req.Hours), generic.PolicyID(req.ChainID))
	if err != nil {
		writeDomainError(w, "Failed to create request", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(ar))
}

// RequestPayout
// POST /api/requests/payout
func (h *Handler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	var req AccountRequestDTO
	if !h.decode(w, r, &req) {
		return
	}
	ar, err := h.Engine.RequestPayout(r.Context(), req.AccountID, generic.Hours(req.Hours), generic.PolicyID(req.ChainID))
	if err != nil {
		writeDomainError(w, "Failed to create request", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(ar))
}

// GetRequest
// GET /api/requests/{id}
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	ar, err := h.Engine.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Failed to get request", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(ar))
}

// ApproveRequest approves the current level.
// POST /api/requests/{id}/approve
func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required", nil)
		return
	}
	ar, final, err := h.Engine.Approve(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Comment)
	if err != nil {
		writeDomainError(w, "Failed to approve", err)
		return
	}
	writeJSON(w, http.StatusOK, ApproveResponse{Request: toRequestDTO(ar), Final: final})
}

// RejectRequest
// POST /api/requests/{id}/reject
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required", nil)
		return
	}
	ar, err := h.Engine.Reject(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Comment)
	if err != nil {
		writeDomainError(w, "Failed to reject", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(ar))
}

// EscalateRequest hands the request to the next level.
// POST /api/requests/{id}/escalate
func (h *Handler) EscalateRequest(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	reason := req.Comment
	if reason == "" {
		reason = "escalated manually"
	}
	ar, err := h.Engine.Escalate(r.Context(), chi.URLParam(r, "id"), reason)
	if err != nil {
		writeDomainError(w, "Failed to escalate", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(ar))
}

// SettleRequest retries a failed settlement.
// POST /api/requests/{id}/settle
func (h *Handler) SettleRequest(w http.ResponseWriter, r *http.Request) {
	ar, err := h.Engine.Settle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Failed to settle", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(ar))
}

// =============================================================================
// POLICY HANDLERS
// =============================================================================

// ListPolicies returns stored policy documents, optionally of one ?kind.
// GET /api/policies
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	records, err := h.Store.ListPolicies(r.Context(), r.URL.Query().Get("kind"))
	if err != nil {
		writeDomainError(w, "Failed to list policies", err)
		return
	}
	dtos := make([]PolicyDTO, len(records))
	for i, rec := range records {
		dtos[i] = toPolicyDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePolicy registers a policy document and stores it. The body is the
// document itself (see factory/policy.go).
// POST /api/policies
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	rec, err := h.registerPolicy(r.Context(), string(raw))
	if err != nil {
		writeDomainError(w, "Invalid policy", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPolicyDTO(*rec))
}

// GetPolicy
// GET /api/policies/{id}
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Store.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Failed to get policy", err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyDTO(*rec))
}

// SetDefaultChain selects the approval chain used when a request names none.
// POST /api/policies/{id}/default
func (h *Handler) SetDefaultChain(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Engine.SetDefaultChain(generic.PolicyID(id)); err != nil {
		writeDomainError(w, "Failed to set default chain", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"default_chain_id": id})
}

// registerPolicy parses the document into the engine first, so nothing
// invalid reaches the policies table.
func (h *Handler) registerPolicy(ctx context.Context, doc string) (*sqlite.PolicyRecord, error) {
	hdr, err := h.Engine.RegisterPolicyJSON(doc)
	if err != nil {
		return nil, err
	}
	if err := h.Store.SavePolicy(ctx, sqlite.PolicyRecord{
		ID:         hdr.ID,
		Kind:       string(hdr.Kind),
		Name:       hdr.Name,
		ConfigJSON: doc,
	}); err != nil {
		return nil, err
	}
	return h.Store.GetPolicy(ctx, hdr.ID)
}

func toPolicyDTO(rec sqlite.PolicyRecord) PolicyDTO {
	dto := PolicyDTO{ID: rec.ID, Kind: rec.Kind, Name: rec.Name, Version: rec.Version}
	var cfg map[string]any
	if json.Unmarshal([]byte(rec.ConfigJSON), &cfg) == nil {
		dto.Config = cfg
	}
	return dto
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunSweep runs one sweep now. Partial failures still answer 200 with the
// failures listed.
// POST /api/admin/sweeps/{kind}
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	kind := engine.SweepKind(chi.URLParam(r, "kind"))
	res, err := runSweep(r.Context(), h.Engine, h.Store, h.ids, h.log, kind)
	if err != nil && len(res.Failures) == 0 {
		writeDomainError(w, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepResultDTO(res))
}

// ListSweepRuns
// GET /api/admin/sweeps?kind=expiry&limit=20
func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	runs, err := h.Store.GetSweepRuns(r.Context(), r.URL.Query().Get("kind"), limit)
	if err != nil {
		writeDomainError(w, "Failed to list sweep runs", err)
		return
	}
	dtos := make([]SweepRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSweepRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListEvents reads the event outbox, optionally for one ?aggregate_id.
// GET /api/admin/events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	events, err := h.Store.ListEvents(r.Context(), r.URL.Query().Get("aggregate_id"), limit)
	if err != nil {
		writeDomainError(w, "Failed to list events", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(events))
}

// ResetDatabase clears every table and forgets registered policies.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		writeDomainError(w, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) reset(ctx context.Context) error {
	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	h.Engine.ResetPolicies()
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and validates it. On failure it has
// already written a 400 and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	return h.check(w, dst)
}

// decodeOptional is decode for endpoints whose body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON", err)
			return false
		}
	}
	return h.check(w, dst)
}

func (h *Handler) check(w http.ResponseWriter, dst any) bool {
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Code: "validation", Details: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps an engine error to its HTTP status.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: message, Code: codeFor(err), Details: err.Error()}
	if status == http.StatusInternalServerError {
		logging.Logger.WithError(err).Error(message)
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrInvalidInput):
		return http.StatusBadRequest
	case generic.IsClientError(err),
		errors.Is(err, generic.ErrConcurrentModification),
		errors.Is(err, engine.ErrNotApproved):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(err error) string {
	switch {
	case generic.IsNotFound(err):
		return "not_found"
	case errors.Is(err, generic.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, generic.ErrCapExceeded):
		return "cap_exceeded"
	case errors.Is(err, generic.ErrInvalidState), errors.Is(err, engine.ErrNotApproved):
		return "invalid_state"
	case errors.Is(err, generic.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, generic.ErrDuplicate):
		return "duplicate"
	case errors.Is(err, generic.ErrConcurrentModification):
		return "conflict"
	default:
		return ""
	}
}
