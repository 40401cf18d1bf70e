/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RequestLogger: logrus access log (logging/middleware.go)
  3. Recoverer:     Panic recovery (500 instead of crash)
  4. CORS:          Origins from config (CORS_ORIGINS)

ROUTE GROUPS:
  /api/accounts/*   Comp-time banks
  /api/windows/*    On-call windows and call-outs
  /api/requests/*   Approval workflow
  /api/policies/*   Policy documents
  /api/admin/*      Sweeps, sweep history, event outbox
  /api/scenarios/*  Demo scenarios and reset (dev only)
  /healthz          Liveness

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/overtime-engine/logging"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(logging.RequestLogger(logging.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.OpenAccount)
			r.Get("/{id}", h.GetAccount)
			r.Post("/{id}/accruals", h.Accrue)
			r.Post("/{id}/redemptions", h.Redeem)
			r.Post("/{id}/payouts", h.PayOut)
			r.Post("/{id}/settle", h.SettlePeriodEnd)
			r.Post("/{id}/deactivate", h.DeactivateAccount)
			r.Get("/{id}/expiring", h.GetExpiring)
		})

		r.Route("/windows", func(r chi.Router) {
			r.Get("/", h.ListWindows)
			r.Post("/", h.ScheduleWindow)
			r.Get("/{id}", h.GetWindow)
			r.Get("/{id}/standby-pay", h.EstimateStandbyPay)
			r.Post("/{id}/standby-pay", h.RequestStandbyPay)
			r.Post("/{id}/call-outs", h.AddCallOut)
			r.Post("/{id}/call-outs/{callOutID}/respond", h.RespondToCallOut)
			r.Post("/{id}/call-outs/{callOutID}/no-response", h.MarkNoResponse)
			r.Post("/{id}/call-outs/{callOutID}/complete", h.CompleteCallOut)
			r.Post("/{id}/{action}", h.WindowTransition)
		})

		r.Route("/requests", func(r chi.Router) {
			r.Get("/", h.ListRequests)
			r.Get("/pending", h.ListPendingRequests)
			r.Post("/overtime", h.RequestOvertime)
			r.Post("/redemption", h.RequestRedemption)
			r.Post("/payout", h.RequestPayout)
			r.Get("/{id}", h.GetRequest)
			r.Post("/{id}/approve", h.ApproveRequest)
			r.Post("/{id}/reject", h.RejectRequest)
			r.Post("/{id}/escalate", h.EscalateRequest)
			r.Post("/{id}/settle", h.SettleRequest)
		})

		r.Route("/policies", func(r chi.Router) {
			r.Get("/", h.ListPolicies)
			r.Post("/", h.CreatePolicy)
			r.Get("/{id}", h.GetPolicy)
			r.Post("/{id}/default", h.SetDefaultChain)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/sweeps", h.ListSweepRuns)
			r.Post("/sweeps/{kind}", h.RunSweep)
			r.Get("/events", h.ListEvents)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
