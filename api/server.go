/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in error logs
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counters by route pattern
  5. CORS:       Cross-origin requests for the admin console

ROUTE GROUPS:
  /api/events/*         Inbound events (payments, badges, sponsor locks),
                        rate limited per client when Handler.EventLimiter is set
  /api/users/*          Per-user queries
  /api/commissions/*    Decision traces
  /api/admin/*          Audit, reconciliation, adjustments, badge sources
  /metrics              Prometheus scrape endpoint
  /health               Liveness with a database ping

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/bsk-engine/metrics"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/events", func(r chi.Router) {
			if h.EventLimiter != nil {
				r.Use(h.EventLimiter.Middleware)
			}
			r.Post("/payments", h.HandlePayment)
			r.Post("/badges", h.HandleBadge)
			r.Post("/sponsors", h.LockSponsor)
		})

		r.Post("/sponsors/{id}", h.SetSponsor)

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/balances", h.GetBalances)
			r.Get("/transactions", h.GetTransactions)
			r.Post("/transfers", h.Transfer)
			r.Get("/milestones", h.GetMilestones)
			r.Get("/upline", h.GetUpline)
			r.Get("/badge", h.GetBadge)
		})

		r.Get("/commissions/{eventType}/{eventID}", h.GetTrace)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/audit", h.RunAudit)
			r.Post("/audit/repair", h.RepairClosure)
			r.Get("/audit/runs", h.ListAuditRuns)
			r.Get("/reconcile/{id}", h.ReconcileUser)
			r.Post("/reconcile", h.ReconcileAll)
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/status-badges", h.SetStatusBadge)
			r.Post("/cards", h.AssignCard)
			r.Delete("/badges/{id}", h.RevokeBadge)
		})
	})

	return r
}
