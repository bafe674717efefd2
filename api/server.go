/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, copied into the slog context
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request count and latency by route pattern
  5. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/agents/*       Directory, wallets, statements, eligibility
  /api/contracts/*    Directory, history, contestability
  /api/payments       Payment intake
  /api/admin/*        Recompute and release triggers
  /api/plans          Plan-rate table
  /api/scenarios/*    Demo scenarios
  /metrics            Prometheus scrape endpoint
  /healthz            Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/collections-engine/internal/logging"
	"github.com/warp/collections-engine/internal/metrics"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.CreateAgent)
			r.Get("/{id}/wallet", h.GetWallet)
			r.Get("/{id}/commissions", h.GetAgentCommissions)
			r.Get("/{id}/rollups", h.GetRollups)
			r.Get("/{id}/eligibility", h.GetEligibility)
		})

		r.Route("/contracts", func(r chi.Router) {
			r.Post("/", h.CreateContract)
			r.Get("/{id}/payments", h.GetContractPayments)
			r.Get("/{id}/commissions", h.GetContractCommissions)
			r.Get("/{id}/contestability", h.GetContestability)
		})

		r.Post("/payments", h.RecordPayment)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/recompute", h.TriggerRecompute)
			r.Post("/release", h.TriggerRelease)
		})

		r.Get("/plans", h.ListPlans)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger attaches a request-scoped logger carrying chi's request id.
func requestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := middleware.GetReqID(r.Context())
			ctx := logging.WithRequestID(r.Context(), id)
			ctx = logging.WithLogger(ctx, base)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
