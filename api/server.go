/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in event logs
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend
  5. Auth:       Bearer JWT on everything except /health

ROUTE GROUPS:
  /health               Liveness (public)
  /rewards/*            Catalog and redemptions (any user)
  /points/*             Balance and history (any user)
  /admin/*              Catalog upserts and ledger corrections (admin)
  /api/scenarios/*      Demo data (admin)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token validation and roles
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the cross-cutting settings of the router.
type RouterConfig struct {
	Auth        *Authenticator
	CORSOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)

		// Catalog and redemption routes
		r.Route("/rewards", func(r chi.Router) {
			r.Get("/", h.ListRewards)
			r.Post("/redeem", h.Redeem)
			r.Get("/redemptions", h.ListRedemptions)
			r.Get("/redemptions/{id}", h.GetRedemption)
			r.With(RequireAdmin).Patch("/redemptions/{id}/status", h.UpdateRedemptionStatus)
		})

		// Points routes
		r.Route("/points", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/history", h.GetHistory)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Put("/rewards/{id}", h.UpsertReward)
			r.Post("/points/earn", h.EarnPoints)
			r.Post("/points/adjust", h.AdjustPoints)
		})

		// Scenario routes
		r.Route("/api/scenarios", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
