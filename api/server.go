/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Tracing:    OpenTelemetry server span
  4. Logger:     zap request logging, with the trace id
  5. Metrics:    Prometheus request counters and latency
  6. CORS:       Cross-origin requests for the web client
  7. Auth:       Bearer session parsing (when sessions are configured)

ROUTE GROUPS:
  /healthz              Liveness and database ping
  /metrics              Prometheus scrape endpoint
  /api/accounts/*       Accounts and ledger operations
  /api/invitations/*    Invitation codes
  /api/register         Invitation redemption
  /api/incentives/*     Incentive programs and application
  /api/auth/*           One-time passwords and sessions

AUTHORIZATION:
  With RequireAuth every /api route except registration and the OTP flow
  needs a session; admin routes need the admin role. Without it sessions
  are optional and admin routes are open, for local development.

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
	"github.com/philtech/credit-engine/auth"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterOptions struct {
	AllowedOrigins []string
	RequireAuth    bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(Tracing)
	r.Use(RequestLogger(h.Logger))
	r.Use(Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyKeyHeader},
		ExposedHeaders:   []string{ReplayedHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	requireAuth := opts.RequireAuth && h.Sessions != nil
	admin := func(next http.Handler) http.Handler { return next }
	if requireAuth {
		admin = auth.RequireAdmin
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Open routes: a new user has no session yet
		r.Group(func(r chi.Router) {
			if h.Sessions != nil {
				r.Use(auth.Middleware(h.Sessions, false))
			}
			r.Post("/register", h.Register)
			r.Post("/auth/otp", h.RequestOTP)
			r.Post("/auth/otp/verify", h.VerifyOTP)
			r.Get("/invitations/{code}", h.GetInvitation)
			r.Get("/invitations/{code}/qr", h.GetInvitationQR)
		})

		r.Group(func(r chi.Router) {
			if h.Sessions != nil {
				r.Use(auth.Middleware(h.Sessions, requireAuth))
			}

			// Account routes
			r.Route("/accounts", func(r chi.Router) {
				r.With(admin).Post("/", h.CreateAccount)
				r.Get("/{id}", h.GetAccount)
				r.Patch("/{id}", h.UpdateAccount)
				r.Get("/{id}/balance", h.GetBalance)
				r.Get("/{id}/transactions", h.GetTransactions)
				r.Get("/{id}/chain", h.GetChain)
				r.Get("/{id}/payouts", h.GetPayouts)
				r.Get("/{id}/invitations", h.ListInvitations)

				r.With(admin).Post("/{id}/topups", h.TopUp)
				r.Post("/{id}/transfers", h.Transfer)
				r.With(admin).Post("/{id}/deductions", h.Deduct)
				r.Post("/{id}/purchases", h.CreditPurchase)
			})

			// Invitation routes
			r.Post("/invitations", h.PurchaseInvitations)

			// Incentive routes
			r.Route("/incentives", func(r chi.Router) {
				r.Get("/programs", h.ListPrograms)
				r.With(admin).Put("/programs", h.SaveProgram)
				r.With(admin).Post("/apply", h.Apply)
			})
		})
	})

	return r
}
