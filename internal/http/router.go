package http

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/keyfold/server/internal/http/handlers"
	"github.com/keyfold/server/internal/middleware"
	"github.com/keyfold/server/internal/model"
	"github.com/keyfold/server/internal/ratelimit"
	"github.com/keyfold/server/internal/token"
)

// NewRouter creates a new HTTP router with all routes configured. The gate
// fences everything outside its public allow-list; the auth endpoints are
// public by definition and additionally throttled per client IP.
func NewRouter(authHandler *handlers.AuthHandler, tokens *token.Service) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	gate := middleware.NewGate(tokens,
		[]string{
			"/health",
			"/auth",
			middleware.SignInPath,
			middleware.VerifyOTPPath,
			middleware.VerifyTOTPPath,
		},
		[]middleware.RoleRule{
			{Prefix: "/admin", Role: model.RoleAdmin},
		},
	)
	r.Use(gate.Middleware)

	r.Get("/health", authHandler.HandleHealth)

	// IP limiter across the whole auth surface; the service applies its own
	// per-identity budgets on top.
	ipLimiter := ratelimit.New(10*time.Minute, 60)

	r.Route("/auth", func(r chi.Router) {
		r.Use(middleware.RateLimit(ipLimiter, middleware.IPKey))

		r.Post("/register", authHandler.HandleRegister)
		r.Post("/login", authHandler.HandleLogin)
		r.Post("/login/request-otp", authHandler.HandleRequestOTP)
		r.Post("/verify-otp", authHandler.HandleVerifyOTP)
		r.Post("/verify-totp", authHandler.HandleVerifyTOTP)
		r.Post("/refresh", authHandler.HandleRefresh)
		r.Post("/logout", authHandler.HandleLogout)

		r.Get("/oauth/{provider}", authHandler.HandleOAuthStart)
		r.Get("/oauth/{provider}/callback", authHandler.HandleOAuthCallback)

		r.Route("/password-reset", func(r chi.Router) {
			r.Post("/request", authHandler.HandleResetRequest)
			r.Post("/verify", authHandler.HandleResetVerify)
			r.Post("/confirm", authHandler.HandleResetConfirm)
		})
	})

	// Protected routes (gate requires a verified session token)
	r.Get("/me", authHandler.HandleMe)
	r.Route("/2fa", func(r chi.Router) {
		r.Get("/setup", authHandler.HandleTOTPSetup)
		r.Post("/verify", authHandler.HandleTOTPConfirm)
		r.Post("/disable", authHandler.HandleTOTPDisable)
		r.Post("/regenerate-backup-codes", authHandler.HandleRegenerateBackupCodes)
	})
	r.Get("/admin/users", authHandler.HandleListUsers)

	return r
}
