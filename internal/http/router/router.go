package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/medvaultapp/medvault/internal/http/handler"
	"github.com/medvaultapp/medvault/internal/http/middleware"
	"github.com/medvaultapp/medvault/internal/http/response"
	"github.com/medvaultapp/medvault/internal/security"
)

// ReadyCheck is one named dependency probe for the readiness
// endpoint.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Dependencies struct {
	AuthHandler  *handler.AuthHandler
	UserHandler  *handler.UserHandler
	AuditHandler *handler.AuditHandler
	JWTManager   *security.JWTManager

	CORSOrigins []string

	// Limiter shares rate limit budgets across replicas; nil falls
	// back to per-process limiting.
	Limiter          middleware.Limiter
	APIRateLimitRPM  int
	AuthRateLimitRPM int

	ReadyChecks    []ReadyCheck
	EnableOTelHTTP bool
}

func (d Dependencies) limiter(limit int, scope string) func(http.Handler) http.Handler {
	if d.Limiter != nil {
		return middleware.NewScopedRateLimiter(d.Limiter, limit, time.Minute, middleware.FailOpen, scope, nil).Middleware()
	}
	return middleware.NewScopedRateLimiter(middleware.NewLocalLimiter(), limit, time.Minute, middleware.FailClosed, scope, nil).Middleware()
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(dep.CORSOrigins))
	r.Use(middleware.BodyLimit(1 << 20))
	r.Use(dep.limiter(dep.APIRateLimitRPM, "api"))

	authLimiter := dep.limiter(dep.AuthRateLimitRPM, "auth")
	requireAuth := middleware.AuthMiddleware(dep.JWTManager)

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{}
		ready := true
		for _, c := range dep.ReadyChecks {
			if err := c.Check(r.Context()); err != nil {
				checks[c.Name] = err.Error()
				ready = false
				continue
			}
			checks[c.Name] = "ok"
		}
		if !ready {
			response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": checks})
			return
		}
		response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(authLimiter).Post("/register", dep.AuthHandler.Register)
			r.With(authLimiter).Post("/login", dep.AuthHandler.Login)
			r.With(authLimiter).Post("/verify-email", dep.AuthHandler.VerifyEmail)
			r.With(authLimiter).Post("/password/forgot", dep.AuthHandler.ForgotPassword)
			r.With(authLimiter).Post("/password/reset", dep.AuthHandler.ResetPassword)
			r.Group(func(r chi.Router) {
				r.Use(middleware.CSRFMiddleware)
				r.With(authLimiter).Post("/refresh", dep.AuthHandler.Refresh)
				r.With(requireAuth).Post("/logout", dep.AuthHandler.Logout)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Get("/me", dep.UserHandler.Me)
			r.Get("/me/sessions", dep.UserHandler.Sessions)
			r.Group(func(r chi.Router) {
				r.Use(middleware.CSRFMiddleware)
				r.Delete("/me/sessions/{session_id}", dep.UserHandler.RevokeSession)
				r.Post("/me/sessions/revoke-others", dep.UserHandler.RevokeOtherSessions)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAuth)
			r.Use(middleware.RequireRole("admin"))
			r.Get("/audit", dep.AuditHandler.Query)
			r.Get("/audit/{id}", dep.AuditHandler.Get)
			r.With(middleware.CSRFMiddleware).Post("/audit/cleanup", dep.AuditHandler.Cleanup)
		})
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
