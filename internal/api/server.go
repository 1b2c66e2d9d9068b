// Package api wires the HTTP surface: OAuth/OIDC endpoints, self-service
// flows, session management, the authorization API and tenant admin.
package api

import (
	"log/slog"
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	customMiddleware "github.com/meridianauth/meridian/internal/api/middleware"
	"github.com/meridianauth/meridian/internal/auth"
	"github.com/meridianauth/meridian/internal/flow"
	"github.com/meridianauth/meridian/internal/oauth"
	"github.com/meridianauth/meridian/internal/policy"
	"github.com/meridianauth/meridian/internal/tenant"
	"github.com/meridianauth/meridian/internal/token"
)

// Deps are the services the HTTP layer dispatches into.
type Deps struct {
	Router     *tenant.Router
	Tokens     *token.Service
	OAuth      *oauth.Service
	Flows      *flow.Service
	Auth       *auth.Service
	Sessions   *auth.SessionService
	Reg        *auth.RegistrationService
	Onboarding *auth.OnboardingService
	Engine     *policy.Engine
	Logger     *slog.Logger

	AllowedOrigins []string
	RateRPS        rate.Limit
	RateBurst      int
}

type Server struct {
	Router *chi.Mux
	Logger *slog.Logger
}

func NewServer(d Deps) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// Sentry before recovery so repanicked panics reach it.
	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
	r.Use(sentryHandler.Handle)

	r.Use(customMiddleware.RequestLogger)
	r.Use(customMiddleware.PanicRecovery)

	rps := d.RateRPS
	if rps == 0 {
		rps = 5
	}
	burst := d.RateBurst
	if burst == 0 {
		burst = 10
	}
	limiter := customMiddleware.NewIPRateLimiter(rps, burst)
	r.Use(limiter.Middleware)
	r.Use(customMiddleware.CORS(d.AllowedOrigins))
	r.Use(customMiddleware.TenantContext)

	requireAuth := customMiddleware.Auth(d.Tokens)

	oauthHandler := NewOAuthHandler(d.OAuth)
	flowHandler := NewFlowHandler(d.Flows, d.Auth)
	sessionHandler := NewSessionHandler(d.Auth, d.Sessions)
	authzHandler := NewAuthzHandler(d.Engine)
	adminHandler := NewAdminHandler(d.Onboarding, d.Reg, d.OAuth, d.Router)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	// OIDC discovery and the authorization server.
	r.Get("/.well-known/openid-configuration", oauthHandler.Discovery)
	r.Get("/.well-known/jwks.json", oauthHandler.JWKS)
	r.Get("/authorize", oauthHandler.Authorize)
	r.Post("/oauth/token", oauthHandler.Token)
	r.Post("/oauth/revoke", oauthHandler.Revoke)
	r.Post("/oauth/introspect", oauthHandler.Introspect)
	r.Get("/userinfo", oauthHandler.UserInfo)
	r.Post("/userinfo", oauthHandler.UserInfo)

	// Self-service flows.
	r.Route("/self-service", func(r chi.Router) {
		r.Get("/login/browser", flowHandler.CreateLoginFlow(flow.DeliveryBrowser))
		r.Get("/login/api", flowHandler.CreateLoginFlow(flow.DeliveryAPI))
		r.Get("/login", flowHandler.GetFlow(flow.TypeLogin))
		r.Post("/login", flowHandler.SubmitLogin)

		r.Get("/registration/browser", flowHandler.CreateRegistrationFlow(flow.DeliveryBrowser))
		r.Get("/registration/api", flowHandler.CreateRegistrationFlow(flow.DeliveryAPI))
		r.Get("/registration", flowHandler.GetFlow(flow.TypeRegistration))
		r.Post("/registration", flowHandler.SubmitRegistration)

		r.Post("/mfa/enroll", flowHandler.BeginEnrollment)
		r.Post("/mfa/enroll/complete", flowHandler.CompleteEnrollment)
		r.Post("/mfa/skip", flowHandler.SkipEnrollment)
	})

	// Session cookie introspection for tenant apps.
	r.Get("/sessions/whoami", sessionHandler.WhoAmI)

	// Relationship-based access control.
	r.Route("/api/authz", func(r chi.Router) {
		r.Use(requireAuth)

		r.Post("/check", authzHandler.Check)
		r.Get("/expand/{tenant_id}/{namespace}/{object_id}/{relation}", authzHandler.Expand)
		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.RequireRole(customMiddleware.RoleAdmin))
			r.Post("/tuples", authzHandler.WriteTuple)
			r.Delete("/tuples", authzHandler.DeleteTuple)
			r.Put("/model", authzHandler.PutModel)
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Direct (non-flow) authentication.
		r.Post("/auth/login", sessionHandler.Login)
		r.Post("/auth/mfa/verify", sessionHandler.VerifyMFA)
		r.Post("/auth/refresh", sessionHandler.Refresh)
		r.Post("/auth/logout", sessionHandler.Logout)

		r.Get("/tenants/{slug}", adminHandler.GetTenantBySlug)
		r.Post("/invitations/accept", adminHandler.AcceptInvitation)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)

			r.Get("/auth/sessions", sessionHandler.ListSessions)
			r.Delete("/auth/sessions", sessionHandler.RevokeAllSessions)
			r.Delete("/auth/sessions/{id}", sessionHandler.RevokeSession)

			// Tenant administration.
			r.Route("/admin", func(r chi.Router) {
				r.Group(func(r chi.Router) {
					r.Use(customMiddleware.RequirePlatformAdmin)
					r.Post("/tenants", adminHandler.CreateTenant)
					r.Put("/tenants/{id}/status", adminHandler.SetStatus)
					r.Put("/tenants/{id}/database", adminHandler.UpdateDatabase)
				})
				r.Group(func(r chi.Router) {
					r.Use(customMiddleware.RequireRole(customMiddleware.RoleAdmin))
					r.Put("/tenants/{id}/security", adminHandler.UpdateSecurity)
					r.Post("/invitations", adminHandler.InviteUser)
					r.Post("/applications", adminHandler.CreateApplication)
					r.Get("/applications", adminHandler.ListApplications)
					r.Delete("/applications/{client_id}", adminHandler.DeactivateApplication)
					r.Delete("/users/{id}", adminHandler.DeactivateUser)
				})
			})
		})
	})

	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{Router: r, Logger: log}
}
