// Package server exposes the control plane over JSON/HTTP.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/diycloud/usermgmt/internal/middleware"
	"github.com/diycloud/usermgmt/internal/telemetry"
)

// RouterOptions controls the construction of the API router.
// Every service is required; Metrics, CORSOptions and Middleware are optional.
type RouterOptions struct {
	Identity    IdentityService
	Accounts    AccountService
	Resources   ResourceService
	Audit       AuditService
	Gate        Authorizer
	Logger      zerolog.Logger
	Metrics     *telemetry.ServerMetrics
	CORSOptions *cors.Options
	Middleware  []func(http.Handler) http.Handler
}

// DefaultCORSOptions returns the CORS policy for the given origins.
func DefaultCORSOptions(origins []string) cors.Options {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}
}

// NewRouter assembles a chi.Router with shared middleware, CORS policy,
// session authentication and the API handlers mounted.
func NewRouter(opts RouterOptions) chi.Router {
	errs := errorWriter{logger: opts.Logger}
	h := &Handlers{
		identity:  opts.Identity,
		accounts:  opts.Accounts,
		resources: opts.Resources,
		audit:     opts.Audit,
		gate:      opts.Gate,
		errs:      errs,
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(opts.Logger, opts.Metrics))
	r.Use(chimiddleware.Recoverer)

	corsCfg := DefaultCORSOptions(nil)
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))

	for _, mw := range opts.Middleware {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.Use(middleware.NewSessionAuthMiddleware(opts.Identity, middleware.WithErrorResponder(errs.write)))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Post("/auth/login", h.Login)
		r.Post("/auth/logout", h.Logout)

		r.Get("/users", h.ListAccounts)
		r.Post("/users", h.CreateAccount)
		r.Get("/users/{id}", h.GetAccount)
		r.Put("/users/{id}", h.UpdateAccount)
		r.Delete("/users/{id}", h.DeleteAccount)

		r.Get("/resources/{id}", h.GetQuota)
		r.Get("/resources/{id}/usage", h.GetUsage)
		r.Get("/system/resources", h.GetSystemResources)

		r.Get("/logs", h.GetAuditLog)
	})

	return r
}
