package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/simconsole/internal/api/middleware"
	"github.com/kiranshivaraju/simconsole/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	Recovery  *mw.Recovery

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	ListJobTypes  http.HandlerFunc
	ListJobs      http.HandlerFunc
	SubmitJob     http.HandlerFunc
	RerunJob      http.HandlerFunc
	DeleteJob     http.HandlerFunc
	JobResult     http.HandlerFunc
	Notifications http.HandlerFunc
	Activity      http.HandlerFunc

	CreateKeyHandler  http.HandlerFunc
	ListKeysHandler   http.HandlerFunc
	RevokeKeyHandler  http.HandlerFunc
	CreateUserHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	recovery := deps.Recovery
	if recovery == nil {
		recovery = mw.NewRecovery(nil)
	}
	r.Use(mw.Logger)
	r.Use(recovery.Recover)

	// Public endpoints
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/jobtypes", orNotImplemented(deps.ListJobTypes))

		r.Route("/api/v1/jobs/{jobType}", func(r chi.Router) {
			r.Get("/", orNotImplemented(deps.ListJobs))
			r.Post("/", orNotImplemented(deps.SubmitJob))
			r.Delete("/{uid}", orNotImplemented(deps.DeleteJob))
			r.Post("/{uid}/run", orNotImplemented(deps.RerunJob))
			r.Get("/{uid}/result", orNotImplemented(deps.JobResult))
		})

		r.Get("/api/v1/notifications/{jobType}", orNotImplemented(deps.Notifications))
		r.Get("/api/v1/activity", orNotImplemented(deps.Activity))

		r.Post("/api/v1/keys", orNotImplemented(deps.CreateKeyHandler))
		r.Get("/api/v1/keys", orNotImplemented(deps.ListKeysHandler))
		r.Delete("/api/v1/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/users", orNotImplemented(deps.CreateUserHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
