package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/BZM2000/ai-toolkit/internal/api/middleware"
	"github.com/BZM2000/ai-toolkit/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc
	LoginHandler  http.HandlerFunc
	LogoutHandler http.HandlerFunc

	SubmitHandler       http.HandlerFunc
	JobStatusHandler    http.HandlerFunc
	JobDownloadHandler  http.HandlerFunc
	ItemDownloadHandler http.HandlerFunc
	HistoryHandler      http.HandlerFunc
	ModulesHandler      http.HandlerFunc

	ModuleConfigGetHandler http.HandlerFunc
	ModuleConfigPutHandler http.HandlerFunc
	GroupLimitsGetHandler  http.HandlerFunc
	GroupLimitsPutHandler  http.HandlerFunc
	UsageReportHandler     http.HandlerFunc
	CreateUserHandler      http.HandlerFunc
	SweepHandler           http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public routes
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Post("/api/v1/auth/login", orNotImplemented(deps.LoginHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/auth/logout", orNotImplemented(deps.LogoutHandler))

		r.Post("/api/v1/jobs/{module}", orNotImplemented(deps.SubmitHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.JobStatusHandler))
		r.Get("/api/v1/jobs/{jobID}/download", orNotImplemented(deps.JobDownloadHandler))
		r.Get("/api/v1/jobs/{jobID}/items/{itemID}/download", orNotImplemented(deps.ItemDownloadHandler))

		r.Get("/api/v1/history", orNotImplemented(deps.HistoryHandler))
		r.Get("/api/v1/modules", orNotImplemented(deps.ModulesHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireAdmin)

			r.Get("/api/v1/admin/modules/{module}/config", orNotImplemented(deps.ModuleConfigGetHandler))
			r.Put("/api/v1/admin/modules/{module}/config", orNotImplemented(deps.ModuleConfigPutHandler))
			r.Get("/api/v1/admin/groups/{groupID}/limits", orNotImplemented(deps.GroupLimitsGetHandler))
			r.Put("/api/v1/admin/groups/{groupID}/limits", orNotImplemented(deps.GroupLimitsPutHandler))
			r.Get("/api/v1/admin/usage", orNotImplemented(deps.UsageReportHandler))
			r.Post("/api/v1/admin/users", orNotImplemented(deps.CreateUserHandler))
			r.Post("/api/v1/admin/retention/sweep", orNotImplemented(deps.SweepHandler))
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
