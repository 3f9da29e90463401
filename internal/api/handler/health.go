package handler

import (
	"net/http"

	"github.com/BZM2000/ai-toolkit/internal/api/response"
	"github.com/BZM2000/ai-toolkit/internal/cache"
	"github.com/BZM2000/ai-toolkit/internal/store"
)

// NewHealthHandler returns the handler for GET /healthz. It pings both
// Postgres and Redis; either failing yields 503.
func NewHealthHandler(st store.Store, ca cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{
			"postgres": "ok",
			"redis":    "ok",
		}
		healthy := true

		if err := st.Ping(r.Context()); err != nil {
			status["postgres"] = "unreachable"
			healthy = false
		}
		if err := ca.Ping(r.Context()); err != nil {
			status["redis"] = "unreachable"
			healthy = false
		}

		if !healthy {
			response.Error(w, http.StatusServiceUnavailable, "UNHEALTHY",
				"One or more dependencies are unreachable", status)
			return
		}
		response.JSON(w, status)
	}
}
