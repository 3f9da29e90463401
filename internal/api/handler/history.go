package handler

import (
	"net/http"
	"strconv"
	"time"

	mw "github.com/BZM2000/ai-toolkit/internal/api/middleware"
	"github.com/BZM2000/ai-toolkit/internal/api/response"
	"github.com/BZM2000/ai-toolkit/internal/store"
)

const (
	historyWindow       = 24 * time.Hour
	historyDefaultLimit = 50
)

// NewHistoryHandler returns the handler for GET /api/v1/history.
// Optional query params: module (filter by module key), limit (1..50).
func NewHistoryHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		moduleFilter := r.URL.Query().Get("module")

		limit := historyDefaultLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"limit must be a positive integer", nil)
				return
			}
			limit = n
		}

		entries, err := st.FetchRecentJobs(r.Context(), userID, moduleFilter, limit, historyWindow)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load history", nil)
			return
		}

		response.JSON(w, entries)
	}
}
