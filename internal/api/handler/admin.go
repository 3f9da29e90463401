package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/BZM2000/ai-toolkit/internal/api/response"
	"github.com/BZM2000/ai-toolkit/internal/engine"
	"github.com/BZM2000/ai-toolkit/internal/retention"
	"github.com/BZM2000/ai-toolkit/internal/store"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

// NewModuleConfigGetHandler returns the handler for
// GET /api/v1/admin/modules/{module}/config.
func NewModuleConfigGetHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		moduleKey := chi.URLParam(r, "module")

		cfg, err := st.GetModuleConfig(r.Context(), moduleKey)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND",
					"No configuration for that module", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load module config", nil)
			return
		}

		response.JSON(w, map[string]any{
			"module_key": cfg.ModuleKey,
			"models":     json.RawMessage(cfg.Models),
			"prompts":    json.RawMessage(cfg.Prompts),
			"updated_at": cfg.UpdatedAt,
		})
	}
}

// NewModuleConfigPutHandler returns the handler for
// PUT /api/v1/admin/modules/{module}/config. The engine must know the
// module; config rows for unregistered keys would never be read.
func NewModuleConfigPutHandler(st store.Store, registry *engine.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		moduleKey := chi.URLParam(r, "module")
		if _, ok := registry.Get(moduleKey); !ok {
			response.Error(w, http.StatusNotFound, "UNKNOWN_MODULE", "No such tool module", nil)
			return
		}

		var req struct {
			Models  json.RawMessage `json:"models"`
			Prompts json.RawMessage `json:"prompts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if len(req.Models) == 0 || len(req.Prompts) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"models and prompts are required", nil)
			return
		}

		cfg := &models.ModuleConfig{
			ModuleKey: moduleKey,
			Models:    req.Models,
			Prompts:   req.Prompts,
		}
		if err := st.UpsertModuleConfig(r.Context(), cfg); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to store module config", nil)
			return
		}

		response.JSON(w, map[string]string{"module_key": moduleKey, "status": "updated"})
	}
}

// NewGroupLimitsGetHandler returns the handler for
// GET /api/v1/admin/groups/{groupID}/limits.
func NewGroupLimitsGetHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groupID, err := uuid.Parse(chi.URLParam(r, "groupID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid group id", nil)
			return
		}

		group, err := st.GetUsageGroup(r.Context(), groupID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND",
					"Usage group not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load usage group", nil)
			return
		}

		limits, err := st.ListGroupLimits(r.Context(), groupID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load group limits", nil)
			return
		}

		unitCaps := make(map[string]*int64, len(limits))
		for _, l := range limits {
			unitCaps[l.ModuleKey] = l.UnitCap
		}

		response.JSON(w, map[string]any{
			"group_id":     group.ID,
			"name":         group.Name,
			"token_budget": group.TokenBudget,
			"unit_caps":    unitCaps,
		})
	}
}

// NewGroupLimitsPutHandler returns the handler for
// PUT /api/v1/admin/groups/{groupID}/limits. Null means unlimited.
func NewGroupLimitsPutHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groupID, err := uuid.Parse(chi.URLParam(r, "groupID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid group id", nil)
			return
		}

		var req struct {
			TokenBudget *int64            `json:"token_budget"`
			UnitCaps    map[string]*int64 `json:"unit_caps"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.TokenBudget != nil && *req.TokenBudget < 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"token_budget must not be negative", nil)
			return
		}
		for key, c := range req.UnitCaps {
			if c != nil && *c < 0 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"unit cap for "+key+" must not be negative", nil)
				return
			}
		}

		if err := st.UpsertGroupLimits(r.Context(), groupID, req.TokenBudget, req.UnitCaps); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND",
					"Usage group not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to store group limits", nil)
			return
		}

		response.JSON(w, map[string]any{"group_id": groupID, "status": "updated"})
	}
}

type userUsage struct {
	UserID   uuid.UUID                       `json:"user_id"`
	Username string                          `json:"username"`
	Modules  map[string]models.UsageSnapshot `json:"modules"`
}

// NewUsageReportHandler returns the handler for GET /api/v1/admin/usage.
// With ?user_id= it reports one user, otherwise every user.
func NewUsageReportHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var users []*models.User

		if raw := r.URL.Query().Get("user_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid user id", nil)
				return
			}
			user, err := st.GetUserByID(r.Context(), id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND",
						"User not found", nil)
					return
				}
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Failed to load user", nil)
				return
			}
			users = []*models.User{user}
		} else {
			all, err := st.ListUsers(r.Context())
			if err != nil {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Failed to list users", nil)
				return
			}
			users = all
		}

		ids := make([]uuid.UUID, 0, len(users))
		for _, u := range users {
			ids = append(ids, u.ID)
		}

		usage, err := st.UsageForUsers(r.Context(), ids)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load usage", nil)
			return
		}

		report := make([]userUsage, 0, len(users))
		for _, u := range users {
			report = append(report, userUsage{
				UserID:   u.ID,
				Username: u.Username,
				Modules:  usage[u.ID],
			})
		}
		response.JSON(w, report)
	}
}

// NewCreateUserHandler returns the handler for POST /api/v1/admin/users.
func NewCreateUserHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
			IsAdmin  bool   `json:"is_admin"`
			Group    string `json:"group"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Username == "" || len(req.Password) < 8 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"username is required and password must be at least 8 characters", nil)
			return
		}
		if req.Group == "" {
			req.Group = "default"
		}

		group, err := st.GetUsageGroupByName(r.Context(), req.Group)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"Unknown usage group", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to resolve usage group", nil)
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to create user", nil)
			return
		}

		now := time.Now().UTC()
		user := &models.User{
			ID:           uuid.New(),
			Username:     req.Username,
			PasswordHash: string(hash),
			IsAdmin:      req.IsAdmin,
			UsageGroupID: group.ID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := st.CreateUser(r.Context(), user); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE_USERNAME",
					"That username is taken", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to create user", nil)
			return
		}

		response.Created(w, user)
	}
}

// NewSweepHandler returns the handler for POST /api/v1/admin/retention/sweep,
// an on-demand run of the retention sweep.
func NewSweepHandler(sweeper *retention.Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sweeper.SweepOnce(r.Context())
		response.JSON(w, map[string]string{"status": "swept"})
	}
}
