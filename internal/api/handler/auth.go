package handler

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/BZM2000/ai-toolkit/internal/api/middleware"
	"github.com/BZM2000/ai-toolkit/internal/api/response"
	"github.com/BZM2000/ai-toolkit/internal/store"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

// NewLoginHandler returns the handler for POST /api/v1/auth/login. On
// success it mints an opaque session token; only its bcrypt hash and an
// 8-char lookup prefix are stored.
func NewLoginHandler(st store.Store, sessionTTL time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Username == "" || req.Password == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"username and password are required", nil)
			return
		}

		user, err := st.GetUserByUsername(r.Context(), req.Username)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusUnauthorized, "INVALID_CREDENTIALS",
					"Unknown username or wrong password", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to authenticate", nil)
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
			response.Error(w, http.StatusUnauthorized, "INVALID_CREDENTIALS",
				"Unknown username or wrong password", nil)
			return
		}

		token, err := NewSessionToken()
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to create session", nil)
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to create session", nil)
			return
		}

		now := time.Now().UTC()
		session := &models.Session{
			ID:          uuid.New(),
			UserID:      user.ID,
			TokenHash:   string(hash),
			TokenPrefix: token[:mw.TokenPrefixLen],
			ExpiresAt:   now.Add(sessionTTL),
			CreatedAt:   now,
		}
		if err := st.CreateSession(r.Context(), session); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to create session", nil)
			return
		}

		response.Created(w, map[string]any{
			"token":      token,
			"expires_at": session.ExpiresAt,
			"is_admin":   user.IsAdmin,
		})
	}
}

// NewLogoutHandler returns the handler for POST /api/v1/auth/logout. It
// deletes the session that authenticated the request.
func NewLogoutHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := mw.GetSessionID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing session", nil)
			return
		}
		if err := st.DeleteSession(r.Context(), sessionID); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to end session", nil)
			return
		}
		response.JSON(w, map[string]bool{"logged_out": true})
	}
}

// NewSessionToken returns a fresh opaque bearer token. The first
// TokenPrefixLen characters double as the database lookup key.
func NewSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
