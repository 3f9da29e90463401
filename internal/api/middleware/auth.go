package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/BZM2000/ai-toolkit/internal/api/response"
	"github.com/BZM2000/ai-toolkit/internal/store"
)

// TokenPrefixLen is the number of leading characters of a session token
// stored in clear for lookup. The rest is only ever compared against the
// bcrypt hash.
const TokenPrefixLen = 8

// Auth authenticates requests against stored sessions.
type Auth struct {
	store store.Store
}

func NewAuth(s store.Store) *Auth {
	return &Auth{store: s}
}

// Authenticate validates the Bearer session token and sets the user id,
// admin flag, and session id in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if len(token) < TokenPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid session token format", nil)
			return
		}

		prefix := token[:TokenPrefixLen]

		sessions, err := a.store.GetSessionsByPrefix(r.Context(), prefix)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate session token", nil)
			return
		}

		now := time.Now().UTC()
		var matched bool
		for _, sess := range sessions {
			if sess.ExpiresAt.Before(now) {
				continue
			}
			if bcrypt.CompareHashAndPassword([]byte(sess.TokenHash), []byte(token)) != nil {
				continue
			}

			user, err := a.store.GetUserByID(r.Context(), sess.UserID)
			if err != nil {
				break
			}

			ctx := r.Context()
			ctx = SetUser(ctx, user.ID, user.IsAdmin)
			ctx = SetSessionID(ctx, sess.ID)
			ctx = setTokenPrefix(ctx, prefix)
			r = r.WithContext(ctx)
			matched = true

			// Update last_used_at async
			go a.store.TouchSession(context.Background(), sess.ID)
			break
		}

		if !matched {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid or expired session token", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects requests from non-admin users.
func (a *Auth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdmin(r) {
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Administrator access required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
