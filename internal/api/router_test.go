package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/BZM2000/ai-toolkit/internal/api"
	mw "github.com/BZM2000/ai-toolkit/internal/api/middleware"
	"github.com/BZM2000/ai-toolkit/internal/cache"
	"github.com/BZM2000/ai-toolkit/internal/store/storetest"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

func newTestRouter(fs *storetest.FakeStore) http.Handler {
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(fs),
		RateLimit: mw.NewRateLimit(cache.NewMemoryCache(), 60),
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		},
	})
}

// seedToken returns a bearer token backed by a live session in the store.
func seedToken(t *testing.T, fs *storetest.FakeStore, isAdmin bool) string {
	t.Helper()
	token := "tk_" + uuid.NewString()
	userID := uuid.New()
	fs.AddUser(&models.User{ID: userID, Username: "u-" + token[:12], IsAdmin: isAdmin})

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, fs.CreateSession(context.Background(), &models.Session{
		ID:          uuid.New(),
		UserID:      userID,
		TokenHash:   string(hash),
		TokenPrefix: token[:mw.TokenPrefixLen],
		ExpiresAt:   time.Now().Add(time.Hour),
	}))
	return token
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	router := newTestRouter(storetest.New())

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_LoginEndpoint_Public(t *testing.T) {
	// No handler wired: public route should answer 501, not 401.
	router := newTestRouter(storetest.New())

	req := httptest.NewRequest("POST", "/api/v1/auth/login", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	router := newTestRouter(storetest.New())

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/jobs/summarizer"},
		{"GET", "/api/v1/jobs/" + uuid.NewString()},
		{"GET", "/api/v1/jobs/" + uuid.NewString() + "/download"},
		{"GET", "/api/v1/history"},
		{"GET", "/api/v1/modules"},
		{"POST", "/api/v1/auth/logout"},
		{"GET", "/api/v1/admin/usage"},
		{"POST", "/api/v1/admin/users"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "INVALID_TOKEN", errObj["code"])
		})
	}
}

func TestRouter_AdminEndpoints_RequireAdmin(t *testing.T) {
	fs := storetest.New()
	token := seedToken(t, fs, false)
	router := newTestRouter(fs)

	endpoints := []struct {
		method string
		path   string
	}{
		{"GET", "/api/v1/admin/modules/summarizer/config"},
		{"PUT", "/api/v1/admin/groups/" + uuid.NewString() + "/limits"},
		{"GET", "/api/v1/admin/usage"},
		{"POST", "/api/v1/admin/retention/sweep"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			req.Header.Set("Authorization", "Bearer "+token)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusForbidden, w.Code)
		})
	}
}

func TestRouter_UnwiredProtectedEndpoint_501(t *testing.T) {
	fs := storetest.New()
	token := seedToken(t, fs, true)
	router := newTestRouter(fs)

	req := httptest.NewRequest("GET", "/api/v1/modules", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter(storetest.New())

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
