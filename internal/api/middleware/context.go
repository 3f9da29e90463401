package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	userIDKey      contextKey = "user_id"
	isAdminKey     contextKey = "is_admin"
	sessionIDKey   contextKey = "session_id"
	tokenPrefixKey contextKey = "token_prefix"
)

func SetUser(ctx context.Context, id uuid.UUID, isAdmin bool) context.Context {
	ctx = context.WithValue(ctx, userIDKey, id)
	return context.WithValue(ctx, isAdminKey, isAdmin)
}

func GetUserID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(userIDKey).(uuid.UUID)
	return id, ok
}

func IsAdmin(r *http.Request) bool {
	admin, _ := r.Context().Value(isAdminKey).(bool)
	return admin
}

func SetSessionID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

func GetSessionID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(sessionIDKey).(uuid.UUID)
	return id, ok
}

func setTokenPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, tokenPrefixKey, prefix)
}

func getTokenPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(tokenPrefixKey).(string)
	return prefix, ok
}
