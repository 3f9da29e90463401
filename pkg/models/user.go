package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an account resolved from a session token. Authentication mechanics
// live in the HTTP layer; the engine only cares about the id, the admin flag,
// and the usage group driving quota admission.
type User struct {
	ID           uuid.UUID `db:"id"             json:"id"`
	Username     string    `db:"username"       json:"username"`
	PasswordHash string    `db:"password_hash"  json:"-"`
	IsAdmin      bool      `db:"is_admin"       json:"is_admin"`
	UsageGroupID uuid.UUID `db:"usage_group_id" json:"usage_group_id"`
	CreatedAt    time.Time `db:"created_at"     json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"     json:"updated_at"`
}

// Session is an opaque bearer token. Only a bcrypt hash is stored; lookup is
// by prefix, then hash comparison against the presented token.
type Session struct {
	ID          uuid.UUID  `db:"id"           json:"id"`
	UserID      uuid.UUID  `db:"user_id"      json:"user_id"`
	TokenHash   string     `db:"token_hash"   json:"-"`
	TokenPrefix string     `db:"token_prefix" json:"token_prefix"`
	ExpiresAt   time.Time  `db:"expires_at"   json:"expires_at"`
	LastUsedAt  *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
}

// ModuleConfig holds the admin-editable model and prompt selection for one
// tool module, read at job-build time.
type ModuleConfig struct {
	ModuleKey string    `db:"module_key" json:"module_key"`
	Models    []byte    `db:"models"     json:"models"`
	Prompts   []byte    `db:"prompts"    json:"prompts"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
