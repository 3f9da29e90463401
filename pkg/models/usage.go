package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageEvent is one immutable billing fact. Events are append-only; the sum
// of tokens over a rolling window per user drives quota admission.
type UsageEvent struct {
	ID         uuid.UUID `db:"id"          json:"id"`
	UserID     uuid.UUID `db:"user_id"     json:"user_id"`
	ModuleKey  string    `db:"module_key"  json:"module_key"`
	Tokens     int64     `db:"tokens"      json:"tokens"`
	Units      int64     `db:"units"       json:"units"`
	OccurredAt time.Time `db:"occurred_at" json:"occurred_at"`
}

// UsageGroup is an admin-managed quota tier. TokenBudget bounds the
// trailing-7-day token sum across all modules; nil means unlimited.
type UsageGroup struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	Name        string    `db:"name"         json:"name"`
	TokenBudget *int64    `db:"token_budget" json:"token_budget,omitempty"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"   json:"updated_at"`
}

// GroupLimit caps lifetime units for one module within a usage group.
// A nil cap means the module is uncapped for that group.
type GroupLimit struct {
	GroupID   uuid.UUID `db:"group_id"   json:"group_id"`
	ModuleKey string    `db:"module_key" json:"module_key"`
	UnitCap   *int64    `db:"unit_cap"   json:"unit_cap,omitempty"`
}

// UsageSnapshot is a point-in-time view of a user's consumption against
// their limits, used by both the admission check and the admin dashboard.
type UsageSnapshot struct {
	Tokens      int64  `json:"tokens"`
	Units       int64  `json:"units"`
	TokenBudget *int64 `json:"token_budget,omitempty"`
	UnitCap     *int64 `json:"unit_cap,omitempty"`
}
