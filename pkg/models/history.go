package models

import (
	"time"

	"github.com/google/uuid"
)

// HistoryEntry is a denormalized pointer created once per job at submission.
// It stores no status; recent-jobs queries join it against the live jobs
// table by job_key so the view can never go stale.
type HistoryEntry struct {
	ID        int64     `db:"id"         json:"-"`
	UserID    uuid.UUID `db:"user_id"    json:"user_id"`
	ModuleKey string    `db:"module_key" json:"module_key"`
	JobKey    string    `db:"job_key"    json:"job_key"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`

	// Hydrated from the jobs table on fetch.
	Status       *string    `db:"-" json:"status,omitempty"`
	StatusDetail *string    `db:"-" json:"status_detail,omitempty"`
	UpdatedAt    *time.Time `db:"-" json:"updated_at,omitempty"`
	FilesPurged  bool       `db:"-" json:"files_purged"`
}
