package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// TerminalStatus reports whether a job or item status is absorbing.
// Once terminal, only files_purged_at may change.
func TerminalStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// Job tracks one user submission through its lifecycle. The API returns a
// job_id on POST /api/v1/jobs/{module}; the client polls the status endpoint
// until the job reaches completed or failed. Rows are never deleted; the
// retention sweeper only purges output files.
type Job struct {
	ID            uuid.UUID  `db:"id"              json:"id"`
	UserID        uuid.UUID  `db:"user_id"         json:"user_id"`
	ModuleKey     string     `db:"module_key"      json:"module_key"`
	Status        string     `db:"status"          json:"status"`
	StatusDetail  string     `db:"status_detail"   json:"status_detail"`
	ErrorMessage  *string    `db:"error_message"   json:"error_message,omitempty"`
	Payload       []byte     `db:"payload"         json:"-"`
	OutputPath    *string    `db:"output_path"     json:"-"`
	UsageTokens   int64      `db:"usage_tokens"    json:"usage_tokens"`
	UsageUnits    int64      `db:"usage_units"     json:"usage_units"`
	FilesPurgedAt *time.Time `db:"files_purged_at" json:"files_purged_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at"      json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"      json:"updated_at"`
}

// Purged reports whether the job's output files have been deleted by the
// retention sweeper. Download requests against a purged job return Gone.
func (j *Job) Purged() bool {
	return j.FilesPurgedAt != nil
}

// JobItem is one independently processable sub-unit of a job: a document,
// a translation chunk, a scoring run, a reviewer slot. Items within a round
// run concurrently; rounds run in ascending order.
type JobItem struct {
	ID           uuid.UUID `db:"id"            json:"id"`
	JobID        uuid.UUID `db:"job_id"        json:"job_id"`
	Round        int       `db:"round"         json:"round"`
	Ordinal      int       `db:"ordinal"       json:"ordinal"`
	Label        string    `db:"label"         json:"label"`
	Status       string    `db:"status"        json:"status"`
	StatusDetail *string   `db:"status_detail" json:"status_detail,omitempty"`
	ErrorMessage *string   `db:"error_message" json:"error_message,omitempty"`
	AttemptCount int       `db:"attempt_count" json:"attempt_count"`
	OutputPath   *string   `db:"output_path"   json:"-"`
	Tokens       int64     `db:"tokens"        json:"tokens"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"    json:"updated_at"`
}
