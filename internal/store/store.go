package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/BZM2000/ai-toolkit/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// AdmitFunc decides whether a submission may proceed given the user's current
// usage snapshot. It runs inside the submission transaction so that the
// admission check and the row creation commit or fail together. Returning an
// error aborts the transaction and leaves no rows behind.
type AdmitFunc func(models.UsageSnapshot) error

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// Users and sessions.
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)
	HasAdmin(ctx context.Context) (bool, error)
	CreateSession(ctx context.Context, session *models.Session) error
	GetSessionsByPrefix(ctx context.Context, prefix string) ([]*models.Session, error)
	TouchSession(ctx context.Context, id uuid.UUID) error
	DeleteSession(ctx context.Context, id uuid.UUID) error

	// Jobs and items. SubmitJob runs the quota admission check, the job and
	// item inserts, and the history upsert in one transaction.
	SubmitJob(ctx context.Context, job *models.Job, items []*models.JobItem, admit AdmitFunc) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobItems(ctx context.Context, jobID uuid.UUID) ([]*models.JobItem, error)
	GetJobItem(ctx context.Context, id uuid.UUID) (*models.JobItem, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	UpdateJobDetail(ctx context.Context, id uuid.UUID, detail string) error
	UpdateItemStatus(ctx context.Context, id uuid.UUID, status string, opts ...ItemUpdateOption) error

	// Usage ledger and quota configuration.
	InsertUsageEvent(ctx context.Context, event *models.UsageEvent) error
	LoadUsageSnapshot(ctx context.Context, userID uuid.UUID, moduleKey string) (models.UsageSnapshot, error)
	UsageForUsers(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]map[string]models.UsageSnapshot, error)
	GetUsageGroup(ctx context.Context, id uuid.UUID) (*models.UsageGroup, error)
	GetUsageGroupByName(ctx context.Context, name string) (*models.UsageGroup, error)
	ListGroupLimits(ctx context.Context, groupID uuid.UUID) ([]*models.GroupLimit, error)
	UpsertGroupLimits(ctx context.Context, groupID uuid.UUID, tokenBudget *int64, unitCaps map[string]*int64) error

	// History index.
	FetchRecentJobs(ctx context.Context, userID uuid.UUID, moduleFilter string, limit int, window time.Duration) ([]*models.HistoryEntry, error)
	PruneHistory(ctx context.Context, cutoff time.Time) (int64, error)

	// Retention.
	ListPurgeableJobs(ctx context.Context, cutoff time.Time) ([]*models.Job, error)
	MarkJobPurged(ctx context.Context, jobID uuid.UUID) error

	// Module configuration.
	GetModuleConfig(ctx context.Context, moduleKey string) (*models.ModuleConfig, error)
	UpsertModuleConfig(ctx context.Context, cfg *models.ModuleConfig) error
	EnsureModuleConfig(ctx context.Context, moduleKey string, modelsJSON, promptsJSON []byte) error
}

type JobUpdateParams struct {
	StatusDetail *string
	ErrorMessage *string
	OutputPath   *string
	UsageTokens  *int64
	UsageUnits   *int64
}

type JobUpdateOption func(*JobUpdateParams)

// ApplyJobOptions folds options into a params struct. Store implementations
// outside this package use it to interpret the options.
func ApplyJobOptions(opts []JobUpdateOption) *JobUpdateParams {
	p := &JobUpdateParams{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func WithStatusDetail(detail string) JobUpdateOption {
	return func(p *JobUpdateParams) {
		p.StatusDetail = &detail
	}
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithOutputPath(path string) JobUpdateOption {
	return func(p *JobUpdateParams) {
		p.OutputPath = &path
	}
}

func WithUsage(tokens, units int64) JobUpdateOption {
	return func(p *JobUpdateParams) {
		p.UsageTokens = &tokens
		p.UsageUnits = &units
	}
}

type ItemUpdateParams struct {
	StatusDetail *string
	ErrorMessage *string
	OutputPath   *string
	Tokens       *int64
	AttemptCount *int
}

type ItemUpdateOption func(*ItemUpdateParams)

// ApplyItemOptions folds options into a params struct.
func ApplyItemOptions(opts []ItemUpdateOption) *ItemUpdateParams {
	p := &ItemUpdateParams{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func WithItemDetail(detail string) ItemUpdateOption {
	return func(p *ItemUpdateParams) {
		p.StatusDetail = &detail
	}
}

func WithItemError(msg string) ItemUpdateOption {
	return func(p *ItemUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithItemOutputPath(path string) ItemUpdateOption {
	return func(p *ItemUpdateParams) {
		p.OutputPath = &path
	}
}

func WithItemTokens(tokens int64) ItemUpdateOption {
	return func(p *ItemUpdateParams) {
		p.Tokens = &tokens
	}
}

func WithAttemptCount(n int) ItemUpdateOption {
	return func(p *ItemUpdateParams) {
		p.AttemptCount = &n
	}
}
