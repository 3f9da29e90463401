package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BZM2000/ai-toolkit/internal/cache"
	"github.com/BZM2000/ai-toolkit/internal/quota"
	"github.com/BZM2000/ai-toolkit/internal/store"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

var (
	// ErrUnknownModule rejects a submission naming a module that is not
	// installed.
	ErrUnknownModule = errors.New("unknown module")
	// ErrGone marks a download whose artifacts the retention sweep removed.
	ErrGone = errors.New("job artifacts have been purged")
	// ErrForbidden marks access to another user's job by a non-admin.
	ErrForbidden = errors.New("job belongs to another user")
)

const statusMirrorTTL = 30 * time.Minute

// Engine accepts job submissions and drives them to a terminal status. One
// goroutine per job; items within a round run concurrently up to the
// module's cap.
type Engine struct {
	registry *Registry
	store    store.Store
	cache    cache.Cache
	recorder *quota.Recorder

	mu      sync.Mutex
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
	// outputs keeps per-job in-memory item outputs while the job runs.
	outputs map[uuid.UUID]map[int]map[int]string
}

func New(registry *Registry, st store.Store, ca cache.Cache, recorder *quota.Recorder) *Engine {
	baseCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		registry: registry,
		store:    st,
		cache:    ca,
		recorder: recorder,
		baseCtx:  baseCtx,
		stop:     stop,
		outputs:  make(map[uuid.UUID]map[int]map[int]string),
	}
}

func (e *Engine) Registry() *Registry { return e.registry }

// Submit admits and persists a new job, then dispatches it to a worker
// goroutine. The quota check runs inside the same transaction as the
// inserts; two submissions that pass concurrently are an accepted race.
func (e *Engine) Submit(ctx context.Context, userID uuid.UUID, moduleKey string, payload json.RawMessage) (*models.Job, error) {
	return e.SubmitWithID(ctx, uuid.New(), userID, moduleKey, payload)
}

// SubmitWithID accepts a caller-chosen job ID so uploads can be staged under
// the job's directory before the row exists.
func (e *Engine) SubmitWithID(ctx context.Context, jobID, userID uuid.UUID, moduleKey string, payload json.RawMessage) (*models.Job, error) {
	module, ok := e.registry.Get(moduleKey)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, moduleKey)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:        jobID,
		UserID:    userID,
		ModuleKey: moduleKey,
		Status:    models.JobStatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	plan, err := module.Runner.Plan(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("planning %s job: %w", moduleKey, err)
	}
	if len(plan.Items) == 0 {
		return nil, fmt.Errorf("planning %s job: no work items", moduleKey)
	}
	if plan.StatusDetail != "" {
		job.StatusDetail = plan.StatusDetail
	}

	items := make([]*models.JobItem, 0, len(plan.Items))
	for _, spec := range plan.Items {
		items = append(items, &models.JobItem{
			ID:        uuid.New(),
			JobID:     job.ID,
			Round:     spec.Round,
			Ordinal:   spec.Ordinal,
			Label:     spec.Label,
			Status:    models.JobStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	admit := quota.Admit(quota.Request{
		EstimatedTokens: plan.EstimatedTokens,
		Units:           plan.Units,
	})
	if err := e.store.SubmitJob(ctx, job, items, admit); err != nil {
		return nil, err
	}

	_ = e.cache.SetJobStatus(ctx, job.ID, models.JobStatusPending, statusMirrorTTL)

	e.wg.Add(1)
	go e.runJob(module, job, items, plan.Units)

	slog.Info("job submitted",
		"job_id", job.ID, "module", moduleKey, "user_id", userID, "items", len(items))
	return job, nil
}

// JobView is the polling response: the job row plus its items.
type JobView struct {
	Job   *models.Job
	Items []*models.JobItem
}

// GetJob returns a job with its items, scoped to the owning user. Admins
// pass allowAny.
func (e *Engine) GetJob(ctx context.Context, jobID, userID uuid.UUID, allowAny bool) (*JobView, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !allowAny && job.UserID != userID {
		return nil, ErrForbidden
	}
	items, err := e.store.ListJobItems(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobView{Job: job, Items: items}, nil
}

// QuickStatus reads the redis status mirror, falling back to Postgres on a
// miss. The database row stays authoritative.
func (e *Engine) QuickStatus(ctx context.Context, jobID uuid.UUID) (string, error) {
	if status, found, err := e.cache.GetJobStatus(ctx, jobID); err == nil && found {
		return status, nil
	}
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// ResolveDownload maps a job to its downloadable artifact path. Purged jobs
// return ErrGone: the files existed once and will not come back.
func (e *Engine) ResolveDownload(ctx context.Context, jobID, userID uuid.UUID, allowAny bool) (string, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if !allowAny && job.UserID != userID {
		return "", ErrForbidden
	}
	if job.Purged() {
		return "", ErrGone
	}
	if job.OutputPath == nil || *job.OutputPath == "" {
		return "", store.ErrNotFound
	}
	return *job.OutputPath, nil
}

// Shutdown stops accepting provider work and waits for in-flight jobs to
// settle or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) putOutput(jobID uuid.UUID, round, ordinal int, output string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	byRound := e.outputs[jobID]
	if byRound == nil {
		byRound = make(map[int]map[int]string)
		e.outputs[jobID] = byRound
	}
	if byRound[round] == nil {
		byRound[round] = make(map[int]string)
	}
	byRound[round][ordinal] = output
}

func (e *Engine) jobOutputs(jobID uuid.UUID) map[int]map[int]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outputs[jobID]
}

func (e *Engine) dropOutputs(jobID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.outputs, jobID)
}
