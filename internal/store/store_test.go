package store

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/BZM2000/ai-toolkit/pkg/models"
)

func setupTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("toolkit_test"),
		postgres.WithUsername("toolkit"),
		postgres.WithPassword("toolkit"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	_, thisFile, _, _ := runtime.Caller(0)
	migrationsDir := filepath.Join(filepath.Dir(thisFile), "..", "..", "migrations")
	require.NoError(t, RunMigrations(connStr, migrationsDir))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewPostgresStore(pool)
}

func createTestUser(t *testing.T, s *PostgresStore) *models.User {
	t.Helper()
	ctx := context.Background()

	group, err := s.GetUsageGroupByName(ctx, "default")
	require.NoError(t, err)

	now := time.Now().UTC()
	user := &models.User{
		ID:           uuid.New(),
		Username:     "user-" + uuid.NewString()[:8],
		PasswordHash: "x",
		UsageGroupID: group.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, s.CreateUser(ctx, user))
	return user
}

func submitTestJob(t *testing.T, s *PostgresStore, userID uuid.UUID, moduleKey string, itemCount int) *models.Job {
	t.Helper()
	ctx := context.Background()

	now := time.Now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		UserID:    userID,
		ModuleKey: moduleKey,
		Status:    models.JobStatusPending,
		Payload:   []byte(`{}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
	items := make([]*models.JobItem, 0, itemCount)
	for i := 0; i < itemCount; i++ {
		items = append(items, &models.JobItem{
			ID:        uuid.New(),
			JobID:     job.ID,
			Round:     1,
			Ordinal:   i,
			Label:     "doc",
			Status:    models.JobStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	require.NoError(t, s.SubmitJob(ctx, job, items, nil))
	return job
}

func TestSubmitJobAdmissionRejection(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)

	errRejected := errors.New("over budget")
	now := time.Now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		UserID:    user.ID,
		ModuleKey: "summarizer",
		Status:    models.JobStatusPending,
		Payload:   []byte(`{}`),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.SubmitJob(ctx, job, nil, func(models.UsageSnapshot) error {
		return errRejected
	})
	require.ErrorIs(t, err, errRejected)

	// Rejection rolls back everything, including the history row.
	_, err = s.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := s.FetchRecentJobs(ctx, user.ID, "", 50, 24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubmitJobAdmissionSeesCurrentUsage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)

	require.NoError(t, s.InsertUsageEvent(ctx, &models.UsageEvent{
		ID:         uuid.New(),
		UserID:     user.ID,
		ModuleKey:  "translator",
		Tokens:     1200,
		Units:      3,
		OccurredAt: time.Now().UTC(),
	}))

	var seen models.UsageSnapshot
	now := time.Now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		UserID:    user.ID,
		ModuleKey: "translator",
		Status:    models.JobStatusPending,
		Payload:   []byte(`{}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.SubmitJob(ctx, job, nil, func(snap models.UsageSnapshot) error {
		seen = snap
		return nil
	}))

	assert.Equal(t, int64(1200), seen.Tokens)
	assert.Equal(t, int64(3), seen.Units)
}

func TestJobStatusTransitions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)
	job := submitTestJob(t, s, user.ID, "summarizer", 1)

	// pending -> completed is not a legal edge.
	err := s.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted,
		WithUsage(500, 1), WithOutputPath("jobs/x/out.md")))

	// Terminal states are absorbing.
	err = s.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, int64(500), got.UsageTokens)
	assert.Equal(t, int64(1), got.UsageUnits)
	require.NotNil(t, got.OutputPath)
	assert.Equal(t, "jobs/x/out.md", *got.OutputPath)
}

func TestJobStatusUpdateNotFound(t *testing.T) {
	s := setupTestStore(t)
	err := s.UpdateJobStatus(context.Background(), uuid.New(), models.JobStatusProcessing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestItemUpdateAndListOrdering(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)
	job := submitTestJob(t, s, user.ID, "summarizer", 3)

	items, err := s.ListJobItems(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, it := range items {
		assert.Equal(t, i, it.Ordinal)
	}

	require.NoError(t, s.UpdateItemStatus(ctx, items[1].ID, models.JobStatusFailed,
		WithItemError("provider timeout"), WithAttemptCount(3)))

	got, err := s.GetJobItem(ctx, items[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "provider timeout", *got.ErrorMessage)
}

func TestUsageWindowExcludesOldEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)

	recent := &models.UsageEvent{
		ID: uuid.New(), UserID: user.ID, ModuleKey: "grader",
		Tokens: 100, Units: 1, OccurredAt: time.Now().UTC(),
	}
	stale := &models.UsageEvent{
		ID: uuid.New(), UserID: user.ID, ModuleKey: "grader",
		Tokens: 9999, Units: 5, OccurredAt: time.Now().UTC().Add(-8 * 24 * time.Hour),
	}
	require.NoError(t, s.InsertUsageEvent(ctx, recent))
	require.NoError(t, s.InsertUsageEvent(ctx, stale))

	snap, err := s.LoadUsageSnapshot(ctx, user.ID, "grader")
	require.NoError(t, err)

	// Token sum is windowed; the unit sum is lifetime.
	assert.Equal(t, int64(100), snap.Tokens)
	assert.Equal(t, int64(6), snap.Units)
}

func TestUsageEventClampsNegatives(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)

	require.NoError(t, s.InsertUsageEvent(ctx, &models.UsageEvent{
		ID: uuid.New(), UserID: user.ID, ModuleKey: "extractor",
		Tokens: -50, Units: -2, OccurredAt: time.Now().UTC(),
	}))

	snap, err := s.LoadUsageSnapshot(ctx, user.ID, "extractor")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Tokens)
	assert.Equal(t, int64(0), snap.Units)
}

func TestHistoryJoinsLiveStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)
	job := submitTestJob(t, s, user.ID, "summarizer", 1)

	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted))

	entries, err := s.FetchRecentJobs(ctx, user.ID, "summarizer", 10, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// The status comes from the jobs table, never from the history row.
	require.NotNil(t, entries[0].Status)
	assert.Equal(t, models.JobStatusCompleted, *entries[0].Status)
	assert.False(t, entries[0].FilesPurged)
}

func TestMarkJobPurgedIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)
	job := submitTestJob(t, s, user.ID, "summarizer", 2)

	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing))
	require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted,
		WithOutputPath("jobs/y/out.zip")))

	require.NoError(t, s.MarkJobPurged(ctx, job.ID))
	require.NoError(t, s.MarkJobPurged(ctx, job.ID)) // second call is a no-op

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Purged())
	assert.Nil(t, got.OutputPath)

	items, err := s.ListJobItems(ctx, job.ID)
	require.NoError(t, err)
	for _, it := range items {
		assert.Nil(t, it.OutputPath)
	}
}

func TestMarkJobPurgedSkipsInFlight(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)
	job := submitTestJob(t, s, user.ID, "summarizer", 1)

	require.NoError(t, s.MarkJobPurged(ctx, job.ID))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.Purged())
}

func TestListPurgeableJobs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)

	fresh := submitTestJob(t, s, user.ID, "summarizer", 1)
	require.NoError(t, s.UpdateJobStatus(ctx, fresh.ID, models.JobStatusProcessing))
	require.NoError(t, s.UpdateJobStatus(ctx, fresh.ID, models.JobStatusCompleted))

	pending := submitTestJob(t, s, user.ID, "summarizer", 1)
	_ = pending

	// Cutoff in the future: the completed job qualifies, the pending one never does.
	jobs, err := s.ListPurgeableJobs(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, fresh.ID, jobs[0].ID)

	// Cutoff in the past: nothing is old enough.
	jobs, err = s.ListPurgeableJobs(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestModuleConfigSeedAndUpsert(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureModuleConfig(ctx, "summarizer",
		[]byte(`{"summary":"openrouter/gpt-4o-mini"}`), []byte(`{}`)))
	// Seeding again must not clobber.
	require.NoError(t, s.EnsureModuleConfig(ctx, "summarizer",
		[]byte(`{"summary":"other"}`), []byte(`{}`)))

	cfg, err := s.GetModuleConfig(ctx, "summarizer")
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"openrouter/gpt-4o-mini"}`, string(cfg.Models))

	cfg.Models = []byte(`{"summary":"poe/claude"}`)
	require.NoError(t, s.UpsertModuleConfig(ctx, cfg))

	cfg, err = s.GetModuleConfig(ctx, "summarizer")
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"poe/claude"}`, string(cfg.Models))
}

func TestDuplicateUsername(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)

	dup := *user
	dup.ID = uuid.New()
	err := s.CreateUser(ctx, &dup)
	assert.ErrorIs(t, err, ErrDuplicateKey)
}
