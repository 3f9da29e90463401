package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BZM2000/ai-toolkit/internal/cache"
	"github.com/BZM2000/ai-toolkit/internal/quota"
	"github.com/BZM2000/ai-toolkit/internal/retry"
	"github.com/BZM2000/ai-toolkit/internal/store/storetest"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

// scriptedRunner lets each test control planning, item execution, and
// finalization.
type scriptedRunner struct {
	plan *Plan
	run  func(ic ItemContext) (*ItemResult, error)
	fin  func(fc FinalizeContext) (*FinalizeResult, error)
}

func (r *scriptedRunner) Plan(context.Context, *models.Job) (*Plan, error) {
	return r.plan, nil
}

func (r *scriptedRunner) RunItem(_ context.Context, ic ItemContext) (*ItemResult, error) {
	if r.run != nil {
		return r.run(ic)
	}
	return &ItemResult{Output: "out-" + ic.Item.Label, Tokens: 100}, nil
}

func (r *scriptedRunner) Finalize(_ context.Context, fc FinalizeContext) (*FinalizeResult, error) {
	if r.fin != nil {
		return r.fin(fc)
	}
	return &FinalizeResult{OutputPath: "jobs/out.zip"}, nil
}

func singleRoundPlan(n int, units int64) *Plan {
	p := &Plan{Units: units, EstimatedTokens: 100}
	for i := 0; i < n; i++ {
		p.Items = append(p.Items, ItemSpec{Round: 1, Ordinal: i, Label: fmt.Sprintf("doc-%d", i)})
	}
	return p
}

func newTestEngine(t *testing.T, modules ...*Module) (*Engine, *storetest.FakeStore) {
	t.Helper()
	fs := storetest.New()
	registry, err := NewRegistry(modules...)
	require.NoError(t, err)
	e := New(registry, fs, cache.NewMemoryCache(), quota.NewRecorder(fs))
	return e, fs
}

func waitTerminal(t *testing.T, fs *storetest.FakeStore, jobID uuid.UUID) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		j, err := fs.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return models.TerminalStatus(j.Status)
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func testModule(runner Runner) *Module {
	return &Module{
		Key:            "summarizer",
		Label:          "Summarizer",
		UnitLabel:      "documents",
		AttemptCap:     3,
		ConcurrencyCap: 5,
		RetryDelay:     retry.None(),
		Threshold:      AllMustSucceed(),
		Runner:         runner,
	}
}

func TestSubmitUnknownModule(t *testing.T) {
	e, _ := newTestEngine(t, testModule(&scriptedRunner{plan: singleRoundPlan(1, 1)}))
	_, err := e.Submit(context.Background(), uuid.New(), "nonexistent", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownModule)
}

func TestSubmitQuotaRejection(t *testing.T) {
	runner := &scriptedRunner{plan: singleRoundPlan(1, 1)}
	e, fs := newTestEngine(t, testModule(runner))

	budget := int64(1000)
	groupID := uuid.New()
	userID := uuid.New()
	fs.AddGroup(&models.UsageGroup{ID: groupID, Name: "limited", TokenBudget: &budget}, nil)
	fs.AddUser(&models.User{ID: userID, Username: "capped", UsageGroupID: groupID})

	require.NoError(t, fs.InsertUsageEvent(context.Background(), &models.UsageEvent{
		ID: uuid.New(), UserID: userID, ModuleKey: "translator",
		Tokens: 950, OccurredAt: time.Now().UTC(),
	}))

	// Plan estimates 100 tokens; 950 + 100 > 1000.
	_, err := e.Submit(context.Background(), userID, "summarizer", json.RawMessage(`{}`))
	var admErr *quota.AdmissionError
	require.ErrorAs(t, err, &admErr)
	assert.Equal(t, quota.KindTokensExceeded, admErr.Kind)
}

func TestJobCompletesAllItems(t *testing.T) {
	runner := &scriptedRunner{plan: singleRoundPlan(3, 3)}
	e, fs := newTestEngine(t, testModule(runner))
	userID := uuid.New()

	job, err := e.Submit(context.Background(), userID, "summarizer", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)

	final := waitTerminal(t, fs, job.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	require.NotNil(t, final.OutputPath)
	assert.Equal(t, "jobs/out.zip", *final.OutputPath)
	assert.Equal(t, int64(300), final.UsageTokens)
	assert.Equal(t, int64(3), final.UsageUnits)

	items, err := fs.ListJobItems(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, it := range items {
		assert.Equal(t, models.JobStatusCompleted, it.Status)
		assert.Equal(t, 1, it.AttemptCount)
		assert.Equal(t, int64(100), it.Tokens)
	}

	// Three per-item token events plus one unit event at completion.
	events := fs.Events()
	var tokenEvents, unitEvents int
	for _, ev := range events {
		if ev.Tokens > 0 {
			tokenEvents++
		}
		if ev.Units > 0 {
			unitEvents++
		}
	}
	assert.Equal(t, 3, tokenEvents)
	assert.Equal(t, 1, unitEvents)
}

func TestItemRecoversWithinAttemptCap(t *testing.T) {
	var calls atomic.Int64
	runner := &scriptedRunner{
		plan: singleRoundPlan(1, 1),
		run: func(ic ItemContext) (*ItemResult, error) {
			if calls.Add(1) <= 2 {
				return nil, errors.New("provider timeout")
			}
			return &ItemResult{Output: "ok", Tokens: 50}, nil
		},
	}
	e, fs := newTestEngine(t, testModule(runner))

	job, err := e.Submit(context.Background(), uuid.New(), "summarizer", json.RawMessage(`{}`))
	require.NoError(t, err)

	final := waitTerminal(t, fs, job.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)

	items, err := fs.ListJobItems(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.JobStatusCompleted, items[0].Status)
	assert.Equal(t, 3, items[0].AttemptCount)
}

func TestItemExhaustsAttempts(t *testing.T) {
	runner := &scriptedRunner{
		plan: singleRoundPlan(3, 3),
		run: func(ic ItemContext) (*ItemResult, error) {
			if ic.Item.Ordinal == 1 {
				return nil, errors.New("provider rejected input")
			}
			return &ItemResult{Output: "ok", Tokens: 100}, nil
		},
	}
	e, fs := newTestEngine(t, testModule(runner))

	job, err := e.Submit(context.Background(), uuid.New(), "summarizer", json.RawMessage(`{}`))
	require.NoError(t, err)

	final := waitTerminal(t, fs, job.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "1 of 3 items failed")
	// Tokens from the successful items still roll up.
	assert.Equal(t, int64(200), final.UsageTokens)
	// No units charged on failure.
	assert.Equal(t, int64(0), final.UsageUnits)

	items, err := fs.ListJobItems(context.Background(), job.ID)
	require.NoError(t, err)
	var failedItem *models.JobItem
	for _, it := range items {
		if it.Ordinal == 1 {
			failedItem = it
		}
	}
	require.NotNil(t, failedItem)
	assert.Equal(t, models.JobStatusFailed, failedItem.Status)
	assert.Equal(t, 3, failedItem.AttemptCount)
	require.NotNil(t, failedItem.ErrorMessage)
	assert.Contains(t, *failedItem.ErrorMessage, "provider rejected input")
}

func TestThresholdToleratesFailures(t *testing.T) {
	runner := &scriptedRunner{
		plan: singleRoundPlan(12, 1),
		run: func(ic ItemContext) (*ItemResult, error) {
			if ic.Item.Ordinal < 4 {
				return nil, errors.New("malformed grading output")
			}
			return &ItemResult{Output: "85", Tokens: 10}, nil
		},
	}
	module := testModule(runner)
	module.Key = "grader"
	module.AttemptCap = 2
	module.Threshold = AtLeast(8)
	e, fs := newTestEngine(t, module)

	job, err := e.Submit(context.Background(), uuid.New(), "grader", json.RawMessage(`{}`))
	require.NoError(t, err)

	final := waitTerminal(t, fs, job.ID)
	// 8 of 12 succeeded, which meets the threshold.
	assert.Equal(t, models.JobStatusCompleted, final.Status)
}

func TestRoundGateAbortsJob(t *testing.T) {
	runner := &scriptedRunner{
		plan: &Plan{
			Units: 1,
			Items: []ItemSpec{
				{Round: 1, Ordinal: 0, Label: "slot-0"},
				{Round: 1, Ordinal: 1, Label: "slot-1"},
				{Round: 2, Ordinal: 0, Label: "meta"},
			},
		},
		run: func(ic ItemContext) (*ItemResult, error) {
			if ic.Item.Round == 1 {
				return nil, errors.New("reviewer unavailable")
			}
			return &ItemResult{Output: "meta review", Tokens: 10}, nil
		},
	}
	module := testModule(runner)
	module.Key = "reviewer"
	module.AttemptCap = 1
	module.RoundGate = MinSuccessesInRound(1, 1)
	e, fs := newTestEngine(t, module)

	job, err := e.Submit(context.Background(), uuid.New(), "reviewer", json.RawMessage(`{}`))
	require.NoError(t, err)

	final := waitTerminal(t, fs, job.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "usable results")

	// The round-2 item was never attempted but still ends terminal.
	items, err := fs.ListJobItems(context.Background(), job.ID)
	require.NoError(t, err)
	for _, it := range items {
		assert.True(t, models.TerminalStatus(it.Status), "item %s not terminal", it.Label)
		if it.Round == 2 {
			assert.Equal(t, models.JobStatusFailed, it.Status)
			assert.Equal(t, 0, it.AttemptCount)
		}
	}
}

func TestLaterRoundsSeePriorOutputs(t *testing.T) {
	var metaInput string
	runner := &scriptedRunner{
		plan: &Plan{
			Units: 1,
			Items: []ItemSpec{
				{Round: 1, Ordinal: 0, Label: "review-0"},
				{Round: 1, Ordinal: 1, Label: "review-1"},
				{Round: 2, Ordinal: 0, Label: "meta"},
			},
		},
		run: func(ic ItemContext) (*ItemResult, error) {
			if ic.Item.Round == 1 {
				return &ItemResult{Output: fmt.Sprintf("review %d", ic.Item.Ordinal), Tokens: 10}, nil
			}
			metaInput = ic.Prior[1][0] + " | " + ic.Prior[1][1]
			return &ItemResult{Output: "synthesis", Tokens: 10}, nil
		},
		fin: func(fc FinalizeContext) (*FinalizeResult, error) {
			if fc.Outputs[2][0] != "synthesis" {
				return nil, errors.New("missing round 2 output")
			}
			return &FinalizeResult{OutputPath: "jobs/review.md"}, nil
		},
	}
	module := testModule(runner)
	module.Key = "reviewer"
	e, fs := newTestEngine(t, module)

	job, err := e.Submit(context.Background(), uuid.New(), "reviewer", json.RawMessage(`{}`))
	require.NoError(t, err)

	final := waitTerminal(t, fs, job.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, "review 0 | review 1", metaInput)
}

func TestResolveDownloadGoneAfterPurge(t *testing.T) {
	runner := &scriptedRunner{plan: singleRoundPlan(1, 1)}
	e, fs := newTestEngine(t, testModule(runner))
	userID := uuid.New()

	job, err := e.Submit(context.Background(), userID, "summarizer", json.RawMessage(`{}`))
	require.NoError(t, err)
	waitTerminal(t, fs, job.ID)

	path, err := e.ResolveDownload(context.Background(), job.ID, userID, false)
	require.NoError(t, err)
	assert.Equal(t, "jobs/out.zip", path)

	require.NoError(t, fs.MarkJobPurged(context.Background(), job.ID))

	_, err = e.ResolveDownload(context.Background(), job.ID, userID, false)
	assert.ErrorIs(t, err, ErrGone)
}

func TestResolveDownloadScopedToOwner(t *testing.T) {
	runner := &scriptedRunner{plan: singleRoundPlan(1, 1)}
	e, fs := newTestEngine(t, testModule(runner))
	owner := uuid.New()

	job, err := e.Submit(context.Background(), owner, "summarizer", json.RawMessage(`{}`))
	require.NoError(t, err)
	waitTerminal(t, fs, job.ID)

	_, err = e.ResolveDownload(context.Background(), job.ID, uuid.New(), false)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = e.GetJob(context.Background(), job.ID, uuid.New(), false)
	assert.ErrorIs(t, err, ErrForbidden)

	// Admins see everything.
	_, err = e.ResolveDownload(context.Background(), job.ID, uuid.New(), true)
	assert.NoError(t, err)
}

// progressStore records every progress note the worker writes.
type progressStore struct {
	*storetest.FakeStore
	mu      sync.Mutex
	details []string
}

func (p *progressStore) UpdateJobDetail(ctx context.Context, id uuid.UUID, detail string) error {
	p.mu.Lock()
	p.details = append(p.details, detail)
	p.mu.Unlock()
	return p.FakeStore.UpdateJobDetail(ctx, id, detail)
}

func TestJobProgressDetailUpdates(t *testing.T) {
	plan := &Plan{Units: 1, EstimatedTokens: 100}
	plan.Items = append(plan.Items,
		ItemSpec{Round: 1, Ordinal: 0, Label: "a"},
		ItemSpec{Round: 1, Ordinal: 1, Label: "b"},
		ItemSpec{Round: 2, Ordinal: 0, Label: "c"},
	)

	module := testModule(&scriptedRunner{plan: plan})
	module.ConcurrencyCap = 1
	registry, err := NewRegistry(module)
	require.NoError(t, err)

	ps := &progressStore{FakeStore: storetest.New()}
	e := New(registry, ps, cache.NewMemoryCache(), quota.NewRecorder(ps))

	job, err := e.Submit(context.Background(), uuid.New(), "summarizer", json.RawMessage(`{}`))
	require.NoError(t, err)
	waitTerminal(t, ps.FakeStore, job.ID)

	ps.mu.Lock()
	got := append([]string(nil), ps.details...)
	ps.mu.Unlock()
	assert.Equal(t, []string{
		"round 1 of 2 running",
		"1/3 items processed",
		"2/3 items processed",
		"round 2 of 2 running",
		"3/3 items processed",
	}, got)
}
