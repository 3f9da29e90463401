package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/BZM2000/ai-toolkit/internal/retry"
	"github.com/BZM2000/ai-toolkit/internal/store"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

// runJob drives one job from pending to a terminal status. It recovers from
// panics so a misbehaving runner can never leave a job stuck in processing.
func (e *Engine) runJob(module *Module, job *models.Job, items []*models.JobItem, units int64) {
	defer e.wg.Done()
	defer e.dropOutputs(job.ID)

	ctx := e.baseCtx

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in job worker", "error", r, "job_id", job.ID, "module", module.Key)
			_ = e.store.UpdateJobStatus(context.Background(), job.ID, models.JobStatusFailed,
				store.WithErrorMessage(fmt.Sprintf("internal error: %v", r)))
			_ = e.cache.SetJobStatus(context.Background(), job.ID, models.JobStatusFailed, statusMirrorTTL)
		}
	}()

	if err := e.store.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing); err != nil {
		slog.Error("claiming job failed", "error", err, "job_id", job.ID)
		return
	}
	_ = e.cache.SetJobStatus(ctx, job.ID, models.JobStatusProcessing, statusMirrorTTL)

	rounds := groupByRound(items)
	total := len(items)

	var totalTokens atomic.Int64
	var settled atomic.Int64
	var abortErr error

	for _, round := range rounds {
		if abortErr != nil || ctx.Err() != nil {
			e.skipRound(round.items, "not attempted: job aborted before this round")
			continue
		}

		if len(rounds) > 1 {
			e.noteProgress(ctx, job.ID, fmt.Sprintf("round %d of %d running", round.number, len(rounds)))
		}

		g := new(errgroup.Group)
		g.SetLimit(module.ConcurrencyCap)
		for _, item := range round.items {
			item := item
			g.Go(func() error {
				tokens, _ := e.runItem(ctx, module, job, item)
				totalTokens.Add(tokens)
				n := settled.Add(1)
				e.noteProgress(ctx, job.ID, fmt.Sprintf("%d/%d items processed", n, total))
				return nil
			})
		}
		_ = g.Wait()

		if module.RoundGate != nil {
			rs, rf := countOutcomes(round.items)
			if err := module.RoundGate(round.number, rs, rf); err != nil {
				abortErr = err
			}
		}
	}

	e.finishJob(ctx, module, job, items, totalTokens.Load(), units, abortErr)
}

// runItem retries one item up to the module's attempt cap. It returns the
// tokens consumed by the successful attempt and whether the item succeeded.
func (e *Engine) runItem(ctx context.Context, module *Module, job *models.Job, item *models.JobItem) (int64, bool) {
	var tokens int64
	var lastAttempt int

	err := retry.Do(ctx, module.AttemptCap, module.RetryDelay, func(ctx context.Context, attempt int) error {
		lastAttempt = attempt
		_ = e.store.UpdateItemStatus(ctx, item.ID, models.JobStatusProcessing,
			store.WithAttemptCount(attempt))

		res, err := module.Runner.RunItem(ctx, ItemContext{
			Job:     job,
			Item:    item,
			Attempt: attempt,
			Prior:   e.jobOutputs(job.ID),
		})
		if err != nil {
			slog.Warn("item attempt failed",
				"job_id", job.ID, "item", item.Label, "round", item.Round,
				"attempt", attempt, "error", err)
			return err
		}

		e.putOutput(job.ID, item.Round, item.Ordinal, res.Output)
		tokens = res.Tokens

		opts := []store.ItemUpdateOption{
			store.WithItemTokens(res.Tokens),
			store.WithAttemptCount(attempt),
		}
		if res.OutputPath != "" {
			opts = append(opts, store.WithItemOutputPath(res.OutputPath))
			path := res.OutputPath
			item.OutputPath = &path
		}
		if res.Detail != "" {
			opts = append(opts, store.WithItemDetail(res.Detail))
		}
		_ = e.store.UpdateItemStatus(ctx, item.ID, models.JobStatusCompleted, opts...)
		item.Status = models.JobStatusCompleted
		item.AttemptCount = attempt

		if res.Tokens > 0 {
			if err := e.recorder.Record(ctx, job.UserID, job.ModuleKey, res.Tokens, 0); err != nil {
				slog.Error("recording item usage failed", "error", err, "job_id", job.ID)
			}
		}
		return nil
	})
	if err != nil {
		_ = e.store.UpdateItemStatus(context.Background(), item.ID, models.JobStatusFailed,
			store.WithItemError(err.Error()),
			store.WithAttemptCount(lastAttempt))
		item.Status = models.JobStatusFailed
		item.AttemptCount = lastAttempt
		return 0, false
	}
	return tokens, true
}

// noteProgress overwrites the job's progress note. A job already pushed to a
// terminal status refuses the update, which is not worth surfacing.
func (e *Engine) noteProgress(ctx context.Context, jobID uuid.UUID, detail string) {
	if err := e.store.UpdateJobDetail(ctx, jobID, detail); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("updating job progress failed", "error", err, "job_id", jobID)
	}
}

func (e *Engine) skipRound(items []*models.JobItem, reason string) {
	for _, item := range items {
		_ = e.store.UpdateItemStatus(context.Background(), item.ID, models.JobStatusFailed,
			store.WithItemError(reason))
		item.Status = models.JobStatusFailed
	}
}

func countOutcomes(items []*models.JobItem) (succeeded, failed int) {
	for _, it := range items {
		switch it.Status {
		case models.JobStatusCompleted:
			succeeded++
		case models.JobStatusFailed:
			failed++
		}
	}
	return succeeded, failed
}

// finishJob computes the terminal status purely from item outcomes, runs
// Finalize on success, and rolls the usage totals onto the job row.
func (e *Engine) finishJob(ctx context.Context, module *Module, job *models.Job, items []*models.JobItem, totalTokens, units int64, abortErr error) {
	background := context.Background()
	succeeded, failed := countOutcomes(items)

	if abortErr != nil {
		_ = e.store.UpdateJobStatus(background, job.ID, models.JobStatusFailed,
			store.WithErrorMessage(abortErr.Error()),
			store.WithUsage(totalTokens, 0))
		_ = e.cache.SetJobStatus(background, job.ID, models.JobStatusFailed, statusMirrorTTL)
		slog.Info("job aborted", "job_id", job.ID, "module", module.Key, "error", abortErr)
		return
	}

	if !module.Threshold(items) {
		msg := fmt.Sprintf("%d of %d items failed", failed, succeeded+failed)
		_ = e.store.UpdateJobStatus(background, job.ID, models.JobStatusFailed,
			store.WithErrorMessage(msg),
			store.WithUsage(totalTokens, 0))
		_ = e.cache.SetJobStatus(background, job.ID, models.JobStatusFailed, statusMirrorTTL)
		slog.Info("job failed",
			"job_id", job.ID, "module", module.Key, "succeeded", succeeded, "failed", failed)
		return
	}

	fin, err := module.Runner.Finalize(ctx, FinalizeContext{
		Job:     job,
		Items:   items,
		Outputs: e.jobOutputs(job.ID),
	})
	if err != nil {
		_ = e.store.UpdateJobStatus(background, job.ID, models.JobStatusFailed,
			store.WithErrorMessage(fmt.Sprintf("assembling results: %v", err)),
			store.WithUsage(totalTokens, 0))
		_ = e.cache.SetJobStatus(background, job.ID, models.JobStatusFailed, statusMirrorTTL)
		slog.Error("finalize failed", "error", err, "job_id", job.ID, "module", module.Key)
		return
	}

	opts := []store.JobUpdateOption{store.WithUsage(totalTokens, units)}
	if fin.OutputPath != "" {
		opts = append(opts, store.WithOutputPath(fin.OutputPath))
	}
	if fin.Detail != "" {
		opts = append(opts, store.WithStatusDetail(fin.Detail))
	}
	_ = e.store.UpdateJobStatus(background, job.ID, models.JobStatusCompleted, opts...)
	_ = e.cache.SetJobStatus(background, job.ID, models.JobStatusCompleted, statusMirrorTTL)

	if units > 0 {
		if err := e.recorder.Record(background, job.UserID, job.ModuleKey, 0, units); err != nil {
			slog.Error("recording unit usage failed", "error", err, "job_id", job.ID)
		}
	}

	slog.Info("job completed",
		"job_id", job.ID, "module", module.Key,
		"succeeded", succeeded, "failed", failed, "tokens", totalTokens)
}

type roundGroup struct {
	number int
	items  []*models.JobItem
}

func groupByRound(items []*models.JobItem) []roundGroup {
	byRound := make(map[int][]*models.JobItem)
	for _, item := range items {
		byRound[item.Round] = append(byRound[item.Round], item)
	}
	numbers := make([]int, 0, len(byRound))
	for n := range byRound {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	groups := make([]roundGroup, 0, len(numbers))
	for _, n := range numbers {
		items := byRound[n]
		sort.Slice(items, func(i, j int) bool { return items[i].Ordinal < items[j].Ordinal })
		groups = append(groups, roundGroup{number: n, items: items})
	}
	return groups
}
