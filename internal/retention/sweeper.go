// Package retention removes job artifacts after the retention window and
// prunes aged history rows.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/BZM2000/ai-toolkit/internal/storage"
	"github.com/BZM2000/ai-toolkit/internal/store"
)

// Sweeper periodically purges files from terminal jobs older than MaxAge.
// Database rows survive a purge; only files and their stored paths go.
type Sweeper struct {
	store    store.Store
	storage  *storage.Manager
	interval time.Duration
	maxAge   time.Duration
}

func NewSweeper(st store.Store, sm *storage.Manager, interval, maxAge time.Duration) *Sweeper {
	return &Sweeper{store: st, storage: sm, interval: interval, maxAge: maxAge}
}

// Run sweeps once immediately, then on every interval tick until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep purges one batch of expired jobs. Every step is idempotent: a crash
// between file removal and the database update just means the next sweep
// removes an already-missing directory, which counts as success.
func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.maxAge)

	jobs, err := s.store.ListPurgeableJobs(ctx, cutoff)
	if err != nil {
		slog.Error("listing purgeable jobs failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	purged := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		// A real I/O failure leaves the job for the next sweep; marking it
		// purged now would strand files on disk with no record of them.
		if err := s.storage.RemoveJobDir(job.ID); err != nil {
			slog.Warn("removing job dir failed, skipping job",
				"error", err, "job_id", job.ID, "module", job.ModuleKey)
			continue
		}
		if err := s.store.MarkJobPurged(ctx, job.ID); err != nil {
			slog.Error("marking job purged failed", "error", err, "job_id", job.ID)
			continue
		}
		purged++
	}

	pruned, err := s.store.PruneHistory(ctx, cutoff)
	if err != nil {
		slog.Error("pruning history failed", "error", err)
	}

	slog.Info("retention sweep finished",
		"candidates", len(jobs), "purged", purged, "history_pruned", pruned)
}

// SweepOnce runs a single sweep outside the loop, used by tests and by the
// admin trigger endpoint.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	s.sweep(ctx)
}
