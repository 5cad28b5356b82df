package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jo-hoe/bulkgen/internal/jobs"
)

const msgStuck = "stuck in verification"

// Reconciler closes a job once its batches have drained. It is the only place a job
// leaves the processing status.
type Reconciler struct {
	store           jobs.Store
	log             *slog.Logger
	conflictRetries int
	retries         int
	backoff         time.Duration
	now             func() time.Time
}

func NewReconciler(store jobs.Store, logger *slog.Logger, conflictRetries, retries int, backoff time.Duration) *Reconciler {
	return &Reconciler{
		store:           store,
		log:             logger,
		conflictRetries: conflictRetries,
		retries:         retries,
		backoff:         backoff,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile forces every non-terminal item to failed and marks the job completed.
func (r *Reconciler) Reconcile(ctx context.Context, jobID string) {
	r.settle(ctx, jobID, jobs.JobCompleted, msgStuck)
}

// Fail forces every non-terminal item to failed with reason and marks the job failed.
// Used when the orchestration itself broke down.
func (r *Reconciler) Fail(ctx context.Context, jobID, reason string) {
	r.settle(ctx, jobID, jobs.JobFailed, reason)
}

func (r *Reconciler) settle(ctx context.Context, jobID string, final jobs.JobStatus, itemMsg string) {
	log := r.log.With("job_id", jobID, "final_status", final)
	conflicts, failures := 0, 0
	for {
		job, err := r.fetch(ctx, jobID)
		if err != nil {
			log.Error("could not read job for reconciliation; forcing status", "err", err)
			r.fallback(ctx, log, jobID, final)
			return
		}
		if job.Status.Terminal() {
			log.Debug("job already terminal", "status", job.Status)
			return
		}

		now := r.now()
		forced := 0
		for i := range job.Items {
			it := &job.Items[i]
			if it.Status.Terminal() {
				continue
			}
			msg := itemMsg
			it.Status = jobs.ItemFailed
			it.Output = nil
			it.ErrorMessage = &msg
			it.FinishedAt = &now
			forced++
		}
		job.Status = final
		job.CompletedAt = &now

		err = r.store.UpdateJob(ctx, job)
		switch {
		case err == nil:
			log.Info("job settled",
				"total", job.TotalCount,
				"completed", job.CompletedCount,
				"failed", job.FailedCount,
				"forced", forced,
			)
			return
		case errors.Is(err, jobs.ErrVersionConflict):
			conflicts++
			if conflicts > r.conflictRetries {
				log.Error("reconciliation kept conflicting; forcing status", "conflicts", conflicts)
				r.fallback(ctx, log, jobID, final)
				return
			}
		default:
			failures++
			if failures > r.retries || !sleepCtx(ctx, time.Duration(failures)*r.backoff) {
				log.Error("reconciliation write failed; forcing status", "err", err)
				r.fallback(ctx, log, jobID, final)
				return
			}
			log.Warn("reconciliation write failed; retrying", "attempt", failures, "err", err)
		}
	}
}

func (r *Reconciler) fetch(ctx context.Context, jobID string) (*jobs.Job, error) {
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 && !sleepCtx(ctx, time.Duration(attempt)*r.backoff) {
			break
		}
		job, err := r.store.GetJob(ctx, jobID)
		if err == nil {
			return job, nil
		}
		lastErr = err
		if errors.Is(err, jobs.ErrNotFound) {
			break
		}
	}
	return nil, lastErr
}

// fallback writes the final status without touching the items.
func (r *Reconciler) fallback(ctx context.Context, log *slog.Logger, jobID string, final jobs.JobStatus) {
	if err := r.store.SetJobStatus(ctx, jobID, final); err != nil {
		log.Error("fallback status write failed", "err", err)
	}
}
