package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jo-hoe/bulkgen/internal/jobs"
)

var (
	ErrItemNotFound      = errors.New("item not found in job")
	ErrIllegalTransition = errors.New("illegal item status transition")
)

// Change is the new status of one item plus its result fields.
// Output is kept only for completed items and ErrorMessage only for failed ones.
type Change struct {
	Status       jobs.ItemStatus
	Output       *string
	ErrorMessage *string
}

// Updater applies item status changes with a read-modify-write against the job record.
type Updater struct {
	store           jobs.Store
	log             *slog.Logger
	conflictRetries int
	retries         int
	backoff         time.Duration
	now             func() time.Time
}

func NewUpdater(store jobs.Store, logger *slog.Logger, conflictRetries, retries int, backoff time.Duration) *Updater {
	return &Updater{
		store:           store,
		log:             logger,
		conflictRetries: conflictRetries,
		retries:         retries,
		backoff:         backoff,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Apply moves one item to ch.Status. Version conflicts re-read immediately; other store
// failures are retried with linear backoff. The final error is logged and returned.
func (u *Updater) Apply(ctx context.Context, jobID, itemID string, ch Change) error {
	log := u.log.With("job_id", jobID, "item_id", itemID, "status", ch.Status)
	conflicts, failures := 0, 0
	for {
		err := u.applyOnce(ctx, jobID, itemID, ch)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, jobs.ErrVersionConflict):
			conflicts++
			if conflicts > u.conflictRetries {
				log.Error("item update lost to concurrent writers", "conflicts", conflicts)
				return err
			}
			log.Debug("version conflict; re-reading job", "conflicts", conflicts)
		case permanent(err):
			log.Warn("item update rejected", "err", err)
			return err
		default:
			failures++
			if failures > u.retries || ctx.Err() != nil {
				log.Error("item update failed after retries", "attempts", failures, "err", err)
				return err
			}
			wait := time.Duration(failures) * u.backoff
			log.Warn("item update failed; retrying", "attempt", failures, "backoff", wait, "err", err)
			if !sleepCtx(ctx, wait) {
				log.Error("item update aborted", "err", ctx.Err())
				return err
			}
		}
	}
}

func (u *Updater) applyOnce(ctx context.Context, jobID, itemID string, ch Change) error {
	job, err := u.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	idx := job.ItemIndex(itemID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	it := &job.Items[idx]
	if !it.Status.CanTransition(ch.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, it.Status, ch.Status)
	}

	now := u.now()
	it.Status = ch.Status
	switch ch.Status {
	case jobs.ItemProcessing:
		it.StartedAt = &now
	case jobs.ItemCompleted:
		it.Output = ch.Output
		it.ErrorMessage = nil
		it.FinishedAt = &now
	case jobs.ItemFailed:
		it.Output = nil
		it.ErrorMessage = ch.ErrorMessage
		it.FinishedAt = &now
	}
	return u.store.UpdateJob(ctx, job)
}

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, jobs.ErrNotFound) ||
		errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrIllegalTransition)
}

// sleepCtx waits for d or until ctx is done. Reports whether the full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
