package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/bulkgen/internal/jobs"
)

// Scheduler runs a job's items in fixed-size batches and then reconciles the job.
type Scheduler struct {
	proc             *ItemProcessor
	rec              *Reconciler
	store            jobs.Store
	notifier         *Notifier
	log              *slog.Logger
	batchSize        int
	pause            time.Duration
	reconcileTimeout time.Duration
}

// Run processes every batch in order, items of one batch concurrently. Cancelling ctx stops
// new batches from starting; reconciliation always runs afterwards on a context that is
// not cancelled. Run reports no errors.
func (s *Scheduler) Run(ctx context.Context, run *Run) {
	log := s.log.With("job_id", run.JobID)
	total := len(run.Items)
	size := s.batchSize
	if size <= 0 {
		size = 1
	}
	batches := (total + size - 1) / size
	if run.slots == nil {
		run.slots = make(chan struct{}, size)
	}
	start := time.Now()
	log.Info("job started", "items", total, "batches", batches, "batch_size", size)

	processed, completed, failed := 0, 0, 0
	for b := 0; b < batches; b++ {
		if ctx.Err() != nil {
			log.Warn("job cancelled; skipping remaining batches", "next_batch", b+1, "batches", batches)
			break
		}
		lo := b * size
		hi := min(lo+size, total)

		outcomes := s.runBatch(ctx, run, run.Items[lo:hi], log)
		for _, o := range outcomes {
			processed++
			switch o.Status {
			case jobs.ItemCompleted:
				completed++
			case jobs.ItemFailed:
				failed++
			}
		}
		log.Info("batch finished",
			"batch", b+1,
			"batches", batches,
			"processed", processed,
			"total", total,
			"completed", completed,
			"failed", failed,
		)

		if hi < total {
			sleepCtx(ctx, s.pause)
		}
	}

	settleCtx := context.WithoutCancel(ctx)
	recCtx, cancel := context.WithTimeout(settleCtx, s.reconcileTimeout)
	s.rec.Reconcile(recCtx, run.JobID)
	cancel()
	log.Info("job finished", "duration", time.Since(start))

	if run.CallbackURL != "" && s.notifier != nil {
		s.notify(settleCtx, run, log)
	}
}

func (s *Scheduler) runBatch(ctx context.Context, run *Run, items []jobs.Item, log *slog.Logger) []Outcome {
	outcomes := make([]Outcome, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(slot int, item jobs.Item) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error("item processor panicked", "item_id", item.ID, "panic", r)
					outcomes[slot] = Outcome{ItemID: item.ID, Status: jobs.ItemFailed, Error: fmt.Sprint(r)}
				}
			}()
			outcomes[slot] = s.proc.Process(ctx, run, item)
		}(i, item)
	}
	wg.Wait()
	return outcomes
}

func (s *Scheduler) notify(ctx context.Context, run *Run, log *slog.Logger) {
	job, err := s.store.GetJob(ctx, run.JobID)
	if err != nil {
		log.Warn("callback skipped; job unreadable", "err", err)
		return
	}
	if err := s.notifier.Notify(ctx, run.CallbackURL, payloadFor(job)); err != nil {
		log.Warn("callback failed after retries", "url", run.CallbackURL, "err", err)
	}
}
