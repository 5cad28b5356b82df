// Package orchestrator runs bulk generation jobs in the background: it validates and
// persists submissions, schedules their items in bounded batches and reconciles every
// job into a terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jo-hoe/bulkgen/internal/common"
	"github.com/jo-hoe/bulkgen/internal/config"
	"github.com/jo-hoe/bulkgen/internal/generation"
	"github.com/jo-hoe/bulkgen/internal/jobs"
	"github.com/jo-hoe/bulkgen/internal/util"
)

// InputError reports a submission that was rejected before any job was created.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid submission: %s %s", e.Field, e.Reason)
}

// IsInputError reports whether err is or wraps an *InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// Submission is one bulk request.
type Submission struct {
	Owner       string
	Items       []jobs.ItemInput
	Sections    []string
	CallbackURL string
	Credentials http.Header
}

// SubmitResult is returned to the caller before any item has been processed.
type SubmitResult struct {
	JobID     string `json:"jobId"`
	ItemCount int    `json:"itemCount"`
}

// Orchestrator is the entry point for submitting and observing jobs.
type Orchestrator struct {
	cfg   config.OrchestratorConfig
	store jobs.Store
	log   *slog.Logger
	now   func() time.Time

	httpClient *http.Client

	sup   *Supervisor
	rec   *Reconciler
	sched *Scheduler
}

type Option func(*Orchestrator)

// WithClock overrides the time source used for job ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithCallbackClient sets the HTTP client used for completion callbacks.
func WithCallbackClient(c *http.Client) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// New wires the scheduler, processor, updater and reconciler. Zero config values take defaults.
func New(cfg config.OrchestratorConfig, store jobs.Store, gen generation.Client, logger *slog.Logger, opts ...Option) *Orchestrator {
	full := config.Config{Orchestrator: cfg}
	config.ApplyDefaults(&full)
	cfg = full.Orchestrator

	o := &Orchestrator{
		cfg:   cfg,
		store: store,
		log:   logger,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}

	updater := NewUpdater(store, logger, cfg.ConflictRetries, cfg.UpdateRetries, cfg.UpdateBackoff)
	o.rec = NewReconciler(store, logger, cfg.ConflictRetries, cfg.UpdateRetries, cfg.UpdateBackoff)
	o.sched = &Scheduler{
		proc:             NewItemProcessor(gen, updater, logger, cfg.ItemTimeout, cfg.ErrorMessageLimit),
		rec:              o.rec,
		store:            store,
		notifier:         NewNotifier(o.httpClient, logger, cfg.CallbackRetries, cfg.CallbackBackoff),
		log:              logger,
		batchSize:        cfg.BatchSize,
		pause:            cfg.BatchPause,
		reconcileTimeout: cfg.ReconcileTimeout,
	}
	o.sup = NewSupervisor(logger, o.onPanic)
	return o
}

// Submit validates and persists the job, starts it in the background and returns at once.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (SubmitResult, error) {
	if err := o.validate(sub); err != nil {
		return SubmitResult{}, err
	}

	now := o.now()
	owner := strings.TrimSpace(sub.Owner)
	id := util.NewJobID(owner, now)
	items := make([]jobs.Item, len(sub.Items))
	for i, in := range sub.Items {
		items[i] = jobs.Item{
			ID: util.ItemID(id, i),
			Input: jobs.ItemInput{
				Name:     strings.TrimSpace(in.Name),
				Features: strings.TrimSpace(in.Features),
				Platform: strings.TrimSpace(in.Platform),
			},
			Status: jobs.ItemPending,
		}
	}
	sections := cleanSections(sub.Sections)

	job := &jobs.Job{
		ID:        id,
		Owner:     owner,
		Status:    jobs.JobProcessing,
		Sections:  sections,
		Items:     items,
		CreatedAt: now,
	}
	if cb := strings.TrimSpace(sub.CallbackURL); cb != "" {
		job.CallbackURL = &cb
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return SubmitResult{}, fmt.Errorf("create job: %w", err)
	}

	run := &Run{
		JobID:       id,
		Items:       job.Clone().Items,
		Sections:    sections,
		CallbackURL: strings.TrimSpace(sub.CallbackURL),
		Credentials: sub.Credentials.Clone(),
	}
	if _, err := o.sup.Go(id, func(taskCtx context.Context) { o.sched.Run(taskCtx, run) }); err != nil {
		o.rec.Fail(context.WithoutCancel(ctx), id, "orchestrator unavailable")
		return SubmitResult{}, fmt.Errorf("start job: %w", err)
	}

	o.log.Info("job submitted", "job_id", id, "owner", owner, "items", len(items))
	return SubmitResult{JobID: id, ItemCount: len(items)}, nil
}

func (o *Orchestrator) validate(sub Submission) error {
	if strings.TrimSpace(sub.Owner) == "" {
		return &InputError{Field: "owner", Reason: "is required"}
	}
	if len(sub.Items) == 0 {
		return &InputError{Field: "items", Reason: "must not be empty"}
	}
	if len(sub.Items) > o.cfg.MaxItems {
		return &InputError{Field: "items", Reason: fmt.Sprintf("must not exceed %d entries", o.cfg.MaxItems)}
	}
	for i, it := range sub.Items {
		if strings.TrimSpace(it.Name) == "" {
			return &InputError{Field: fmt.Sprintf("items[%d].name", i), Reason: "is required"}
		}
	}
	if cb := strings.TrimSpace(sub.CallbackURL); cb != "" {
		u, err := url.Parse(cb)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &InputError{Field: "callbackUrl", Reason: "must be an absolute http(s) URL"}
		}
	}
	return nil
}

func cleanSections(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Get returns the persisted job.
func (o *Orchestrator) Get(ctx context.Context, id string) (*jobs.Job, error) {
	return o.store.GetJob(ctx, id)
}

// List returns jobs newest first. The limit is clamped to a sane range.
func (o *Orchestrator) List(ctx context.Context, f jobs.ListFilter) ([]*jobs.Job, error) {
	switch {
	case f.Limit <= 0:
		f.Limit = common.DefaultListLimit
	case f.Limit > common.MaxListLimit:
		f.Limit = common.MaxListLimit
	}
	return o.store.ListJobs(ctx, f)
}

// Wait blocks until the job's background task has finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) error {
	return o.sup.Wait(ctx, id)
}

// Cancel stops the job's remaining batches. The job is still reconciled.
func (o *Orchestrator) Cancel(id string) bool {
	ok := o.sup.Cancel(id)
	if ok {
		o.log.Info("job cancellation requested", "job_id", id)
	}
	return ok
}

// Running returns the ids of jobs with a live background task.
func (o *Orchestrator) Running() []string {
	return o.sup.Running()
}

// RecoverStale reconciles jobs left processing without a live task, e.g. after a crash.
// Jobs written to within the stale threshold may belong to another instance sharing the
// store and are left alone.
func (o *Orchestrator) RecoverStale(ctx context.Context) (int, error) {
	stale, err := o.store.ListJobs(ctx, jobs.ListFilter{Status: jobs.JobProcessing})
	if err != nil {
		return 0, fmt.Errorf("list processing jobs: %w", err)
	}
	cutoff := o.now().Add(-o.cfg.StaleThreshold())
	n := 0
	for _, j := range stale {
		if o.sup.IsRunning(j.ID) {
			continue
		}
		if j.UpdatedAt.After(cutoff) {
			o.log.Debug("processing job recently updated; leaving it", "job_id", j.ID, "updated_at", j.UpdatedAt)
			continue
		}
		o.log.Warn("recovering stale job", "job_id", j.ID, "pending", j.NonTerminalItems())
		recCtx, cancel := context.WithTimeout(ctx, o.cfg.ReconcileTimeout)
		o.rec.Reconcile(recCtx, j.ID)
		cancel()
		n++
	}
	return n, nil
}

// Shutdown cancels all running jobs and waits up to grace for them to settle.
func (o *Orchestrator) Shutdown(grace time.Duration) bool {
	return o.sup.Shutdown(grace)
}

func (o *Orchestrator) onPanic(jobID string, recovered any) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ReconcileTimeout)
	defer cancel()
	o.rec.Fail(ctx, jobID, fmt.Sprintf("orchestration failed: %v", recovered))
}
