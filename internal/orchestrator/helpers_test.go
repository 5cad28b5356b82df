package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/bulkgen/internal/config"
	"github.com/jo-hoe/bulkgen/internal/generation"
	"github.com/jo-hoe/bulkgen/internal/jobs"
	"github.com/jo-hoe/bulkgen/internal/logging"
)

var errStoreDown = errors.New("store unavailable")

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		BatchSize:         3,
		ItemTimeout:       2 * time.Second,
		BatchPause:        5 * time.Millisecond,
		UpdateRetries:     2,
		UpdateBackoff:     time.Millisecond,
		ConflictRetries:   16,
		MaxItems:          50,
		ErrorMessageLimit: 500,
		ReconcileTimeout:  5 * time.Second,
		CallbackRetries:   2,
		CallbackBackoff:   10 * time.Millisecond,
	}
}

// genFunc adapts a function to generation.Client.
type genFunc func(ctx context.Context, req generation.Request) (generation.Result, error)

func (f genFunc) Generate(ctx context.Context, req generation.Request) (generation.Result, error) {
	return f(ctx, req)
}

func echoGen() genFunc {
	return func(_ context.Context, req generation.Request) (generation.Result, error) {
		return generation.Result{Content: "copy for " + req.Name}, nil
	}
}

// faultStore wraps a Store and injects failures.
type faultStore struct {
	jobs.Store

	mu sync.Mutex
	// failItem makes every write that changes this item fail while the job is processing.
	failItem string
	// getErr is returned by GetJob when set.
	getErr error
	// conflicts is the number of UpdateJob calls still to reject with a version conflict.
	conflicts int
	// updateErrs is the number of UpdateJob calls still to reject with errStoreDown.
	updateErrs int
	// gate, when set, blocks UpdateJob until closed.
	gate chan struct{}
	// panicOnSettle makes the next UpdateJob that moves the job out of processing panic.
	panicOnSettle bool

	statusWrites int
}

func newFaultStore() *faultStore {
	return &faultStore{Store: jobs.NewMemoryStore()}
}

func (s *faultStore) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	s.mu.Lock()
	err := s.getErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.GetJob(ctx, id)
}

func (s *faultStore) UpdateJob(ctx context.Context, job *jobs.Job) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return jobs.ErrVersionConflict
	}
	if s.updateErrs > 0 {
		s.updateErrs--
		s.mu.Unlock()
		return errStoreDown
	}
	if s.panicOnSettle && job.Status.Terminal() {
		s.panicOnSettle = false
		s.mu.Unlock()
		panic("store driver crashed")
	}
	failItem := s.failItem
	s.mu.Unlock()

	if failItem != "" && job.Status == jobs.JobProcessing {
		cur, err := s.Store.GetJob(ctx, job.ID)
		if err == nil {
			if idx := job.ItemIndex(failItem); idx >= 0 && cur.Items[idx].Status != job.Items[idx].Status {
				return errStoreDown
			}
		}
	}
	return s.Store.UpdateJob(ctx, job)
}

func (s *faultStore) SetJobStatus(ctx context.Context, id string, status jobs.JobStatus) error {
	s.mu.Lock()
	s.statusWrites++
	s.mu.Unlock()
	return s.Store.SetJobStatus(ctx, id, status)
}

func newTestOrchestrator(t *testing.T, cfg config.OrchestratorConfig, store jobs.Store, gen generation.Client, opts ...Option) *Orchestrator {
	t.Helper()
	o := New(cfg, store, gen, logging.Discard(), opts...)
	t.Cleanup(func() { o.Shutdown(5 * time.Second) })
	return o
}

func waitJob(t *testing.T, o *Orchestrator, id string) *jobs.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx, id))
	job, err := o.Get(ctx, id)
	require.NoError(t, err)
	return job
}

func inputs(names ...string) []jobs.ItemInput {
	out := make([]jobs.ItemInput, len(names))
	for i, n := range names {
		out[i] = jobs.ItemInput{Name: n, Features: "features of " + n, Platform: "etsy"}
	}
	return out
}

func itemByName(t *testing.T, job *jobs.Job, name string) jobs.Item {
	t.Helper()
	for _, it := range job.Items {
		if it.Input.Name == name {
			return it
		}
	}
	t.Fatalf("item %q not found", name)
	return jobs.Item{}
}

func requireSettled(t *testing.T, job *jobs.Job) {
	t.Helper()
	require.Equal(t, jobs.JobCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	require.Zero(t, job.NonTerminalItems())
	require.Equal(t, job.TotalCount, job.CompletedCount+job.FailedCount)
}
