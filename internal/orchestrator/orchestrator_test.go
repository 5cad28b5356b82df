package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/bulkgen/internal/config"
	"github.com/jo-hoe/bulkgen/internal/generation"
	"github.com/jo-hoe/bulkgen/internal/generation/mock"
	"github.com/jo-hoe/bulkgen/internal/jobs"
	"github.com/jo-hoe/bulkgen/internal/logging"
)

func TestSubmit_RejectsInvalidInput(t *testing.T) {
	cfg := testConfig()
	cfg.MaxItems = 2

	tests := []struct {
		name  string
		sub   Submission
		field string
	}{
		{"missing owner", Submission{Owner: "  ", Items: inputs("a")}, "owner"},
		{"empty items", Submission{Owner: "u1"}, "items"},
		{"too many items", Submission{Owner: "u1", Items: inputs("a", "b", "c")}, "items"},
		{"item without name", Submission{Owner: "u1", Items: []jobs.ItemInput{{Name: "a"}, {Name: " "}}}, "items[1].name"},
		{"bad callback", Submission{Owner: "u1", Items: inputs("a"), CallbackURL: "ftp://x"}, "callbackUrl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := jobs.NewMemoryStore()
			o := newTestOrchestrator(t, cfg, store, echoGen())

			_, err := o.Submit(context.Background(), tt.sub)
			require.Error(t, err)
			assert.True(t, IsInputError(err))
			var ie *InputError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tt.field, ie.Field)

			list, err := store.ListJobs(context.Background(), jobs.ListFilter{})
			require.NoError(t, err)
			assert.Empty(t, list, "job must not be created")
		})
	}
}

func TestSubmit_ImmediatePollShowsPending(t *testing.T) {
	store := newFaultStore()
	store.gate = make(chan struct{})
	o := newTestOrchestrator(t, testConfig(), store, echoGen())

	res, err := o.Submit(context.Background(), Submission{Owner: "Shop-42", Items: inputs("a", "b", "c", "d")})
	require.NoError(t, err)
	assert.Equal(t, 4, res.ItemCount)
	assert.True(t, strings.HasPrefix(res.JobID, "job_shop42_"), res.JobID)

	job, err := o.Get(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.JobProcessing, job.Status)
	assert.Equal(t, 4, job.TotalCount)
	assert.Zero(t, job.CompletedCount)
	assert.Zero(t, job.FailedCount)
	for i, it := range job.Items {
		assert.Equal(t, jobs.ItemPending, it.Status)
		assert.Equal(t, res.JobID+"-000"+string(rune('0'+i)), it.ID)
	}

	close(store.gate)
	requireSettled(t, waitJob(t, o, res.JobID))
}

func TestRun_AllItemsSucceed(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), jobs.NewMemoryStore(), mock.New(config.MockSettings{Prefix: "Copy"}))

	res, err := o.Submit(context.Background(), Submission{
		Owner:    "u1",
		Items:    inputs("a", "b", "c", "d", "e", "f", "g"),
		Sections: []string{" title ", "", "bullets"},
	})
	require.NoError(t, err)

	job := waitJob(t, o, res.JobID)
	requireSettled(t, job)
	assert.Equal(t, 7, job.CompletedCount)
	assert.Zero(t, job.FailedCount)
	assert.Equal(t, []string{"title", "bullets"}, job.Sections)
	for _, it := range job.Items {
		require.NotNil(t, it.Output, it.ID)
		assert.NotEmpty(t, *it.Output)
		assert.Contains(t, *it.Output, "sections: title, bullets")
		assert.Nil(t, it.ErrorMessage)
		assert.NotNil(t, it.StartedAt)
		assert.NotNil(t, it.FinishedAt)
	}
}

func TestRun_TimeoutIsolatedToOneItem(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 5
	cfg.ItemTimeout = 100 * time.Millisecond

	gen := genFunc(func(ctx context.Context, req generation.Request) (generation.Result, error) {
		if req.Name == "slow" {
			<-ctx.Done()
			return generation.Result{}, ctx.Err()
		}
		return generation.Result{Content: "ok " + req.Name}, nil
	})
	o := newTestOrchestrator(t, cfg, jobs.NewMemoryStore(), gen)

	res, err := o.Submit(context.Background(), Submission{Owner: "u1", Items: inputs("a", "b", "slow", "d", "e")})
	require.NoError(t, err)

	job := waitJob(t, o, res.JobID)
	requireSettled(t, job)
	assert.Equal(t, 4, job.CompletedCount)
	assert.Equal(t, 1, job.FailedCount)

	slow := itemByName(t, job, "slow")
	assert.Equal(t, jobs.ItemFailed, slow.Status)
	require.NotNil(t, slow.ErrorMessage)
	assert.Equal(t, "generation timed out after 100ms", *slow.ErrorMessage)
	for _, n := range []string{"a", "b", "d", "e"} {
		assert.Equal(t, jobs.ItemCompleted, itemByName(t, job, n).Status)
	}
}

func TestRun_TimeoutWhenClientIgnoresContext(t *testing.T) {
	cfg := testConfig()
	cfg.ItemTimeout = 50 * time.Millisecond
	release := make(chan struct{})
	defer close(release)

	gen := genFunc(func(_ context.Context, _ generation.Request) (generation.Result, error) {
		<-release
		return generation.Result{Content: "late"}, nil
	})
	o := newTestOrchestrator(t, cfg, jobs.NewMemoryStore(), gen)

	res, err := o.Submit(context.Background(), Submission{Owner: "u1", Items: inputs("stuck")})
	require.NoError(t, err)

	job := waitJob(t, o, res.JobID)
	requireSettled(t, job)
	require.NotNil(t, job.Items[0].ErrorMessage)
	assert.Contains(t, *job.Items[0].ErrorMessage, "timed out")
}

func TestRun_AbandonedCallsCountAgainstBatchSize(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.ItemTimeout = 50 * time.Millisecond
	release := make(chan struct{})
	defer close(release)

	var active, peak, calls int32
	gen := genFunc(func(_ context.Context, _ generation.Request) (generation.Result, error) {
		atomic.AddInt32(&calls, 1)
		n := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		return generation.Result{Content: "late"}, nil
	})
	o := newTestOrchestrator(t, cfg, jobs.NewMemoryStore(), gen)

	res, err := o.Submit(context.Background(), Submission{Owner: "u1", Items: inputs("first", "second", "third")})
	require.NoError(t, err)

	job := waitJob(t, o, res.JobID)
	requireSettled(t, job)
	assert.Equal(t, 3, job.FailedCount)
	for _, it := range job.Items {
		require.NotNil(t, it.ErrorMessage)
		assert.Contains(t, *it.ErrorMessage, "timed out")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRun_ThreeItemScenario(t *testing.T) {
	gen := genFunc(func(_ context.Context, req generation.Request) (generation.Result, error) {
		if req.Name == "C" {
			return generation.Result{}, errors.New("connection reset by peer")
		}
		return generation.Result{Content: "copy " + req.Name}, nil
	})
	o := newTestOrchestrator(t, testConfig(), jobs.NewMemoryStore(), gen)

	res, err := o.Submit(context.Background(), Submission{Owner: "u1", Items: inputs("A", "B", "C")})
	require.NoError(t, err)

	job := waitJob(t, o, res.JobID)
	requireSettled(t, job)
	assert.Equal(t, 3, job.TotalCount)
	assert.Equal(t, 2, job.CompletedCount)
	assert.Equal(t, 1, job.FailedCount)

	c := itemByName(t, job, "C")
	require.NotNil(t, c.ErrorMessage)
	assert.Equal(t, "connection reset by peer", *c.ErrorMessage)
	assert.Nil(t, c.Output)
}

func TestRun_ErrorMessages(t *testing.T) {
	cfg := testConfig()
	cfg.ErrorMessageLimit = 40

	gen := genFunc(func(_ context.Context, req generation.Request) (generation.Result, error) {
		switch req.Name {
		case "status":
			return generation.Result{}, &generation.StatusError{StatusCode: 502, Body: "bad gateway"}
		case "long":
			return generation.Result{}, errors.New(strings.Repeat("x", 200))
		case "empty":
			return generation.Result{Content: "  "}, nil
		case "panic":
			panic("generator exploded")
		}
		return generation.Result{Content: "fine"}, nil
	})
	o := newTestOrchestrator(t, cfg, jobs.NewMemoryStore(), gen)

	res, err := o.Submit(context.Background(), Submission{Owner: "u1", Items: inputs("status", "long", "empty", "panic", "ok")})
	require.NoError(t, err)

	job := waitJob(t, o, res.JobID)
	requireSettled(t, job)
	assert.Equal(t, 1, job.CompletedCount)
	assert.Equal(t, 4, job.FailedCount)

	assert.Equal(t, "generation service returned 502: bad gateway", *itemByName(t, job, "status").ErrorMessage)
	long := *itemByName(t, job, "long").ErrorMessage
	assert.LessOrEqual(t, len(long), 40)
	assert.True(t, strings.HasSuffix(long, "..."))
	assert.Equal(t, msgEmptyContent, *itemByName(t, job, "empty").ErrorMessage)
	assert.Contains(t, *itemByName(t, job, "panic").ErrorMessage, "generator exploded")
}

func TestRun_PersistentStoreFailureForOneItem(t *testing.T) {
	store := newFaultStore()
	gen := echoGen()
	o := newTestOrchestrator(t, testConfig(), store, gen)

	// Hold all writes until the fault is armed for the now known item id.
	gate := make(chan struct{})
	store.gate = gate
	res, err := o.Submit(context.Background(), Submission{Owner: "u1", Items: inputs("a", "b", "c", "d")})
	require.NoError(t, err)
	target := res.JobID + "-0001"
	store.mu.Lock()
	store.failItem = target
	store.gate = nil
	store.mu.Unlock()
	close(gate)

	job := waitJob(t, o, res.JobID)
	requireSettled(t, job)
	assert.Equal(t, 3, job.CompletedCount)
	assert.Equal(t, 1, job.FailedCount)

	idx := job.ItemIndex(target)
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, jobs.ItemFailed, job.Items[idx].Status)
	require.NotNil(t, job.Items[idx].ErrorMessage)
	assert.Equal(t, msgStuck, *job.Items[idx].ErrorMessage)
}

func TestRun_PanicOutsideItemsFailsJob(t *testing.T) {
	store := newFaultStore()
	var callbacks int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&callbacks, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	o := newTestOrchestrator(t, testConfig(), store, echoGen())

	gate := make(chan struct{})
	store.gate = gate
	res, err := o.Submit(context.Background(), Submission{
		Owner:       "u1",
		Items:       inputs("a", "b", "c", "d"),
		CallbackURL: srv.URL,
	})
	require.NoError(t, err)
	target := res.JobID + "-0003"
	store.mu.Lock()
	store.failItem = target
	store.panicOnSettle = true
	store.gate = nil
	store.mu.Unlock()
	close(gate)

	job := waitJob(t, o, res.JobID)
	assert.Equal(t, jobs.JobFailed, job.Status)
	require.NotNil(t, job.CompletedAt)
	assert.Zero(t, job.NonTerminalItems())
	assert.Equal(t, 3, job.CompletedCount)
	assert.Equal(t, 1, job.FailedCount)

	stuck := job.Items[job.ItemIndex(target)]
	assert.Equal(t, jobs.ItemFailed, stuck.Status)
	require.NotNil(t, stuck.ErrorMessage)
	assert.Equal(t, "orchestration failed: store driver crashed", *stuck.ErrorMessage)
	assert.Zero(t, atomic.LoadInt32(&callbacks))
	assert.Empty(t, o.Running())
}

func TestRun_ConcurrencyBoundedByBatchSize(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 3

	var active, peak int32
	gen := genFunc(func(_ context.Context, req generation.Request) (generation.Result, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return generation.Result{Content: "ok"}, nil
	})
	o := newTestOrchestrator(t, cfg, jobs.NewMemoryStore(), gen)

	res, err := o.Submit(context.Background(), Submission{Owner: "u1", Items: inputs("1", "2", "3", "4", "5", "6", "7", "8", "9", "10")})
	require.NoError(t, err)

	job := waitJob(t, o, res.JobID)
	requireSettled(t, job)
	assert.Equal(t, 10, job.CompletedCount)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(1))
}

func blockingGen(started chan<- string) genFunc {
	return func(ctx context.Context, req generation.Request) (generation.Result, error) {
		started <- req.Name
		<-ctx.Done()
		return generation.Result{}, ctx.Err()
	}
}

func TestCancel_StopsNewBatchesAndStillReconciles(t *testing.T) {
	cfg := testConfig()
	cfg.ItemTimeout = 10 * time.Second
	started := make(chan string, 9)
	o := newTestOrchestrator(t, cfg, jobs.NewMemoryStore(), blockingGen(started))

	res, err := o.Submit(context.Background(), Submission{Owner: "u1", Items: inputs("1", "2", "3", "4", "5", "6", "7", "8", "9")})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		<-started
	}
	assert.Equal(t, []string{res.JobID}, o.Running())
	require.True(t, o.Cancel(res.JobID))

	job := waitJob(t, o, res.JobID)
	requireSettled(t, job)
	assert.Zero(t, job.CompletedCount)
	assert.Equal(t, 9, job.FailedCount)
	for i, it := range job.Items {
		require.NotNil(t, it.ErrorMessage)
		if i < 3 {
			assert.Equal(t, msgCancelled, *it.ErrorMessage)
		} else {
			assert.Equal(t, msgStuck, *it.ErrorMessage)
		}
	}
	assert.Len(t, started, 0, "no item of a later batch may start")
	assert.False(t, o.Cancel(res.JobID))
}

func TestShutdown_SettlesRunningJobsAndRejectsNewOnes(t *testing.T) {
	cfg := testConfig()
	cfg.ItemTimeout = 10 * time.Second
	started := make(chan string, 3)
	store := jobs.NewMemoryStore()
	o := New(cfg, store, blockingGen(started), logging.Discard())

	res, err := o.Submit(context.Background(), Submission{Owner: "u1", Items: inputs("1", "2")})
	require.NoError(t, err)
	<-started
	<-started

	require.True(t, o.Shutdown(5*time.Second))

	job, err := o.Get(context.Background(), res.JobID)
	require.NoError(t, err)
	requireSettled(t, job)
	assert.Equal(t, 2, job.FailedCount)

	_, err = o.Submit(context.Background(), Submission{Owner: "u1", Items: inputs("late")})
	require.ErrorIs(t, err, ErrSupervisorClosed)

	failed, err := store.ListJobs(context.Background(), jobs.ListFilter{Status: jobs.JobFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Zero(t, failed[0].NonTerminalItems())
}

func TestRun_CallbackDelivered(t *testing.T) {
	var mu sync.Mutex
	var got []CallbackPayload
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p CallbackPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		got = append(got, p)
		first := len(got) == 1
		mu.Unlock()
		if first {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	gen := genFunc(func(_ context.Context, req generation.Request) (generation.Result, error) {
		if req.Name == "bad" {
			return generation.Result{}, errors.New("nope")
		}
		return generation.Result{Content: "ok"}, nil
	})
	o := newTestOrchestrator(t, testConfig(), jobs.NewMemoryStore(), gen, WithCallbackClient(ts.Client()))

	res, err := o.Submit(context.Background(), Submission{Owner: "u1", Items: inputs("a", "bad"), CallbackURL: ts.URL + "/hook"})
	require.NoError(t, err)
	waitJob(t, o, res.JobID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2, "first attempt fails, second succeeds")
	assert.Equal(t, CallbackPayload{JobID: res.JobID, Status: "completed", TotalCount: 2, CompletedCount: 1, FailedCount: 1}, got[1])
}

func TestRun_CredentialsForwardedToGenerator(t *testing.T) {
	var seen atomic.Value
	gen := genFunc(func(_ context.Context, req generation.Request) (generation.Result, error) {
		seen.Store(req.Credentials.Get("Authorization"))
		return generation.Result{Content: "ok"}, nil
	})
	o := newTestOrchestrator(t, testConfig(), jobs.NewMemoryStore(), gen)

	creds := http.Header{}
	creds.Set("Authorization", "Bearer abc")
	res, err := o.Submit(context.Background(), Submission{Owner: "u1", Items: inputs("a"), Credentials: creds})
	require.NoError(t, err)
	creds.Set("Authorization", "Bearer mutated")

	waitJob(t, o, res.JobID)
	assert.Equal(t, "Bearer abc", seen.Load())
}

func TestRecoverStale_ReconcilesOrphanedJobs(t *testing.T) {
	store := jobs.NewMemoryStore()
	ctx := context.Background()
	out := "done"
	orphan := &jobs.Job{
		ID:     "job_orphan",
		Owner:  "u1",
		Status: jobs.JobProcessing,
		Items: []jobs.Item{
			{ID: "job_orphan-0000", Input: jobs.ItemInput{Name: "a"}, Status: jobs.ItemCompleted, Output: &out},
			{ID: "job_orphan-0001", Input: jobs.ItemInput{Name: "b"}, Status: jobs.ItemProcessing},
			{ID: "job_orphan-0002", Input: jobs.ItemInput{Name: "c"}, Status: jobs.ItemPending},
		},
	}
	require.NoError(t, store.CreateJob(ctx, orphan))
	done := &jobs.Job{ID: "job_done", Owner: "u1", Status: jobs.JobCompleted, Items: []jobs.Item{{ID: "job_done-0000", Status: jobs.ItemCompleted}}}
	require.NoError(t, store.CreateJob(ctx, done))

	o := newTestOrchestrator(t, testConfig(), store, echoGen())
	n, err := o.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "freshly written jobs are not stale")

	later := time.Now().UTC().Add(time.Hour)
	o = newTestOrchestrator(t, testConfig(), store, echoGen(), WithClock(func() time.Time { return later }))
	n, err = o.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := store.GetJob(ctx, "job_orphan")
	require.NoError(t, err)
	requireSettled(t, job)
	assert.Equal(t, 1, job.CompletedCount)
	assert.Equal(t, 2, job.FailedCount)
	assert.Equal(t, msgStuck, *job.Items[2].ErrorMessage)
}

func TestRecoverStale_LeavesJobsOfOtherInstances(t *testing.T) {
	cfg := testConfig()
	cfg.ItemTimeout = 10 * time.Second
	store := jobs.NewMemoryStore()
	ctx := context.Background()

	started := make(chan string, 2)
	release := make(chan struct{})
	gen := genFunc(func(_ context.Context, req generation.Request) (generation.Result, error) {
		started <- req.Name
		<-release
		return generation.Result{Content: "copy for " + req.Name}, nil
	})
	a := newTestOrchestrator(t, cfg, store, gen)
	res, err := a.Submit(ctx, Submission{Owner: "u1", Items: inputs("x", "y")})
	require.NoError(t, err)
	<-started
	<-started

	b := newTestOrchestrator(t, cfg, store, echoGen())
	n, err := b.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	mid, err := store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.JobProcessing, mid.Status)
	assert.Zero(t, mid.FailedCount)

	close(release)
	job := waitJob(t, a, res.JobID)
	requireSettled(t, job)
	assert.Equal(t, 2, job.CompletedCount)
	assert.Zero(t, job.FailedCount)
}

func TestList_ClampsLimit(t *testing.T) {
	store := jobs.NewMemoryStore()
	o := newTestOrchestrator(t, testConfig(), store, echoGen())
	for i := 0; i < 3; i++ {
		res, err := o.Submit(context.Background(), Submission{Owner: "lister", Items: inputs("a")})
		require.NoError(t, err)
		waitJob(t, o, res.JobID)
	}
	list, err := o.List(context.Background(), jobs.ListFilter{Owner: "lister", Limit: -1})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	list, err = o.List(context.Background(), jobs.ListFilter{Owner: "lister", Status: jobs.JobCompleted, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
