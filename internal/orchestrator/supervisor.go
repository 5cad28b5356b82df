package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

var (
	ErrSupervisorClosed = errors.New("supervisor is shut down")
	ErrTaskExists       = errors.New("task already running for job")
)

// Task is the handle of one background job run.
type Task struct {
	JobID     string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed once the task function has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel requests the task to stop. The task still runs its settlement step.
func (t *Task) Cancel() { t.cancel() }

// PanicHandler is invoked after a task panicked and was recovered.
type PanicHandler func(jobID string, recovered any)

// Supervisor runs one goroutine per job under a cancellable context and tracks it by job id.
type Supervisor struct {
	log     *slog.Logger
	root    context.Context
	stop    context.CancelFunc
	onPanic PanicHandler

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

// NewSupervisor creates a supervisor whose tasks are detached from any request context.
func NewSupervisor(logger *slog.Logger, onPanic PanicHandler) *Supervisor {
	root, stop := context.WithCancel(context.Background())
	return &Supervisor{
		log:     logger,
		root:    root,
		stop:    stop,
		onPanic: onPanic,
		tasks:   make(map[string]*Task),
	}
}

// Go starts fn for jobID. At most one task per job may run at a time.
func (s *Supervisor) Go(jobID string, fn func(ctx context.Context)) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSupervisorClosed
	}
	if _, ok := s.tasks[jobID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, jobID)
	}
	ctx, cancel := context.WithCancel(s.root)
	t := &Task{
		JobID:     jobID,
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.tasks[jobID] = t
	s.wg.Add(1)
	go s.run(ctx, t, fn)
	return t, nil
}

func (s *Supervisor) run(ctx context.Context, t *Task, fn func(ctx context.Context)) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.tasks, t.JobID)
		s.mu.Unlock()
		t.cancel()
		close(t.done)
	}()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job task panicked", "job_id", t.JobID, "panic", r, "stack", string(debug.Stack()))
			if s.onPanic != nil {
				s.onPanic(t.JobID, r)
			}
		}
	}()
	fn(ctx)
}

// Wait blocks until the job's task finished or ctx is done. A job without a running task returns nil.
func (s *Supervisor) Wait(ctx context.Context, jobID string) error {
	s.mu.Lock()
	t, ok := s.tasks[jobID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel cancels the job's task. Reports whether a task was running.
func (s *Supervisor) Cancel(jobID string) bool {
	s.mu.Lock()
	t, ok := s.tasks[jobID]
	s.mu.Unlock()
	if ok {
		t.Cancel()
	}
	return ok
}

// IsRunning reports whether a task for jobID is active.
func (s *Supervisor) IsRunning(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[jobID]
	return ok
}

// Running returns the ids of all active tasks, sorted.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Shutdown stops accepting tasks, cancels all running ones and waits up to deadline
// for them to settle. Returns false when the deadline was hit.
func (s *Supervisor) Shutdown(deadline time.Duration) bool {
	finished := true
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		running := len(s.tasks)
		s.mu.Unlock()
		s.log.Info("supervisor shutting down", "running_tasks", running)

		s.stop()

		done := make(chan struct{})
		go func() {
			defer close(done)
			s.wg.Wait()
		}()

		if deadline <= 0 {
			<-done
			return
		}

		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			finished = false
			s.log.Warn("supervisor shutdown deadline reached; tasks may still be running", "running", s.Running())
		}
	})
	return finished
}
