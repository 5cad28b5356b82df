package jobs

import (
	"context"
	"errors"
	"time"
)

// JobStatus represents the lifecycle status of a bulk generation job.
type JobStatus string

const (
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the job has finished running.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	return s == JobProcessing || s.Terminal()
}

// ItemStatus represents the lifecycle status of a single item within a job.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// Terminal reports whether no further transition may occur.
func (s ItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed
}

// CanTransition reports whether an item may move from s to next.
// Terminal statuses never change; pending may skip straight to a terminal status
// when the processing write was lost.
func (s ItemStatus) CanTransition(next ItemStatus) bool {
	switch s {
	case ItemPending:
		return next == ItemProcessing || next.Terminal()
	case ItemProcessing:
		return next.Terminal()
	default:
		return false
	}
}

var (
	ErrNotFound        = errors.New("job not found")
	ErrVersionConflict = errors.New("job version conflict")
	ErrAlreadyExists   = errors.New("job already exists")
)

// ItemInput is the product data submitted for one item. Opaque to the orchestrator.
type ItemInput struct {
	Name     string `json:"name"`
	Features string `json:"features"`
	Platform string `json:"platform"`
}

// Item is one unit of work within a job.
type Item struct {
	ID           string     `json:"id"`
	Input        ItemInput  `json:"input"`
	Status       ItemStatus `json:"status"`
	Output       *string    `json:"output,omitempty"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// Job is a bulk submission tracked as a single persisted record containing all its items.
type Job struct {
	ID             string     `json:"id"`
	Owner          string     `json:"owner"`
	Status         JobStatus  `json:"status"`
	Sections       []string   `json:"sections,omitempty"`
	CallbackURL    *string    `json:"callbackUrl,omitempty"`
	TotalCount     int        `json:"totalCount"`
	CompletedCount int        `json:"completedCount"`
	FailedCount    int        `json:"failedCount"`
	Items          []Item     `json:"items"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// Recount recomputes the aggregate counters from the item list.
func (j *Job) Recount() {
	completed, failed := 0, 0
	for _, it := range j.Items {
		switch it.Status {
		case ItemCompleted:
			completed++
		case ItemFailed:
			failed++
		}
	}
	j.TotalCount = len(j.Items)
	j.CompletedCount = completed
	j.FailedCount = failed
}

// ItemIndex returns the position of the item with the given id, or -1.
func (j *Job) ItemIndex(itemID string) int {
	for i := range j.Items {
		if j.Items[i].ID == itemID {
			return i
		}
	}
	return -1
}

// NonTerminalItems returns the number of items still pending or processing.
func (j *Job) NonTerminalItems() int {
	n := 0
	for _, it := range j.Items {
		if !it.Status.Terminal() {
			n++
		}
	}
	return n
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Sections != nil {
		c.Sections = append([]string(nil), j.Sections...)
	}
	c.CallbackURL = cloneString(j.CallbackURL)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.Items = make([]Item, len(j.Items))
	for i, it := range j.Items {
		it.Output = cloneString(it.Output)
		it.ErrorMessage = cloneString(it.ErrorMessage)
		it.StartedAt = cloneTime(it.StartedAt)
		it.FinishedAt = cloneTime(it.FinishedAt)
		c.Items[i] = it
	}
	return &c
}

// prepareWrite refreshes the derived fields before a conditional write.
func (j *Job) prepareWrite(now time.Time) {
	j.Recount()
	j.UpdatedAt = now
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ListFilter narrows ListJobs. Zero values mean "any".
type ListFilter struct {
	Owner  string
	Status JobStatus
	Limit  int
}

// Store defines persistence for Jobs. Every backend keeps one record per job.
type Store interface {
	// CreateJob persists a new job with Version 1.
	CreateJob(ctx context.Context, job *Job) error
	// GetJob returns the job or an error wrapping ErrNotFound.
	GetJob(ctx context.Context, id string) (*Job, error)
	// UpdateJob writes the full job if the stored version still equals job.Version,
	// recounting the counters from job.Items. On success job.Version is incremented.
	// Returns ErrVersionConflict when another writer got there first.
	UpdateJob(ctx context.Context, job *Job) error
	// SetJobStatus sets the status of a job that is still processing without a version
	// check; used as a last-resort fallback. A job already in a terminal status is left
	// unchanged and nil is returned.
	SetJobStatus(ctx context.Context, id string, status JobStatus) error
	// ListJobs returns jobs newest first.
	ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error)
	Close() error
}
