package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jo-hoe/bulkgen/internal/generation"
	"github.com/jo-hoe/bulkgen/internal/jobs"
)

const (
	msgCancelled    = "generation cancelled"
	msgEmptyContent = "generation returned empty content"
)

// Run is the in-memory context of one job execution. Credentials never leave the process.
type Run struct {
	JobID       string
	Items       []jobs.Item
	Sections    []string
	CallbackURL string
	Credentials http.Header

	// slots bounds the job's in-flight generation calls. A slot is released when the
	// client call returns, not when the item gives up on it.
	slots chan struct{}
}

// Outcome is the classified result of one item.
type Outcome struct {
	ItemID   string
	Status   jobs.ItemStatus
	Error    string
	Duration time.Duration
}

// ItemProcessor drives one item through the generation call and records its terminal status.
type ItemProcessor struct {
	gen      generation.Client
	updater  *Updater
	log      *slog.Logger
	timeout  time.Duration
	errLimit int
}

func NewItemProcessor(gen generation.Client, updater *Updater, logger *slog.Logger, timeout time.Duration, errLimit int) *ItemProcessor {
	return &ItemProcessor{
		gen:      gen,
		updater:  updater,
		log:      logger,
		timeout:  timeout,
		errLimit: errLimit,
	}
}

type genResult struct {
	res generation.Result
	err error
}

// Process marks the item processing, calls the generation service under the item timeout
// and persists the terminal status. The terminal write ignores job cancellation.
func (p *ItemProcessor) Process(ctx context.Context, run *Run, item jobs.Item) Outcome {
	log := p.log.With("job_id", run.JobID, "item_id", item.ID)
	start := time.Now()

	if err := p.updater.Apply(ctx, run.JobID, item.ID, Change{Status: jobs.ItemProcessing}); err != nil {
		log.Warn("could not persist processing status", "err", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	res, err := p.generate(callCtx, run, item)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()

	out := Outcome{ItemID: item.ID}
	change := p.classify(ctx, res, err, timedOut)
	out.Status = change.Status
	if change.ErrorMessage != nil {
		out.Error = *change.ErrorMessage
	}

	if err := p.updater.Apply(context.WithoutCancel(ctx), run.JobID, item.ID, change); err != nil {
		log.Error("could not persist terminal status", "status", change.Status, "err", err)
	}
	out.Duration = time.Since(start)
	if out.Status == jobs.ItemFailed {
		log.Warn("item failed", "err", out.Error, "duration", out.Duration)
	} else {
		log.Debug("item completed", "duration", out.Duration)
	}
	return out
}

// generate runs the client call in its own goroutine so a client that ignores
// cancellation cannot hold the item past its deadline. The call keeps its slot until
// it actually returns, so abandoned calls still count against the batch size.
func (p *ItemProcessor) generate(ctx context.Context, run *Run, item jobs.Item) (generation.Result, error) {
	if run.slots != nil {
		select {
		case run.slots <- struct{}{}:
		case <-ctx.Done():
			return generation.Result{}, ctx.Err()
		}
	}

	ch := make(chan genResult, 1)
	go func() {
		defer func() {
			if run.slots != nil {
				<-run.slots
			}
		}()
		defer func() {
			if r := recover(); r != nil {
				ch <- genResult{err: fmt.Errorf("generation panicked: %v", r)}
			}
		}()
		res, err := p.gen.Generate(ctx, generation.Request{
			ItemID:      item.ID,
			Name:        item.Input.Name,
			Features:    item.Input.Features,
			Platform:    item.Input.Platform,
			Sections:    run.Sections,
			Credentials: run.Credentials,
		})
		ch <- genResult{res: res, err: err}
	}()

	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return generation.Result{}, ctx.Err()
	}
}

func (p *ItemProcessor) classify(jobCtx context.Context, res generation.Result, err error, timedOut bool) Change {
	if err == nil {
		if strings.TrimSpace(res.Content) == "" {
			return p.failed(msgEmptyContent)
		}
		content := res.Content
		return Change{Status: jobs.ItemCompleted, Output: &content}
	}

	var se *generation.StatusError
	switch {
	case errors.As(err, &se):
		return p.failed(se.Error())
	case jobCtx.Err() != nil:
		return p.failed(msgCancelled)
	case timedOut || errors.Is(err, context.DeadlineExceeded):
		return p.failed(fmt.Sprintf("generation timed out after %s", p.timeout))
	default:
		return p.failed(err.Error())
	}
}

func (p *ItemProcessor) failed(msg string) Change {
	msg = generation.Truncate(msg, p.errLimit)
	return Change{Status: jobs.ItemFailed, ErrorMessage: &msg}
}
