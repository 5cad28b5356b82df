package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jo-hoe/bulkgen/internal/common"
	"github.com/jo-hoe/bulkgen/internal/jobs"
)

const callbackTimeout = 15 * time.Second

// CallbackPayload is posted to the submitter's callback URL once the job settled.
type CallbackPayload struct {
	JobID          string `json:"jobId"`
	Status         string `json:"status"` // completed|failed
	TotalCount     int    `json:"totalCount"`
	CompletedCount int    `json:"completedCount"`
	FailedCount    int    `json:"failedCount"`
}

func payloadFor(job *jobs.Job) CallbackPayload {
	status := common.StatusCompleted
	if job.Status == jobs.JobFailed {
		status = common.StatusFailed
	}
	return CallbackPayload{
		JobID:          job.ID,
		Status:         status,
		TotalCount:     job.TotalCount,
		CompletedCount: job.CompletedCount,
		FailedCount:    job.FailedCount,
	}
}

// Notifier delivers completion callbacks with linear backoff.
type Notifier struct {
	client  *http.Client
	log     *slog.Logger
	retries int
	backoff time.Duration
}

func NewNotifier(client *http.Client, logger *slog.Logger, retries int, backoff time.Duration) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: callbackTimeout}
	}
	if retries <= 0 {
		retries = 3
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Notifier{client: client, log: logger, retries: retries, backoff: backoff}
}

// Notify posts payload to url, retrying failed attempts.
func (n *Notifier) Notify(ctx context.Context, url string, payload CallbackPayload) error {
	var lastErr error
	for attempt := 1; attempt <= n.retries; attempt++ {
		if err := n.postJSON(ctx, url, payload); err != nil {
			lastErr = err
			if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return err
			}
			if attempt < n.retries && !sleepCtx(ctx, time.Duration(attempt)*n.backoff) {
				return err
			}
			continue
		}
		n.log.Info("callback delivered", "job_id", payload.JobID, "attempt", attempt)
		return nil
	}
	return lastErr
}

func (n *Notifier) postJSON(ctx context.Context, url string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", common.ContentTypeJSON)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback status %d", resp.StatusCode)
	}
	return nil
}
