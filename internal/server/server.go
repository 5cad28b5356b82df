package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jo-hoe/bulkgen/internal/common"
	"github.com/jo-hoe/bulkgen/internal/config"
	"github.com/jo-hoe/bulkgen/internal/export"
	"github.com/jo-hoe/bulkgen/internal/intake"
	"github.com/jo-hoe/bulkgen/internal/jobs"
	"github.com/jo-hoe/bulkgen/internal/orchestrator"
)

// JobService is the part of the orchestrator the HTTP API depends on.
type JobService interface {
	Submit(ctx context.Context, sub orchestrator.Submission) (orchestrator.SubmitResult, error)
	Get(ctx context.Context, id string) (*jobs.Job, error)
	List(ctx context.Context, f jobs.ListFilter) ([]*jobs.Job, error)
	Cancel(id string) bool
	Running() []string
}

type Service struct {
	Log  *slog.Logger
	Cfg  *config.Config
	Jobs JobService

	schema *jsonschema.Schema
}

// NewService validates its dependencies and compiles the request schema.
func NewService(log *slog.Logger, cfg *config.Config, svc JobService) (*Service, error) {
	if cfg == nil || svc == nil {
		return nil, errors.New("server: config and job service are required")
	}
	schema, err := compileSubmitSchema()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return &Service{Log: log, Cfg: cfg, Jobs: svc, schema: schema}, nil
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	return &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      svc.Handler(),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
}

// Handler returns the routed handler wrapped in logging and recovery middleware.
func (svc *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "running": len(svc.Jobs.Running())})
	})

	mux.HandleFunc(http.MethodPost+" "+common.PathJobs, svc.withCommon(svc.handleCreateJob))
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs, svc.withCommon(svc.handleListJobs))
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs+"/{id}", svc.withCommon(svc.handleGetJob))
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs+"/{id}/export", svc.withCommon(svc.handleExportJob))
	mux.HandleFunc(http.MethodPost+" "+common.PathJobs+"/{id}/cancel", svc.withCommon(svc.handleCancelJob))

	return loggingMiddleware(recoveryMiddleware(mux, svc.Log), svc.Log)
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		// Enforce max body size
		max := safeInt64(svc.Cfg.Server.MaxBodySize)
		if max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	}
}

type submitRequest struct {
	Owner       string           `json:"owner"`
	Items       []jobs.ItemInput `json:"items"`
	Sections    []string         `json:"sections"`
	CallbackURL string           `json:"callbackUrl"`
}

type createResponse struct {
	JobID     string `json:"jobId"`
	ItemCount int    `json:"itemCount"`
	StatusURL string `json:"statusUrl"`
}

func (svc *Service) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var (
		sub orchestrator.Submission
		err error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == common.ContentTypeMultipart {
		sub, err = svc.submissionFromForm(r)
	} else {
		sub, err = svc.submissionFromJSON(r)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(sub.Owner) == "" {
		sub.Owner = r.Header.Get(common.HeaderOwnerID)
	}
	sub.Credentials = svc.captureCredentials(r.Header)

	res, err := svc.Jobs.Submit(r.Context(), sub)
	if err != nil {
		if orchestrator.IsInputError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		svc.Log.Error("submit job", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, createResponse{
		JobID:     res.JobID,
		ItemCount: res.ItemCount,
		StatusURL: path.Join(common.PathJobs, res.JobID),
	})
}

func (svc *Service) submissionFromJSON(r *http.Request) (orchestrator.Submission, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return orchestrator.Submission{}, fmt.Errorf("read body: %w", err)
	}
	if err := validateSubmit(svc.schema, raw); err != nil {
		return orchestrator.Submission{}, err
	}
	var req submitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return orchestrator.Submission{}, fmt.Errorf("invalid json: %w", err)
	}
	return orchestrator.Submission{
		Owner:       req.Owner,
		Items:       req.Items,
		Sections:    req.Sections,
		CallbackURL: req.CallbackURL,
	}, nil
}

func (svc *Service) submissionFromForm(r *http.Request) (orchestrator.Submission, error) {
	max := safeInt64(svc.Cfg.Server.MaxBodySize)
	if err := r.ParseMultipartForm(max); err != nil {
		return orchestrator.Submission{}, fmt.Errorf("invalid form: %w", err)
	}
	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		return orchestrator.Submission{}, errors.New("file is required")
	}
	items, err := intake.FromMultipart(files[0], max)
	if err != nil {
		return orchestrator.Submission{}, err
	}
	return orchestrator.Submission{
		Owner:       r.FormValue("owner"),
		Items:       items,
		Sections:    splitSections(r.MultipartForm.Value["sections"]),
		CallbackURL: r.FormValue("callback_url"),
	}, nil
}

// captureCredentials copies the configured pass-through headers. They live only as long as the job runs.
func (svc *Service) captureCredentials(h http.Header) http.Header {
	out := http.Header{}
	for _, name := range svc.Cfg.Generation.ForwardHeaders {
		for _, v := range h.Values(name) {
			out.Add(name, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (svc *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := svc.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type jobSummary struct {
	ID             string         `json:"id"`
	Owner          string         `json:"owner"`
	Status         jobs.JobStatus `json:"status"`
	TotalCount     int            `json:"totalCount"`
	CompletedCount int            `json:"completedCount"`
	FailedCount    int            `json:"failedCount"`
	CreatedAt      time.Time      `json:"createdAt"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	StatusURL      string         `json:"statusUrl"`
}

func (svc *Service) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := jobs.ListFilter{Owner: strings.TrimSpace(q.Get("owner"))}
	if s := strings.TrimSpace(q.Get("status")); s != "" {
		f.Status = jobs.JobStatus(strings.ToLower(s))
		if !f.Status.Valid() {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
	}
	if s := strings.TrimSpace(q.Get("limit")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	list, err := svc.Jobs.List(r.Context(), f)
	if err != nil {
		svc.Log.Error("list jobs", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]jobSummary, 0, len(list))
	for _, j := range list {
		out = append(out, jobSummary{
			ID:             j.ID,
			Owner:          j.Owner,
			Status:         j.Status,
			TotalCount:     j.TotalCount,
			CompletedCount: j.CompletedCount,
			FailedCount:    j.FailedCount,
			CreatedAt:      j.CreatedAt,
			CompletedAt:    j.CompletedAt,
			StatusURL:      path.Join(common.PathJobs, j.ID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (svc *Service) handleExportJob(w http.ResponseWriter, r *http.Request) {
	job, ok := svc.lookup(w, r)
	if !ok {
		return
	}
	data, err := export.JobXLSX(job)
	if err != nil {
		svc.Log.Error("export job", "job_id", job.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", common.ContentTypeXLSX)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(job)))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (svc *Service) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := svc.lookup(w, r)
	if !ok {
		return
	}
	if job.Status.Terminal() || !svc.Jobs.Cancel(job.ID) {
		http.Error(w, "job is not running", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"jobId":     job.ID,
		"statusUrl": path.Join(common.PathJobs, job.ID),
	})
}

// lookup loads the job named by the {id} path value and writes the error response itself.
func (svc *Service) lookup(w http.ResponseWriter, r *http.Request) (*jobs.Job, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		http.NotFound(w, r)
		return nil, false
	}
	job, err := svc.Jobs.Get(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) || (err == nil && job == nil) {
		http.Error(w, "not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		svc.Log.Error("get job", "job_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	return job, true
}

// splitSections accepts repeated form values as well as comma separated lists.
func splitSections(values []string) []string {
	var out []string
	for _, v := range values {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("handler panicked", "path", r.URL.Path, "panic", rec)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
