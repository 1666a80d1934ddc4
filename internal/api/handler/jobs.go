package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/simconsole/internal/api/response"
	"github.com/kiranshivaraju/simconsole/internal/artifact"
	"github.com/kiranshivaraju/simconsole/internal/cache"
	"github.com/kiranshivaraju/simconsole/internal/lifecycle"
	"github.com/kiranshivaraju/simconsole/internal/session"
	"github.com/kiranshivaraju/simconsole/pkg/models"
)

// Jobs serves the experiment lifecycle endpoints. Every request is scoped
// to the orchestrator of the caller and the {jobType} in the path.
type Jobs struct {
	registry  *lifecycle.Registry
	results   ResultCache
	resultTTL time.Duration
}

// ResultCache stores downloaded simulation results between requests.
type ResultCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// JobsOption configures the lifecycle handlers.
type JobsOption func(*Jobs)

// WithResultCache caches completed results for ttl. A non-positive ttl
// leaves caching off.
func WithResultCache(c ResultCache, ttl time.Duration) JobsOption {
	return func(h *Jobs) {
		if ttl > 0 {
			h.results = c
			h.resultTTL = ttl
		}
	}
}

// NewJobs creates the lifecycle handlers.
func NewJobs(registry *lifecycle.Registry, opts ...JobsOption) *Jobs {
	h := &Jobs{registry: registry}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type jobView struct {
	models.Job
	Controls lifecycle.Controls `json:"controls"`
}

type jobListResponse struct {
	JobType string    `json:"job_type"`
	Busy    bool      `json:"busy"`
	Jobs    []jobView `json:"jobs"`
}

type submitResponse struct {
	Job       jobView `json:"job"`
	RunStatus string  `json:"run_status"`
	Message   string  `json:"message,omitempty"`
}

func (h *Jobs) orchestrator(w http.ResponseWriter, r *http.Request) (*lifecycle.Orchestrator, bool) {
	user, ok := session.FromContext(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Not authenticated", nil)
		return nil, false
	}
	orch, err := h.registry.Get(user, chi.URLParam(r, "jobType"))
	if err != nil {
		writeLifecycleError(w, err)
		return nil, false
	}
	return orch, true
}

func view(orch *lifecycle.Orchestrator, j models.Job) jobView {
	return jobView{Job: j, Controls: orch.Controls(j)}
}

// ListJobTypes handles GET /api/v1/jobtypes.
func (h *Jobs) ListJobTypes(w http.ResponseWriter, _ *http.Request) {
	response.JSON(w, h.registry.Types().All())
}

// List handles GET /api/v1/jobs/{jobType}: refresh, then list with controls.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	orch, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	jobs, err := orch.Refresh(r.Context())
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	out := jobListResponse{JobType: orch.JobType().Key, Busy: orch.Busy(), Jobs: make([]jobView, 0, len(jobs))}
	for _, j := range jobs {
		out.Jobs = append(out.Jobs, view(orch, j))
	}
	response.JSON(w, out)
}

// Submit handles POST /api/v1/jobs/{jobType}.
func (h *Jobs) Submit(w http.ResponseWriter, r *http.Request) {
	orch, ok := h.orchestrator(w, r)
	if !ok {
		return
	}

	var req struct {
		Parameter map[string]any `json:"parameter"`
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if req.Parameter == nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "parameter is required", nil)
		return
	}

	res, err := orch.Submit(r.Context(), req.Parameter)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	response.Created(w, submitResponse{
		Job:       view(orch, res.Job),
		RunStatus: res.Run.Status,
		Message:   res.Run.Message,
	})
}

// Rerun handles POST /api/v1/jobs/{jobType}/{uid}/run.
func (h *Jobs) Rerun(w http.ResponseWriter, r *http.Request) {
	orch, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	uid := chi.URLParam(r, "uid")
	if err := ensureListed(r, orch, uid); err != nil {
		writeLifecycleError(w, err)
		return
	}

	res, err := orch.Rerun(r.Context(), uid)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	response.Accepted(w, submitResponse{
		Job:       view(orch, res.Job),
		RunStatus: res.Run.Status,
		Message:   res.Run.Message,
	})
}

// Delete handles DELETE /api/v1/jobs/{jobType}/{uid}.
func (h *Jobs) Delete(w http.ResponseWriter, r *http.Request) {
	orch, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	uid := chi.URLParam(r, "uid")
	if err := ensureListed(r, orch, uid); err != nil {
		writeLifecycleError(w, err)
		return
	}
	job, _ := orch.Job(uid)
	if err := orch.Delete(r.Context(), uid); err != nil {
		writeLifecycleError(w, err)
		return
	}
	if h.results != nil {
		if err := h.results.Delete(r.Context(), resultKey(orch, job)); err != nil {
			slog.Warn("evict cached result failed", "job_uid", uid, "error", err)
		}
	}
	response.JSON(w, map[string]string{"deleted": uid})
}

// Result handles GET /api/v1/jobs/{jobType}/{uid}/result. The download is
// offered only for completed jobs.
func (h *Jobs) Result(w http.ResponseWriter, r *http.Request) {
	orch, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	uid := chi.URLParam(r, "uid")
	if err := ensureListed(r, orch, uid); err != nil {
		writeLifecycleError(w, err)
		return
	}
	job, _ := orch.Job(uid)
	if !orch.Controls(job).CanDownload {
		response.Error(w, http.StatusConflict, "JOB_NOT_COMPLETED",
			"The simulation result is available once the job has completed",
			map[string]string{"status": job.Status})
		return
	}

	key := resultKey(orch, job)
	if data, ok := h.cachedResult(r.Context(), key); ok {
		response.Attachment(w, artifact.ContentType, artifact.FileName(orch.JobType().Key), data)
		return
	}

	a, err := orch.Download(r.Context(), uid)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	if h.results != nil {
		if err := h.results.Set(r.Context(), key, a.Data, h.resultTTL); err != nil {
			slog.Warn("cache result failed", "job_uid", uid, "error", err)
		}
	}
	response.Attachment(w, artifact.ContentType, a.FileName, a.Data)
}

func (h *Jobs) cachedResult(ctx context.Context, key string) ([]byte, bool) {
	if h.results == nil {
		return nil, false
	}
	data, ok, err := h.results.Get(ctx, key)
	if err != nil {
		slog.Warn("read cached result failed", "key", key, "error", err)
		return nil, false
	}
	return data, ok && len(data) > 0
}

func resultKey(orch *lifecycle.Orchestrator, j models.Job) string {
	var version int64
	if j.UpdatedTime != nil {
		version = j.UpdatedTime.UnixNano()
	}
	return cache.ResultKey(orch.JobType().Key, j.UID, version)
}

// Notifications handles GET /api/v1/notifications/{jobType}.
func (h *Jobs) Notifications(w http.ResponseWriter, r *http.Request) {
	orch, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	response.JSON(w, orch.Notifications().Active())
}

// ensureListed loads the working set when uid is not in it yet, so that a
// fresh orchestrator can act on jobs created in an earlier session.
func ensureListed(r *http.Request, orch *lifecycle.Orchestrator, uid string) error {
	if _, ok := orch.Job(uid); ok {
		return nil
	}
	if _, err := orch.Refresh(r.Context()); err != nil {
		return err
	}
	if _, ok := orch.Job(uid); !ok {
		return fmt.Errorf("%w: %s", lifecycle.ErrJobNotFound, uid)
	}
	return nil
}
