package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/0xPuncker/undertaker/internal/activator"
	"github.com/0xPuncker/undertaker/internal/agent"
	"github.com/0xPuncker/undertaker/internal/cron"
	"github.com/0xPuncker/undertaker/internal/scheduler"
	"github.com/0xPuncker/undertaker/internal/storage"
	"github.com/0xPuncker/undertaker/pkg/types"
	"github.com/0xPuncker/undertaker/pkg/utils"
	"github.com/gorilla/mux"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

const statsCacheKey = "stats"

var errBadRequest = errors.New("bad request")

type Handler struct {
	logger    *logrus.Logger
	store     storage.Store
	jobs      *scheduler.JobScheduler
	agent     *agent.Agent
	crons     *cron.Scheduler
	registry  *activator.Registry
	cache     *cache.Cache
	startedAt time.Time
}

// NewHandler wires the admin API. crons and registry may be nil; when a
// registry is given, new jobs must reference registered work.
func NewHandler(logger *logrus.Logger, store storage.Store, a *agent.Agent, crons *cron.Scheduler, registry *activator.Registry) *Handler {
	return &Handler{
		logger:    logger,
		store:     store,
		jobs:      scheduler.New(store),
		agent:     a,
		crons:     crons,
		registry:  registry,
		cache:     cache.New(time.Second, 10*time.Second),
		startedAt: time.Now(),
	}
}

type JobResponse struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Status      types.Status        `json:"status"`
	RunAt       time.Time           `json:"run_at"`
	DueIn       string              `json:"due_in,omitempty"`
	Claim       uint64              `json:"claim"`
	Blocking    int                 `json:"blocking"`
	Work        types.WorkReference `json:"work"`
	Parameters  []types.Parameter   `json:"parameters,omitempty"`
}

type CreateJobRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Type        string            `json:"type"`
	Method      string            `json:"method"`
	Static      bool              `json:"static"`
	Parameters  []types.Parameter `json:"parameters"`
	RunAt       *time.Time        `json:"run_at"`
	After       []string          `json:"after"`
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

type CronResponse struct {
	types.CronJob
	NextRun *time.Time `json:"next_run,omitempty"`
}

func newJobResponse(job storage.Job) JobResponse {
	resp := JobResponse{
		ID:          job.ID(),
		Name:        job.Name(),
		Description: job.Description(),
		Status:      job.Status(),
		RunAt:       job.RunAt(),
		Claim:       job.Claim(),
		Blocking:    job.BlockingCount(),
		Work:        job.Work(),
		Parameters:  job.Parameters(),
	}
	if resp.Status == types.StatusScheduled {
		resp.DueIn = utils.FormatUntil(time.Until(resp.RunAt))
	}
	return resp
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	running := h.agent != nil && h.agent.IsRunning()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"agent_running": running,
		"uptime":        time.Since(h.startedAt).Round(time.Second).String(),
	})
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	if cached, found := h.cache.Get(statsCacheKey); found {
		h.writeJSON(w, http.StatusOK, cached)
		return
	}

	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}

	resp := map[string]interface{}{
		"jobs":  stats,
		"total": stats.Total(),
	}
	if h.agent != nil {
		resp["workers"] = h.agent.WorkerCount()
		resp["agent_running"] = h.agent.IsRunning()
	}
	h.cache.SetDefault(statsCacheKey, resp)
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var status types.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := types.ParseStatus(raw)
		if err != nil {
			h.handleError(w, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		status = parsed
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.handleError(w, fmt.Errorf("%w: invalid limit %q", errBadRequest, raw))
			return
		}
		limit = n
	}

	jobs, err := h.store.ListJobs(r.Context(), status, limit)
	if err != nil {
		h.handleError(w, err)
		return
	}

	resp := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, newJobResponse(job))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  resp,
		"count": len(resp),
	})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.Lookup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, fmt.Errorf("%w: invalid request body: %v", errBadRequest, err))
		return
	}

	work := types.WorkReference{TypeName: req.Type, MethodName: req.Method, Static: req.Static}
	if h.registry != nil && !h.registry.Lookup(work) {
		h.handleError(w, fmt.Errorf("%w: %s", activator.ErrNotActivatable, work))
		return
	}

	builder := h.jobs.BuildJob()
	if req.Name != "" {
		builder = builder.WithName(req.Name)
	}
	if req.Description != "" {
		builder = builder.WithDescription(req.Description)
	}
	if req.RunAt != nil {
		builder = builder.At(*req.RunAt)
	}
	for _, p := range req.Parameters {
		builder = builder.WithParameter(p.TypeName, p.Value)
	}
	for _, id := range req.After {
		prerequisite, err := h.store.Lookup(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrUnknownJob) {
				err = fmt.Errorf("%w: prerequisite %s", storage.ErrInvalidReference, id)
			}
			h.handleError(w, err)
			return
		}
		builder = builder.After(prerequisite)
	}

	job, err := builder.Run(r.Context(), work)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.cache.Delete(statsCacheKey)
	h.logger.WithFields(logrus.Fields{
		"job_id":   job.ID(),
		"job_name": job.Name(),
		"work":     work.String(),
	}).Info("Job enqueued through API")
	h.writeJSON(w, http.StatusCreated, newJobResponse(job))
}

func (h *Handler) UpdateJobStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, fmt.Errorf("%w: invalid request body: %v", errBadRequest, err))
		return
	}
	status, err := types.ParseStatus(req.Status)
	if err != nil {
		h.handleError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	job, err := h.store.Lookup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, err)
		return
	}
	if err := h.store.UpdateJobStatus(r.Context(), job, status); err != nil {
		h.handleError(w, err)
		return
	}

	h.cache.Delete(statsCacheKey)
	h.writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (h *Handler) ListCrons(w http.ResponseWriter, r *http.Request) {
	resp := make([]CronResponse, 0)
	if h.crons != nil {
		for _, template := range h.crons.ListJobs() {
			c := CronResponse{CronJob: template}
			if next := h.crons.NextRun(template.Name); !next.IsZero() {
				c.NextRun = &next
			}
			resp = append(resp, c)
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"crons":   resp,
		"running": h.crons != nil && h.crons.IsRunning(),
	})
}

func (h *Handler) StartAgent(w http.ResponseWriter, r *http.Request) {
	if h.agent == nil {
		h.handleError(w, fmt.Errorf("%w: no agent configured", agent.ErrMissingConfiguration))
		return
	}
	if err := h.agent.Start(); err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "agent started successfully",
	})
}

func (h *Handler) StopAgent(w http.ResponseWriter, r *http.Request) {
	if h.agent == nil {
		h.handleError(w, fmt.Errorf("%w: no agent configured", agent.ErrMissingConfiguration))
		return
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if err := h.agent.Stop(wait); err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "agent stopped successfully",
	})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, storage.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, storage.ErrInvalidReference),
		errors.Is(err, storage.ErrUnsupportedTransition),
		errors.Is(err, storage.ErrNullArgument),
		errors.Is(err, activator.ErrNotActivatable),
		errors.Is(err, scheduler.ErrAlreadyConfigured):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrAlreadyConfigured),
		errors.Is(err, agent.ErrInvalidState),
		errors.Is(err, agent.ErrMissingConfiguration):
		return http.StatusConflict
	case errors.Is(err, storage.ErrDisposed),
		errors.Is(err, agent.ErrDisposed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) handleError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	entry := h.logger.WithError(err).WithField("status", code)
	if code >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}
	h.writeJSON(w, code, map[string]string{
		"error": err.Error(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Errorf("Failed to encode response: %v", err)
	}
}
