package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/nemanja-m/quincy/internal/coordinator/core"
	"github.com/nemanja-m/quincy/internal/coordinator/job"
	"github.com/nemanja-m/quincy/internal/coordinator/service"
	"github.com/nemanja-m/quincy/internal/shared/config"
	"github.com/nemanja-m/quincy/internal/shared/logging"
	"github.com/nemanja-m/quincy/internal/shared/metrics"
)

const (
	defaultLimit = 50
	metricsPath  = "/metrics"
)

type JobService interface {
	SubmitJob(spec core.JobSpec) error
	AbortJob(id string) bool
	Jobs() []job.Status
	Job(id string) (*job.Job, error)
}

type WorkerService interface {
	Workers() []*core.Worker
	HealthyCount() int
}

type API struct {
	master        string
	jobService    JobService
	workerService WorkerService
	logger        logging.Logger
}

func NewAPI(master string, jobService JobService, workerService WorkerService, logger logging.Logger) *API {
	return &API{
		master:        master,
		jobService:    jobService,
		workerService: workerService,
		logger:        logger,
	}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/jobs", a.submitJob)
	mux.HandleFunc("GET /api/jobs", a.listJobs)
	mux.HandleFunc("GET /api/jobs/{id}", a.getJob)
	mux.HandleFunc("GET /api/jobs/{id}/tasks", a.getJobTasks)
	mux.HandleFunc("DELETE /api/jobs/{id}", a.abortJob)
	mux.HandleFunc("GET /api/workers", a.listWorkers)
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	req.Console = completeConsole(r.RemoteAddr, req.Console)

	spec := req.ToJobSpec(a.master)
	if err := a.jobService.SubmitJob(spec); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidJob):
			respondError(w, http.StatusBadRequest, "validation failed", err.Error())
		case errors.Is(err, service.ErrDuplicateJob):
			respondError(w, http.StatusConflict, "job already exists", err.Error())
		case errors.Is(err, service.ErrShuttingDown):
			respondError(w, http.StatusServiceUnavailable, "master shutting down", err.Error())
		default:
			a.logger.Error("Failed to submit job", "job_id", spec.ID, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to submit job", err.Error())
		}
		return
	}

	respondJSON(w, http.StatusCreated, SubmitJobResponse{
		JobID:  spec.ID,
		Status: string(core.JobStateQueued),
		Links: Links{
			Self:  fmt.Sprintf("/api/jobs/%s", spec.ID),
			Tasks: fmt.Sprintf("/api/jobs/%s/tasks", spec.ID),
		},
	})
}

// getJob handles GET /api/jobs/{id}
func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	j, ok := a.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, ToGetJobResponse(j))
}

// listJobs handles GET /api/jobs with an optional state filter and pagination
func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	stateFilter := query.Get("state")

	limit := defaultLimit
	if l, err := strconv.Atoi(query.Get("limit")); err == nil && l > 0 {
		limit = l
	}
	offset := 0
	if o, err := strconv.Atoi(query.Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	all := make([]job.Status, 0)
	for _, st := range a.jobService.Jobs() {
		if stateFilter != "" && string(st.State) != stateFilter {
			continue
		}
		all = append(all, st)
	}

	total := len(all)
	start := min(offset, total)
	end := min(start+limit, total)

	var nextOffset *int
	if end < total {
		next := end
		nextOffset = &next
	}

	respondJSON(w, http.StatusOK, ListJobsResponse{
		Jobs:       all[start:end],
		Total:      total,
		Limit:      limit,
		Offset:     offset,
		NextOffset: nextOffset,
	})
}

// getJobTasks handles GET /api/jobs/{id}/tasks
func (a *API) getJobTasks(w http.ResponseWriter, r *http.Request) {
	j, ok := a.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, GetTasksResponse{
		JobID:  j.ID(),
		Phases: j.Snapshot(),
	})
}

// abortJob handles DELETE /api/jobs/{id}
func (a *API) abortJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.jobService.AbortJob(id) {
		respondError(w, http.StatusNotFound, "job not found", "")
		return
	}
	a.logger.Info("Abort requested over HTTP", "job_id", id)
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers := a.workerService.Workers()
	resp := ListWorkersResponse{
		Workers: make([]WorkerInfo, 0, len(workers)),
		Healthy: a.workerService.HealthyCount(),
	}
	for _, wk := range workers {
		resp.Workers = append(resp.Workers, ToWorkerInfo(wk))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *API) lookup(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	j, err := a.jobService.Job(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			respondError(w, http.StatusNotFound, "job not found", "")
		} else {
			respondError(w, http.StatusInternalServerError, "failed to load job", err.Error())
		}
		return nil, false
	}
	return j, true
}

// completeConsole fills in the caller's IP for a console given as ":port".
func completeConsole(remoteAddr, console string) string {
	if !strings.HasPrefix(console, ":") {
		return console
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return console
	}
	return net.JoinHostPort(host, strings.TrimPrefix(console, ":"))
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, error string, message string) {
	respondJSON(w, statusCode, ErrorResponse{
		Error:   error,
		Message: message,
		Code:    statusCode,
	})
}

// NewServer builds the status HTTP server. master is the address workers
// report to, stamped on jobs submitted over HTTP.
func NewServer(
	cfg config.RESTConfig,
	master string,
	jobService JobService,
	workerService WorkerService,
	collector *metrics.Collector,
	logger logging.Logger,
) *http.Server {
	api := NewAPI(master, jobService, workerService, logger)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	mux.Handle("GET "+metricsPath, collector.Handler())

	handler := ChainMiddleware(
		mux,
		RequestIDMiddleware,
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger, metricsPath),
	)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
