package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alephauto/alephauto/internal/domain"
	"github.com/alephauto/alephauto/internal/events"
	"github.com/alephauto/alephauto/internal/executor"
	"github.com/alephauto/alephauto/internal/registry"
	"github.com/alephauto/alephauto/internal/secrets"
)

// Server bundles the handler dependencies.
type Server struct {
	Registry *registry.Registry
	Repo     domain.JobRepository
	Broker   *events.Broker
	Secrets  *secrets.Provider // nil when no secret source is configured
	Version  string
}

// NewServer constructs the handler set.
func NewServer(reg *registry.Registry, repo domain.JobRepository, broker *events.Broker, sec *secrets.Provider, version string) *Server {
	return &Server{Registry: reg, Repo: repo, Broker: broker, Secrets: sec, Version: version}
}

// Health handles GET /health.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// SecretsHealth handles GET /api/health/secrets. Returns 200 only while
// the circuit is closed; any other state is a 503 carrying the health view.
func (s *Server) SecretsHealth(w http.ResponseWriter, r *http.Request) {
	if s.Secrets == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "no secret source configured", nil)
		return
	}
	h := s.Secrets.Health()
	status := http.StatusOK
	if h.State != secrets.StateClosed {
		status = http.StatusServiceUnavailable
	}
	writeData(w, status, h)
}

// Status handles GET /api/status: per-executor stats plus repository and
// secret provider health.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	execs := s.Registry.Resolved()
	stats := make([]executor.Stats, 0, len(execs))
	for _, e := range execs {
		stats = append(stats, e.Stats())
	}
	data := map[string]any{
		"pipelines":   s.Registry.Pipelines(),
		"executors":   stats,
		"repository":  s.Repo.Health(),
		"subscribers": s.Broker.Subscribers(),
	}
	if s.Secrets != nil {
		data["secrets"] = s.Secrets.Health()
	}
	writeData(w, http.StatusOK, data)
}

// Pipelines handles GET /api/pipelines.
func (s *Server) Pipelines(w http.ResponseWriter, r *http.Request) {
	ids := s.Registry.Pipelines()
	list := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		list = append(list, map[string]any{"id": id, "name": id, "registered": true})
	}
	writeData(w, http.StatusOK, map[string]any{"pipelines": list})
}

// Trigger handles POST /api/pipelines/{pipeline_id}/trigger.
func (s *Server) Trigger(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipeline_id")
	if errs := pathPipelineID(pipelineID); errs != nil {
		writeFieldErrors(w, errs)
		return
	}
	var req triggerRequest
	if errs := decodeStrict(r, &req); errs != nil {
		writeFieldErrors(w, errs)
		return
	}

	exec, err := s.Registry.Resolve(r.Context(), pipelineID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	job, err := exec.CreateJob(r.Context(), req.Parameters)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{
		"job_id":      job.ID,
		"pipeline_id": job.PipelineID,
		"status":      string(job.Status),
		"timestamp":   job.CreatedAt.Format(time.RFC3339),
	})
}

// PipelineJobs handles GET /api/pipelines/{pipeline_id}/jobs.
func (s *Server) PipelineJobs(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipeline_id")
	if errs := pathPipelineID(pipelineID); errs != nil {
		writeFieldErrors(w, errs)
		return
	}
	if !s.Registry.Known(pipelineID) {
		writeError(w, http.StatusNotFound, CodeUnknownPipeline, "unknown pipeline", nil)
		return
	}
	q, errs := parseListQuery(r.URL.Query())
	if errs != nil {
		writeFieldErrors(w, errs)
		return
	}

	filter := domain.ListFilter{
		PipelineID: pipelineID,
		Status:     q.Status,
		Limit:      q.Limit,
		Offset:     q.Offset,
	}
	// The failed tab forces the status filter; recent and all only differ
	// in presentation upstream, both map to the default ordering here.
	if q.Tab == "failed" {
		filter.Status = domain.JobFailed
	}

	jobs, total, err := s.Repo.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"pipeline_id": pipelineID,
		"jobs":        jobs,
		"total":       total,
		"has_more":    q.Offset+len(jobs) < total,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

// GetJob handles GET /api/jobs/{job_id}.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	if !domain.ValidJobID(id) {
		writeError(w, http.StatusBadRequest, CodeInvalidJobID, "invalid job id", nil)
		return
	}
	job, err := s.Repo.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, job)
}

// CancelJob handles POST /api/jobs/{job_id}/cancel.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	if !domain.ValidJobID(id) {
		writeError(w, http.StatusBadRequest, CodeInvalidJobID, "invalid job id", nil)
		return
	}
	job, err := s.Repo.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if job.Status.Terminal() {
		writeDomainError(w, domain.ErrAlreadyTerminal)
		return
	}
	exec, err := s.Registry.Resolve(r.Context(), job.PipelineID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	outcome, err := exec.Cancel(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		// Known to the store but not to this process (left over from a
		// previous run). Mark it failed-cancelled directly.
		now := time.Now().UTC()
		job.Status = domain.JobFailed
		job.Error = &domain.JobError{Message: "cancelled", Cancelled: true}
		job.CompletedAt = &now
		if serr := s.Repo.Save(r.Context(), job); serr != nil {
			writeDomainError(w, serr)
			return
		}
		outcome, err = executor.CancelOK, nil
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"job_id": id, "status": outcome})
}

// RetryJob handles POST /api/jobs/{job_id}/retry. Only failed jobs may be
// retried; the retry is a fresh job reusing the original input data.
func (s *Server) RetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	if !domain.ValidJobID(id) {
		writeError(w, http.StatusBadRequest, CodeInvalidJobID, "invalid job id", nil)
		return
	}
	job, err := s.Repo.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if job.Status != domain.JobFailed {
		writeError(w, http.StatusConflict, CodeAlreadyTerminal, "only failed jobs can be retried", nil)
		return
	}
	exec, err := s.Registry.Resolve(r.Context(), job.PipelineID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	fresh, err := exec.Retry(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		// Source job predates this process; recreate from the stored data.
		fresh, err = exec.CreateJob(r.Context(), job.Data)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{
		"job_id":        fresh.ID,
		"source_job_id": id,
		"pipeline_id":   fresh.PipelineID,
		"status":        string(fresh.Status),
	})
}
