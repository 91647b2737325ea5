// Package executor owns the lifecycle of jobs for a single pipeline: a
// bounded FIFO work queue, dispatch with retry/backoff, cooperative
// cancellation, and lifecycle event emission.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/alephauto/alephauto/internal/domain"
	"github.com/alephauto/alephauto/internal/observability"
)

// Options configures one executor.
type Options struct {
	PipelineID    string
	MaxConcurrent int
	MaxRetries    int
	// Timeout bounds a single execution attempt. Zero means 10 minutes.
	Timeout time.Duration
	// Retry backoff schedule: delay = min(BaseDelay * Mult^(attempts-1), MaxBackoff).
	BaseDelay  time.Duration
	Mult       float64
	MaxBackoff time.Duration
	// Git enables the branch/commit/PR workflow around executions.
	Git *GitFlow
}

func (o *Options) defaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 5
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Minute
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.Mult < 1 {
		o.Mult = 2
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
}

// Stats is the executor's live counters view.
type Stats struct {
	PipelineID     string `json:"pipeline_id"`
	Active         int    `json:"active"`
	Queued         int    `json:"queued"`
	CompletedTotal uint64 `json:"completed_total"`
	FailedTotal    uint64 `json:"failed_total"`
}

// Cancel outcomes.
const (
	CancelOK         = "ok"
	CancelBestEffort = "ok_best_effort"
)

type trackedJob struct {
	job             domain.Job
	cancel          context.CancelFunc
	cancelRequested bool
}

// Executor drives jobs for one pipeline. All mutable state is guarded by
// mu; worker executions run outside the lock.
type Executor struct {
	opts   Options
	worker domain.Worker
	repo   domain.JobRepository
	events domain.EventSink

	mu             sync.Mutex
	queue          []string
	jobs           map[string]*trackedJob
	active         int
	completedTotal uint64
	failedTotal    uint64
	shuttingDown   bool
	idle           chan struct{} // closed when active drops to zero during shutdown

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs an executor and starts its dispatch loop.
func New(worker domain.Worker, repo domain.JobRepository, events domain.EventSink, opts Options) *Executor {
	opts.defaults()
	e := &Executor{
		opts:   opts,
		worker: worker,
		repo:   repo,
		events: events,
		jobs:   make(map[string]*trackedJob),
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	e.wg.Add(1)
	go e.dispatchLoop()
	return e
}

// PipelineID returns the owning pipeline id.
func (e *Executor) PipelineID() string { return e.opts.PipelineID }

// CreateJob validates the input, persists a fresh job in queued state,
// emits job:created and triggers dispatch.
func (e *Executor) CreateJob(ctx context.Context, data map[string]any) (domain.Job, error) {
	tracer := otel.Tracer("executor")
	ctx, span := tracer.Start(ctx, "executor.CreateJob")
	defer span.End()

	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return domain.Job{}, fmt.Errorf("op=executor.create pipeline=%s: %w", e.opts.PipelineID, domain.ErrShuttingDown)
	}
	e.mu.Unlock()

	job := domain.Job{
		ID:         uuid.New().String(),
		PipelineID: e.opts.PipelineID,
		Status:     domain.JobQueued,
		Data:       data,
		MaxRetries: e.opts.MaxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.repo.Save(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("op=executor.create: %w", err)
	}

	// Track first so Get and Cancel work as soon as job:created is
	// observable; enqueue only after the publish so no dispatch event for
	// this job can precede it.
	e.mu.Lock()
	e.jobs[job.ID] = &trackedJob{job: job.Clone()}
	e.mu.Unlock()

	observability.JobsEnqueuedTotal.WithLabelValues(e.opts.PipelineID).Inc()
	e.publish(domain.EventJobCreated, job, map[string]any{"status": string(job.Status)})

	e.mu.Lock()
	if t, ok := e.jobs[job.ID]; ok && t.job.Status == domain.JobQueued {
		e.queue = append(e.queue, job.ID)
	}
	e.mu.Unlock()
	e.signal()
	return job, nil
}

// Get returns the executor's view of a job.
func (e *Executor) Get(id string) (domain.Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.jobs[id]
	if !ok {
		return domain.Job{}, false
	}
	return t.job.Clone(), true
}

// Cancel cancels a job. Queued jobs fail immediately; running jobs get a
// cooperative cancellation signal and CancelBestEffort is returned since
// the worker decides when to stop. Terminal jobs return ErrAlreadyTerminal.
func (e *Executor) Cancel(ctx context.Context, id string) (string, error) {
	e.mu.Lock()
	t, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return "", fmt.Errorf("op=executor.cancel job=%s: %w", id, domain.ErrNotFound)
	}
	if t.job.Status.Terminal() {
		e.mu.Unlock()
		return "", fmt.Errorf("op=executor.cancel job=%s status=%s: %w", id, t.job.Status, domain.ErrAlreadyTerminal)
	}
	if t.job.Status == domain.JobQueued {
		e.removeQueuedLocked(id)
		e.mu.Unlock()
		e.finalizeFailed(ctx, id, &domain.JobError{Message: "cancelled before execution", Cancelled: true}, "cancelled")
		return CancelOK, nil
	}
	// Running: request cooperative cancellation and let the dispatch task
	// observe the worker's return.
	t.cancelRequested = true
	if t.cancel != nil {
		t.cancel()
	}
	e.mu.Unlock()
	slog.Info("cancellation requested", slog.String("pipeline_id", e.opts.PipelineID), slog.String("job_id", id))
	return CancelBestEffort, nil
}

func (e *Executor) removeQueuedLocked(id string) {
	for i, qid := range e.queue {
		if qid == id {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

// Retry creates a fresh job with the same input data as a failed job.
func (e *Executor) Retry(ctx context.Context, id string) (domain.Job, error) {
	e.mu.Lock()
	t, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return domain.Job{}, fmt.Errorf("op=executor.retry job=%s: %w", id, domain.ErrNotFound)
	}
	if t.job.Status != domain.JobFailed {
		status := t.job.Status
		e.mu.Unlock()
		return domain.Job{}, fmt.Errorf("op=executor.retry job=%s status=%s: only failed jobs can be retried: %w", id, status, domain.ErrInvalidArgument)
	}
	data := t.job.Clone().Data
	e.mu.Unlock()
	return e.CreateJob(ctx, data)
}

// Stats returns live counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		PipelineID:     e.opts.PipelineID,
		Active:         e.active,
		Queued:         len(e.queue),
		CompletedTotal: e.completedTotal,
		FailedTotal:    e.failedTotal,
	}
}

func (e *Executor) signal() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// dispatchLoop watches (queue, active) and spawns dispatch tasks while
// capacity allows. Spawn decisions happen under the mutex; tasks run
// without it.
func (e *Executor) dispatchLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case <-e.kick:
		}
		for {
			e.mu.Lock()
			if e.shuttingDown || len(e.queue) == 0 || e.active >= e.opts.MaxConcurrent {
				e.mu.Unlock()
				break
			}
			id := e.queue[0]
			e.queue = e.queue[1:]
			t, ok := e.jobs[id]
			if !ok || t.job.Status != domain.JobQueued {
				// Cancelled while queued; skip.
				e.mu.Unlock()
				continue
			}
			e.active++
			observability.JobsActive.WithLabelValues(e.opts.PipelineID).Set(float64(e.active))
			e.mu.Unlock()

			e.wg.Add(1)
			go func(jobID string) {
				defer e.wg.Done()
				e.dispatch(jobID)
			}(id)
		}
	}
}

// dispatch runs one execution attempt for the job and routes the outcome
// to finalize or re-enqueue.
func (e *Executor) dispatch(id string) {
	defer func() {
		e.mu.Lock()
		e.active--
		observability.JobsActive.WithLabelValues(e.opts.PipelineID).Set(float64(e.active))
		if e.shuttingDown && e.active == 0 && e.idle != nil {
			close(e.idle)
			e.idle = nil
		}
		e.mu.Unlock()
		e.signal()
	}()

	execCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.mu.Lock()
	t, ok := e.jobs[id]
	if !ok || t.job.Status.Terminal() {
		// Cancelled between dequeue and dispatch.
		e.mu.Unlock()
		return
	}
	t.cancel = cancel
	t.job.Attempts++
	attempts := t.job.Attempts
	now := time.Now().UTC()
	if t.job.StartedAt == nil {
		t.job.StartedAt = &now
	}
	t.job.Status = domain.JobRunning
	job := t.job.Clone()
	e.mu.Unlock()

	e.persist(job)
	if attempts == 1 {
		e.publish(domain.EventJobStarted, job, map[string]any{"attempts": attempts})
	} else {
		// Restarts keep the created->started prefix intact by reporting as
		// progress with a retry payload.
		e.publish(domain.EventJobProgress, job, map[string]any{"retry": attempts})
	}

	result, execErr := e.execute(execCtx, job)

	e.mu.Lock()
	cancelled := t.cancelRequested
	t.cancel = nil
	e.mu.Unlock()

	switch {
	case execErr == nil:
		e.finalizeCompleted(context.Background(), id, result)
	case cancelled:
		e.finalizeFailed(context.Background(), id, &domain.JobError{
			Message:   execErr.Error(),
			Cancelled: true,
		}, "cancelled")
	default:
		cls := domain.Classify(execErr)
		if cls.Retryable && attempts <= e.opts.MaxRetries {
			e.scheduleRetry(id, attempts, cls)
			return
		}
		jobErr := &domain.JobError{Message: execErr.Error(), Code: codeOf(execErr)}
		e.finalizeFailed(context.Background(), id, jobErr, cls.Reason)
	}
}

func codeOf(err error) string {
	var coded *domain.CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// execute invokes the worker with panic isolation and the per-attempt
// timeout. A worker that outlives the timeout keeps running on its
// goroutine; its eventual result is discarded.
func (e *Executor) execute(ctx context.Context, job domain.Job) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("worker panic",
					slog.String("pipeline_id", e.opts.PipelineID),
					slog.String("job_id", job.ID),
					slog.Any("recover", rec))
				ch <- outcome{err: &domain.CodedError{
					Code: "INTERNAL",
					Msg:  fmt.Sprintf("worker panic: %v", rec),
					Err:  fmt.Errorf("%s: %w", string(debug.Stack()), domain.ErrInternal),
				}}
			}
		}()
		var (
			res map[string]any
			err error
		)
		if e.opts.Git != nil {
			res, _, err = e.runWithGit(ctx, job)
		} else {
			res, err = e.worker.Execute(ctx, job.Data)
		}
		ch <- outcome{result: res, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			// Cooperative cancellation: wait for the worker to return so the
			// core's view never races ahead of reality.
			out := <-ch
			return out.result, out.err
		}
		return nil, ctx.Err()
	}
}

func (e *Executor) runWithGit(ctx context.Context, job domain.Job) (map[string]any, *domain.GitContext, error) {
	res, gitCtx, err := e.opts.Git.wrap(ctx, e.worker, job, func() (map[string]any, error) {
		return e.worker.Execute(ctx, job.Data)
	})
	if gitCtx != nil {
		e.mu.Lock()
		if t, ok := e.jobs[job.ID]; ok {
			t.job.GitContext = gitCtx
		}
		e.mu.Unlock()
	}
	return res, gitCtx, err
}

// scheduleRetry re-enqueues the job at the queue tail after the backoff
// delay, preserving fairness with concurrently created jobs.
func (e *Executor) scheduleRetry(id string, attempts int, cls domain.Classification) {
	delay := e.backoffDelay(attempts)
	observability.JobRetriesTotal.WithLabelValues(e.opts.PipelineID, cls.Reason).Inc()

	e.mu.Lock()
	t, ok := e.jobs[id]
	if ok {
		t.job.Status = domain.JobQueued
		job := t.job.Clone()
		e.mu.Unlock()
		e.persist(job)
		slog.Info("job scheduled for retry",
			slog.String("pipeline_id", e.opts.PipelineID),
			slog.String("job_id", id),
			slog.Int("attempts", attempts),
			slog.String("reason", cls.Reason),
			slog.Duration("delay", delay))
	} else {
		e.mu.Unlock()
		return
	}

	time.AfterFunc(delay, func() {
		e.mu.Lock()
		if e.shuttingDown {
			e.mu.Unlock()
			return
		}
		if t, ok := e.jobs[id]; !ok || t.job.Status != domain.JobQueued {
			e.mu.Unlock()
			return
		}
		e.queue = append(e.queue, id)
		e.mu.Unlock()
		e.signal()
	})
}

func (e *Executor) backoffDelay(attempts int) time.Duration {
	mult := math.Pow(e.opts.Mult, float64(attempts-1))
	d := time.Duration(float64(e.opts.BaseDelay) * mult)
	if d > e.opts.MaxBackoff {
		d = e.opts.MaxBackoff
	}
	return d
}

// finalizeCompleted moves the job to its terminal completed state.
func (e *Executor) finalizeCompleted(ctx context.Context, id string, result map[string]any) {
	e.mu.Lock()
	t, ok := e.jobs[id]
	if !ok || t.job.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	t.job.Status = domain.JobCompleted
	t.job.Result = result
	t.job.CompletedAt = &now
	e.completedTotal++
	job := t.job.Clone()
	e.mu.Unlock()

	e.persist(job)
	observability.JobsCompletedTotal.WithLabelValues(e.opts.PipelineID).Inc()
	e.publish(domain.EventJobCompleted, job, map[string]any{"result": result})
}

// finalizeFailed moves the job to its terminal failed state. Persistence
// failures here are logged but never resurrect the job: in-memory terminal
// state wins and the repository's recovery drains the write later.
func (e *Executor) finalizeFailed(ctx context.Context, id string, jobErr *domain.JobError, reason string) {
	e.mu.Lock()
	t, ok := e.jobs[id]
	if !ok || t.job.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	t.job.Status = domain.JobFailed
	t.job.Error = jobErr
	t.job.CompletedAt = &now
	e.failedTotal++
	job := t.job.Clone()
	e.mu.Unlock()

	e.persist(job)
	observability.JobsFailedTotal.WithLabelValues(e.opts.PipelineID, reason).Inc()
	e.publish(domain.EventJobFailed, job, map[string]any{
		"error":  jobErr,
		"reason": reason,
	})
}

// persist saves the current job snapshot, logging instead of failing: the
// repository degrades rather than blocking job progression.
func (e *Executor) persist(job domain.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.repo.Save(ctx, job); err != nil {
		slog.Error("job state persist failed",
			slog.String("pipeline_id", e.opts.PipelineID),
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)),
			slog.Any("error", err))
	}
}

func (e *Executor) publish(t domain.EventType, job domain.Job, payload map[string]any) {
	if e.events == nil {
		return
	}
	e.events.Publish(domain.Event{
		Type:       t,
		PipelineID: e.opts.PipelineID,
		JobID:      job.ID,
		Timestamp:  time.Now().UTC(),
		Payload:    payload,
	})
}

// Shutdown stops intake, waits up to the context deadline for active jobs
// to drain, and shuts the worker down if it exposes that capability.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return nil
	}
	e.shuttingDown = true
	var idle chan struct{}
	if e.active > 0 {
		idle = make(chan struct{})
		e.idle = idle
	}
	e.mu.Unlock()
	close(e.done)

	if idle != nil {
		select {
		case <-idle:
		case <-ctx.Done():
			slog.Warn("executor shutdown grace elapsed with active jobs",
				slog.String("pipeline_id", e.opts.PipelineID))
		}
	}

	if s, ok := e.worker.(domain.Shutdowner); ok {
		if err := s.Shutdown(ctx); err != nil {
			slog.Warn("worker shutdown failed",
				slog.String("pipeline_id", e.opts.PipelineID),
				slog.Any("error", err))
		}
	}
	return nil
}
