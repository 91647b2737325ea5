// Package domain holds the core entities, ports and error taxonomy shared
// by the executor, registry, repository and HTTP layers.
package domain

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidJobID      = errors.New("invalid job id")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyTerminal   = errors.New("job already terminal")
	ErrUnknownPipeline   = errors.New("unknown pipeline")
	ErrInitFailed        = errors.New("pipeline init failed")
	ErrSecretUnavailable = errors.New("secret unavailable")
	ErrShuttingDown      = errors.New("shutting down")
	ErrInternal          = errors.New("internal error")
)

var (
	jobIDRe      = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)
	pipelineIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// ValidJobID reports whether s is an acceptable job identifier.
// The pattern is enforced on every boundary that consumes a job id.
func ValidJobID(s string) bool { return jobIDRe.MatchString(s) }

// ValidPipelineID reports whether s is an acceptable pipeline identifier.
func ValidPipelineID(s string) bool { return pipelineIDRe.MatchString(s) }

// JobStatus enumerates the job lifecycle states.
type JobStatus string

// Job lifecycle states. Completed and Failed are terminal.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// ValidStatus reports whether s names a known job status.
func ValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobQueued, JobRunning, JobCompleted, JobFailed:
		return true
	}
	return false
}

// JobError is the structured failure payload attached to failed jobs.
type JobError struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Stack     string `json:"stack,omitempty"`
	Cancelled bool   `json:"cancelled"`
}

// GitContext carries optional git workflow metadata for workers that mutate
// a repository. Opaque to the core.
type GitContext struct {
	Branch     string `json:"branch,omitempty"`
	BaseBranch string `json:"base_branch,omitempty"`
	Commit     string `json:"commit,omitempty"`
	PRURL      string `json:"pr_url,omitempty"`
}

// Job is the unit of work tracked by an executor.
//
// Invariants: terminal statuses are final; Attempts <= MaxRetries+1;
// StartedAt is non-nil iff the job has ever been running;
// CreatedAt <= StartedAt <= CompletedAt.
type Job struct {
	ID          string         `json:"job_id"`
	PipelineID  string         `json:"pipeline_id"`
	Status      JobStatus      `json:"status"`
	Data        map[string]any `json:"data,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *JobError      `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxRetries  int            `json:"max_retries"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	GitContext  *GitContext    `json:"git_context,omitempty"`
}

// Clone returns a deep copy of the job so callers cannot mutate executor or
// repository state through shared maps.
func (j Job) Clone() Job {
	out := j
	if j.Data != nil {
		out.Data = make(map[string]any, len(j.Data))
		for k, v := range j.Data {
			out.Data[k] = v
		}
	}
	if j.Result != nil {
		out.Result = make(map[string]any, len(j.Result))
		for k, v := range j.Result {
			out.Result[k] = v
		}
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.GitContext != nil {
		g := *j.GitContext
		out.GitContext = &g
	}
	return out
}

// EventType enumerates lifecycle event kinds.
type EventType string

// Lifecycle event kinds published on the event broker.
const (
	EventJobCreated   EventType = "job:created"
	EventJobStarted   EventType = "job:started"
	EventJobProgress  EventType = "job:progress"
	EventJobCompleted EventType = "job:completed"
	EventJobFailed    EventType = "job:failed"
)

// Event is an immutable job lifecycle notification.
type Event struct {
	Type       EventType      `json:"type"`
	PipelineID string         `json:"pipeline_id"`
	JobID      string         `json:"job_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// ListFilter narrows repository list and count queries.
type ListFilter struct {
	PipelineID string
	Status     JobStatus
	Limit      int
	Offset     int
}

// RepoStatus enumerates repository health states.
type RepoStatus string

// Repository health states.
const (
	RepoHealthy  RepoStatus = "healthy"
	RepoDegraded RepoStatus = "degraded"
)

// RepoHealth is the repository health view.
type RepoHealth struct {
	Status              RepoStatus `json:"status"`
	QueuedWrites        int        `json:"queued_writes"`
	RecoveryAttempts    int        `json:"recovery_attempts"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// JobRepository persists and queries job records. Implementations must
// provide single-process FIFO write ordering and an atomic upsert by id.
type JobRepository interface {
	Save(ctx context.Context, j Job) error
	Get(ctx context.Context, id string) (Job, error)
	List(ctx context.Context, f ListFilter) ([]Job, int, error)
	Count(ctx context.Context, f ListFilter) (int, error)
	Health() RepoHealth
}

// Worker is the plug-in capability a pipeline provides. The core treats it
// as a black box: it is handed the job data and returns a result or an
// error, observing ctx at suspension points for cooperative cancellation.
type Worker interface {
	Execute(ctx context.Context, data map[string]any) (map[string]any, error)
}

// Shutdowner is an optional worker capability invoked during graceful
// shutdown. Workers may omit it.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// CommitMessenger optionally supplies the commit message used by the git
// workflow post-step. Absent implementations get a default message.
type CommitMessenger interface {
	GenerateCommitMessage(job Job) string
}

// PRContexter optionally supplies the pull request title and body used by
// the git workflow post-step.
type PRContexter interface {
	GeneratePRContext(job Job) (title, body string)
}

// EventSink receives lifecycle events. The broker implements it; tests may
// substitute a recorder.
type EventSink interface {
	Publish(ev Event)
}
