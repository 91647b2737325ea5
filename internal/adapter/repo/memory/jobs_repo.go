// Package memory provides an in-memory JobRepository used by tests and
// storage-less dev runs. It honors the same contract as the PostgreSQL
// implementation minus durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alephauto/alephauto/internal/domain"
)

// defaultMaxLimit caps a single List page unless overridden.
const defaultMaxLimit = 1000

// JobsRepo stores jobs in a map. Safe for concurrent use.
type JobsRepo struct {
	mu       sync.RWMutex
	jobs     map[string]domain.Job
	maxLimit int
}

// NewJobsRepo constructs an empty in-memory repo.
func NewJobsRepo() *JobsRepo {
	return &JobsRepo{jobs: make(map[string]domain.Job), maxLimit: defaultMaxLimit}
}

// SetMaxLimit overrides the per-page cap applied by List. Call before the
// repo is shared; non-positive values are ignored.
func (r *JobsRepo) SetMaxLimit(n int) {
	if n > 0 {
		r.maxLimit = n
	}
}

// Save upserts a job by id.
func (r *JobsRepo) Save(_ context.Context, j domain.Job) error {
	if !domain.ValidJobID(j.ID) {
		return fmt.Errorf("op=job.save id=%q: %w", j.ID, domain.ErrInvalidJobID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = j.Clone()
	return nil
}

// Get loads a job by id.
func (r *JobsRepo) Get(_ context.Context, id string) (domain.Job, error) {
	if !domain.ValidJobID(id) {
		return domain.Job{}, fmt.Errorf("op=job.get id=%q: %w", id, domain.ErrInvalidJobID)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return j.Clone(), nil
}

// List returns matching jobs ordered by created_at descending. The limit is
// clamped to [1, maxLimit]; a non-positive limit falls back to 10.
func (r *JobsRepo) List(_ context.Context, f domain.ListFilter) ([]domain.Job, int, error) {
	if f.PipelineID != "" && !domain.ValidPipelineID(f.PipelineID) {
		return nil, 0, fmt.Errorf("op=job.list pipeline_id=%q: %w", f.PipelineID, domain.ErrInvalidJobID)
	}
	if f.Limit <= 0 {
		f.Limit = 10
	}
	if f.Limit > r.maxLimit {
		f.Limit = r.maxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	r.mu.RLock()
	matched := make([]domain.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if matches(j, f) {
			matched = append(matched, j.Clone())
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(a, b int) bool { return matched[a].CreatedAt.After(matched[b].CreatedAt) })
	total := len(matched)
	if f.Offset >= total {
		return []domain.Job{}, total, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

// Count returns the number of matching jobs.
func (r *JobsRepo) Count(_ context.Context, f domain.ListFilter) (int, error) {
	if f.PipelineID != "" && !domain.ValidPipelineID(f.PipelineID) {
		return 0, fmt.Errorf("op=job.count pipeline_id=%q: %w", f.PipelineID, domain.ErrInvalidJobID)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, j := range r.jobs {
		if matches(j, f) {
			n++
		}
	}
	return n, nil
}

// Health always reports healthy; memory cannot degrade.
func (r *JobsRepo) Health() domain.RepoHealth {
	return domain.RepoHealth{Status: domain.RepoHealthy}
}

func matches(j domain.Job, f domain.ListFilter) bool {
	if f.PipelineID != "" && j.PipelineID != f.PipelineID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	return true
}
