package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alephauto/alephauto/internal/domain"
)

func seed(t *testing.T, r *JobsRepo, n int, pipeline string, status domain.JobStatus) {
	t.Helper()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		require.NoError(t, r.Save(context.Background(), domain.Job{
			ID:         fmt.Sprintf("%s-%s-%d", pipeline, status, i),
			PipelineID: pipeline,
			Status:     status,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}
}

func TestSaveAndGet(t *testing.T) {
	t.Parallel()
	r := NewJobsRepo()

	job := domain.Job{
		ID:         "j1",
		PipelineID: "echo",
		Status:     domain.JobQueued,
		Data:       map[string]any{"x": 1},
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, r.Save(context.Background(), job))

	got, err := r.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, "echo", got.PipelineID)
	assert.Equal(t, domain.JobQueued, got.Status)

	// Upsert replaces.
	job.Status = domain.JobCompleted
	require.NoError(t, r.Save(context.Background(), job))
	got, err = r.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
}

func TestGetUnknown(t *testing.T) {
	t.Parallel()
	r := NewJobsRepo()
	_, err := r.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInvalidIDRejected(t *testing.T) {
	t.Parallel()
	r := NewJobsRepo()
	err := r.Save(context.Background(), domain.Job{ID: "bad id!"})
	assert.ErrorIs(t, err, domain.ErrInvalidJobID)
	_, err = r.Get(context.Background(), "bad id!")
	assert.ErrorIs(t, err, domain.ErrInvalidJobID)
}

func TestListFiltersAndPaginates(t *testing.T) {
	t.Parallel()
	r := NewJobsRepo()
	seed(t, r, 5, "echo", domain.JobCompleted)
	seed(t, r, 3, "echo", domain.JobFailed)
	seed(t, r, 2, "other", domain.JobCompleted)

	jobs, total, err := r.List(context.Background(), domain.ListFilter{PipelineID: "echo", Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, 8, total)
	assert.Len(t, jobs, 8)

	// Newest first.
	for i := 1; i < len(jobs); i++ {
		assert.False(t, jobs[i].CreatedAt.After(jobs[i-1].CreatedAt))
	}

	jobs, total, err = r.List(context.Background(), domain.ListFilter{PipelineID: "echo", Status: domain.JobFailed, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, jobs, 2)

	jobs, total, err = r.List(context.Background(), domain.ListFilter{PipelineID: "echo", Status: domain.JobFailed, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, jobs, 1)

	jobs, total, err = r.List(context.Background(), domain.ListFilter{PipelineID: "echo", Limit: 10, Offset: 100})
	require.NoError(t, err)
	assert.Equal(t, 8, total)
	assert.Empty(t, jobs)
}

func TestListClampsLimitToConfiguredMax(t *testing.T) {
	t.Parallel()
	r := NewJobsRepo()
	r.SetMaxLimit(3)
	seed(t, r, 10, "echo", domain.JobCompleted)

	jobs, total, err := r.List(context.Background(), domain.ListFilter{PipelineID: "echo", Limit: 5000})
	require.NoError(t, err)
	assert.Equal(t, 10, total)
	assert.Len(t, jobs, 3)

	// The cap does not shrink pages below a smaller explicit limit.
	jobs, _, err = r.List(context.Background(), domain.ListFilter{PipelineID: "echo", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestCount(t *testing.T) {
	t.Parallel()
	r := NewJobsRepo()
	seed(t, r, 4, "echo", domain.JobCompleted)
	seed(t, r, 2, "other", domain.JobCompleted)

	n, err := r.Count(context.Background(), domain.ListFilter{PipelineID: "echo"})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = r.Count(context.Background(), domain.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestHealthAlwaysHealthy(t *testing.T) {
	t.Parallel()
	r := NewJobsRepo()
	assert.Equal(t, domain.RepoHealthy, r.Health().Status)
}
