// Package registry resolves pipeline executors lazily and exactly once per
// pipeline id, without holding its lock across construction.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alephauto/alephauto/internal/domain"
	"github.com/alephauto/alephauto/internal/executor"
)

// Factory builds the executor for one pipeline. Factories may be slow
// (they can open connections, load models, warm caches); the registry
// never holds its mutex while one runs.
type Factory func(ctx context.Context) (*executor.Executor, error)

// Registry maps pipeline ids to lazily constructed executors. Unknown ids
// fail fast with ErrUnknownPipeline; construction failures are not cached,
// so a later Resolve retries the factory.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	cache     map[string]*executor.Executor
	pending   map[string]chan struct{}
	closed    bool
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		cache:     make(map[string]*executor.Executor),
		pending:   make(map[string]chan struct{}),
	}
}

// Register installs the factory for a pipeline id. Registration happens at
// startup, before any Resolve; re-registration replaces the factory but
// never an already built executor.
func (r *Registry) Register(pipelineID string, f Factory) error {
	if !domain.ValidPipelineID(pipelineID) {
		return fmt.Errorf("op=registry.register pipeline=%q: %w", pipelineID, domain.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[pipelineID] = f
	return nil
}

// Pipelines returns the sorted set of registered pipeline ids.
func (r *Registry) Pipelines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Known reports whether the pipeline id has a registered factory.
func (r *Registry) Known(pipelineID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[pipelineID]
	return ok
}

// Resolved returns the executors that have been constructed so far.
func (r *Registry) Resolved() []*executor.Executor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*executor.Executor, 0, len(r.cache))
	for _, e := range r.cache {
		out = append(out, e)
	}
	return out
}

// Resolve returns the executor for the pipeline id, constructing it on
// first use. Concurrent resolvers of the same id single-flight on a pending
// channel, so the factory runs at most once per miss while slow factories
// never block other pipelines. The publish step still re-checks the cache
// and disposes a duplicate should one ever be built.
func (r *Registry) Resolve(ctx context.Context, pipelineID string) (*executor.Executor, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("op=registry.resolve pipeline=%s: %w", pipelineID, domain.ErrShuttingDown)
	}
	if e, ok := r.cache[pipelineID]; ok {
		r.mu.Unlock()
		return e, nil
	}
	f, ok := r.factories[pipelineID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("op=registry.resolve pipeline=%q: %w", pipelineID, domain.ErrUnknownPipeline)
	}
	if wait, inFlight := r.pending[pipelineID]; inFlight {
		r.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("op=registry.resolve pipeline=%s: %w", pipelineID, ctx.Err())
		}
		// The in-flight construction finished (or failed); re-enter.
		return r.Resolve(ctx, pipelineID)
	}
	doneCh := make(chan struct{})
	r.pending[pipelineID] = doneCh
	r.mu.Unlock()

	exec, err := f(ctx)

	r.mu.Lock()
	delete(r.pending, pipelineID)
	close(doneCh)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("op=registry.resolve pipeline=%s: %w: %w", pipelineID, domain.ErrInitFailed, err)
	}
	if winner, ok := r.cache[pipelineID]; ok {
		// Someone published first; dispose the duplicate.
		r.mu.Unlock()
		shutdownCtx, cancel := context.WithCancel(context.Background())
		cancel()
		if serr := exec.Shutdown(shutdownCtx); serr != nil {
			slog.Warn("duplicate executor disposal failed",
				slog.String("pipeline_id", pipelineID), slog.Any("error", serr))
		}
		return winner, nil
	}
	if r.closed {
		r.mu.Unlock()
		shutdownCtx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = exec.Shutdown(shutdownCtx)
		return nil, fmt.Errorf("op=registry.resolve pipeline=%s: %w", pipelineID, domain.ErrShuttingDown)
	}
	r.cache[pipelineID] = exec
	r.mu.Unlock()
	return exec, nil
}

// ShutdownAll stops intake on every constructed executor and waits for
// each within the shared context deadline. Errors are aggregated into logs;
// shutdown always proceeds past individual failures.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	execs := make([]*executor.Executor, 0, len(r.cache))
	for _, e := range r.cache {
		execs = append(execs, e)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range execs {
		wg.Add(1)
		go func(e *executor.Executor) {
			defer wg.Done()
			if err := e.Shutdown(ctx); err != nil {
				slog.Warn("executor shutdown failed",
					slog.String("pipeline_id", e.PipelineID()), slog.Any("error", err))
			}
		}(e)
	}
	wg.Wait()
}
