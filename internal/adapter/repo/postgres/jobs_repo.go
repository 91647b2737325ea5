package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/alephauto/alephauto/internal/domain"
	"github.com/alephauto/alephauto/internal/observability"
)

const (
	// degradeAfter is the number of consecutive persist failures that
	// switches the repo into degraded mode.
	degradeAfter = 5
	// recoveryAlertAfter is the number of consecutive failed recovery
	// attempts that triggers the critical signal.
	recoveryAlertAfter = 10
	// maxQueuedWrites bounds the degraded-mode write queue.
	maxQueuedWrites = 10000
	// defaultMaxLimit caps a single List page unless overridden.
	defaultMaxLimit = 1000
)

// JobsRepo persists job records in PostgreSQL. Under transient storage
// failures it degrades to an in-memory write queue: saves keep succeeding
// from the caller's perspective, in-memory state is authoritative, and a
// background task drains the queue back into the store with exponential
// backoff.
type JobsRepo struct {
	pool     PgxPool
	maxLimit int

	mu               sync.Mutex
	healthy          bool
	consecFailures   int
	recoveryAttempts int
	queue            []domain.Job            // FIFO of pending writes
	pending          map[string]domain.Job   // latest pending value per id
	wake             chan struct{}

	done chan struct{}
}

// NewJobsRepo constructs the repo and starts its recovery task.
func NewJobsRepo(pool PgxPool) *JobsRepo {
	r := &JobsRepo{
		pool:     pool,
		maxLimit: defaultMaxLimit,
		healthy:  true,
		pending:  make(map[string]domain.Job),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go r.recoveryLoop()
	return r
}

// SetMaxLimit overrides the per-page cap applied by List. Call before the
// repo is shared; non-positive values are ignored.
func (r *JobsRepo) SetMaxLimit(n int) {
	if n > 0 {
		r.maxLimit = n
	}
}

// Close stops the background recovery task.
func (r *JobsRepo) Close() { close(r.done) }

// Flush makes one best-effort attempt to drain the degraded-mode write
// queue, used during shutdown. It returns the number of writes left queued.
func (r *JobsRepo) Flush() int {
	r.drainOnce()
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Save upserts a job by id. While degraded, the write is queued in memory
// and nil is returned; callers never see transient storage failures.
func (r *JobsRepo) Save(ctx context.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Save")
	defer span.End()

	if !domain.ValidJobID(j.ID) {
		return fmt.Errorf("op=job.save id=%q: %w", j.ID, domain.ErrInvalidJobID)
	}

	r.mu.Lock()
	if !r.healthy {
		r.enqueueLocked(j)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.persist(ctx, j); err != nil {
		r.mu.Lock()
		r.consecFailures++
		slog.Warn("job persist failed",
			slog.String("job_id", j.ID),
			slog.Int("consecutive_failures", r.consecFailures),
			slog.Any("error", err))
		if r.consecFailures >= degradeAfter {
			r.enterDegradedLocked()
			// The write that tripped the threshold is queued too, so it is
			// not lost; in-memory state is authoritative from here on.
			r.enqueueLocked(j)
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()
		return fmt.Errorf("op=job.save: %w", err)
	}

	r.mu.Lock()
	r.consecFailures = 0
	r.mu.Unlock()
	return nil
}

// enterDegradedLocked flips the repo into degraded mode. Caller holds mu.
func (r *JobsRepo) enterDegradedLocked() {
	if !r.healthy {
		return
	}
	r.healthy = false
	r.recoveryAttempts = 0
	observability.RepoDegraded.Set(1)
	slog.Error("job repository entering degraded mode",
		slog.Int("consecutive_failures", r.consecFailures))
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// enqueueLocked appends a pending write, evicting the oldest entry if the
// queue is full. Caller holds mu.
func (r *JobsRepo) enqueueLocked(j domain.Job) {
	if len(r.queue) >= maxQueuedWrites {
		evicted := r.queue[0]
		r.queue = r.queue[1:]
		slog.Error("degraded write queue full, evicting oldest write",
			slog.String("job_id", evicted.ID))
	}
	j = j.Clone()
	r.queue = append(r.queue, j)
	r.pending[j.ID] = j
	observability.RepoQueuedWrites.Set(float64(len(r.queue)))
}

// persist performs the actual upsert.
func (r *JobsRepo) persist(ctx context.Context, j domain.Job) error {
	data, err := marshalJSON(j.Data)
	if err != nil {
		return fmt.Errorf("op=job.persist marshal data: %w", err)
	}
	result, err := marshalJSON(j.Result)
	if err != nil {
		return fmt.Errorf("op=job.persist marshal result: %w", err)
	}
	var jobErr []byte
	if j.Error != nil {
		if jobErr, err = json.Marshal(j.Error); err != nil {
			return fmt.Errorf("op=job.persist marshal error: %w", err)
		}
	}
	var gitCtx []byte
	if j.GitContext != nil {
		if gitCtx, err = json.Marshal(j.GitContext); err != nil {
			return fmt.Errorf("op=job.persist marshal git_context: %w", err)
		}
	}
	q := `INSERT INTO jobs (id, pipeline_id, status, data, result, error, attempts, max_retries, created_at, started_at, completed_at, git_context)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	      ON CONFLICT (id) DO UPDATE SET
	        status = EXCLUDED.status, result = EXCLUDED.result, error = EXCLUDED.error,
	        attempts = EXCLUDED.attempts, started_at = EXCLUDED.started_at,
	        completed_at = EXCLUDED.completed_at, git_context = EXCLUDED.git_context`
	_, err = r.pool.Exec(ctx, q, j.ID, j.PipelineID, j.Status, data, result, jobErr,
		j.Attempts, j.MaxRetries, j.CreatedAt, j.StartedAt, j.CompletedAt, gitCtx)
	return err
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// recoveryLoop drains the write queue whenever the repo is degraded,
// backing off exponentially between failed attempts (5s start, doubled,
// capped at 5 minutes). After 10 consecutive failed attempts it emits a
// critical signal and keeps trying.
func (r *JobsRepo) recoveryLoop() {
	const (
		initial  = 5 * time.Second
		maxDelay = 5 * time.Minute
	)
	delay := initial
	for {
		select {
		case <-r.done:
			return
		case <-r.wake:
		}

		for {
			r.mu.Lock()
			degraded := !r.healthy
			r.mu.Unlock()
			if !degraded {
				delay = initial
				break
			}

			select {
			case <-r.done:
				return
			case <-time.After(delay):
			}

			if r.tryRecover() {
				slog.Info("job repository recovered, write queue drained")
				delay = initial
				break
			}

			r.mu.Lock()
			r.recoveryAttempts++
			attempts := r.recoveryAttempts
			r.mu.Unlock()
			if attempts == recoveryAlertAfter {
				slog.Error("job repository recovery failing persistently",
					slog.Int("recovery_attempts", attempts))
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}
}

// tryRecover drains the queue and, if it stayed empty, exits degraded mode.
func (r *JobsRepo) tryRecover() bool {
	if !r.drainOnce() {
		return false
	}
	return r.exitDegraded()
}

// exitDegraded flips the repo back to healthy unless a Save raced in behind
// the drain. The queue is re-checked under the mutex that sets healthy so a
// raced write stays owned by the recovery loop instead of stranding in the
// queue until the next degradation.
func (r *JobsRepo) exitDegraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) > 0 {
		return false
	}
	r.healthy = true
	r.consecFailures = 0
	r.recoveryAttempts = 0
	observability.RepoDegraded.Set(0)
	return true
}

// drainOnce writes queued entries to the store in FIFO order. Returns true
// when the queue is fully drained.
func (r *JobsRepo) drainOnce() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return true
		}
		head := r.queue[0]
		r.mu.Unlock()

		if err := r.persist(ctx, head); err != nil {
			slog.Warn("recovery drain write failed",
				slog.String("job_id", head.ID),
				slog.Any("error", err))
			return false
		}

		r.mu.Lock()
		r.queue = r.queue[1:]
		// Only clear the pending overlay if no newer write for the same id
		// is still queued behind us.
		if !newerQueued(r.queue, head.ID) {
			delete(r.pending, head.ID)
		}
		observability.RepoQueuedWrites.Set(float64(len(r.queue)))
		r.mu.Unlock()
	}
}

func newerQueued(queue []domain.Job, id string) bool {
	for _, j := range queue {
		if j.ID == id {
			return true
		}
	}
	return false
}

// Get loads a job by id, preferring any pending in-memory write so reads
// observe writes in program order.
func (r *JobsRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()

	if !domain.ValidJobID(id) {
		return domain.Job{}, fmt.Errorf("op=job.get id=%q: %w", id, domain.ErrInvalidJobID)
	}

	r.mu.Lock()
	if j, ok := r.pending[id]; ok {
		r.mu.Unlock()
		return j.Clone(), nil
	}
	r.mu.Unlock()

	q := `SELECT id, pipeline_id, status, data, result, error, attempts, max_retries, created_at, started_at, completed_at, git_context
	      FROM jobs WHERE id=$1`
	j, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j                       domain.Job
		data, result, jerr, git []byte
	)
	if err := row.Scan(&j.ID, &j.PipelineID, &j.Status, &data, &result, &jerr,
		&j.Attempts, &j.MaxRetries, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &git); err != nil {
		return domain.Job{}, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &j.Data); err != nil {
			return domain.Job{}, err
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &j.Result); err != nil {
			return domain.Job{}, err
		}
	}
	if len(jerr) > 0 {
		j.Error = &domain.JobError{}
		if err := json.Unmarshal(jerr, j.Error); err != nil {
			return domain.Job{}, err
		}
	}
	if len(git) > 0 {
		j.GitContext = &domain.GitContext{}
		if err := json.Unmarshal(git, j.GitContext); err != nil {
			return domain.Job{}, err
		}
	}
	return j, nil
}

// List returns jobs matching the filter ordered by created_at descending,
// merged with pending writes, plus the total matching count. The limit is
// clamped to [1, maxLimit]; a non-positive limit falls back to 10.
func (r *JobsRepo) List(ctx context.Context, f domain.ListFilter) ([]domain.Job, int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()

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

	where, args := buildFilter(f)
	q := `SELECT id, pipeline_id, status, data, result, error, attempts, max_retries, created_at, started_at, completed_at, git_context FROM jobs` +
		where + fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, f.Offset+f.Limit)

	var canonical []domain.Job
	rows, err := r.pool.Query(ctx, q, args...)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			j, scanErr := scanJob(rows)
			if scanErr != nil {
				return nil, 0, fmt.Errorf("op=job.list scan: %w", scanErr)
			}
			canonical = append(canonical, j)
		}
		if rows.Err() != nil {
			return nil, 0, fmt.Errorf("op=job.list rows: %w", rows.Err())
		}
	} else {
		// Degraded store: serve from the pending overlay alone rather than
		// failing the read.
		r.mu.Lock()
		degraded := !r.healthy
		r.mu.Unlock()
		if !degraded {
			return nil, 0, fmt.Errorf("op=job.list: %w", err)
		}
	}

	total, err := r.Count(ctx, f)
	if err != nil {
		return nil, 0, err
	}

	merged := r.mergePending(canonical, f)
	// Apply offset/limit after the merge so pending writes page correctly.
	if f.Offset >= len(merged) {
		return []domain.Job{}, total, nil
	}
	merged = merged[f.Offset:]
	if len(merged) > f.Limit {
		merged = merged[:f.Limit]
	}
	return merged, total, nil
}

// mergePending overlays pending writes onto canonical rows: pending values
// win per id, pending-only jobs are added, and the result is re-sorted by
// created_at descending.
func (r *JobsRepo) mergePending(canonical []domain.Job, f domain.ListFilter) []domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return canonical
	}
	byID := make(map[string]int, len(canonical))
	out := make([]domain.Job, len(canonical))
	copy(out, canonical)
	for i, j := range out {
		byID[j.ID] = i
	}
	for id, p := range r.pending {
		if !matchesFilter(p, f) {
			if i, ok := byID[id]; ok {
				// Pending value no longer matches the filter; drop the row.
				out = append(out[:i], out[i+1:]...)
				byID = reindex(out)
			}
			continue
		}
		if i, ok := byID[id]; ok {
			out[i] = p.Clone()
		} else {
			out = append(out, p.Clone())
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out
}

func reindex(jobs []domain.Job) map[string]int {
	m := make(map[string]int, len(jobs))
	for i, j := range jobs {
		m[j.ID] = i
	}
	return m
}

func matchesFilter(j domain.Job, f domain.ListFilter) bool {
	if f.PipelineID != "" && j.PipelineID != f.PipelineID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	return true
}

// Count returns the number of jobs matching the filter, pending writes
// included.
func (r *JobsRepo) Count(ctx context.Context, f domain.ListFilter) (int, error) {
	if f.PipelineID != "" && !domain.ValidPipelineID(f.PipelineID) {
		return 0, fmt.Errorf("op=job.count pipeline_id=%q: %w", f.PipelineID, domain.ErrInvalidJobID)
	}
	where, args := buildFilter(f)
	var total int
	storeErr := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total)
	if storeErr != nil {
		r.mu.Lock()
		degraded := !r.healthy
		r.mu.Unlock()
		if !degraded {
			return 0, fmt.Errorf("op=job.count: %w", storeErr)
		}
		total = 0
	}

	r.mu.Lock()
	pendingIDs := make([]string, 0, len(r.pending))
	for id, p := range r.pending {
		if matchesFilter(p, f) {
			pendingIDs = append(pendingIDs, id)
		}
	}
	r.mu.Unlock()
	if len(pendingIDs) == 0 {
		return total, nil
	}

	// Pending writes that already exist canonically are counted once; only
	// pending-only jobs add to the total.
	existing := 0
	if storeErr == nil {
		if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ANY($1)`, pendingIDs).Scan(&existing); err != nil {
			existing = 0
		}
	}
	return total + len(pendingIDs) - existing, nil
}

func buildFilter(f domain.ListFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.PipelineID != "" {
		args = append(args, f.PipelineID)
		conds = append(conds, fmt.Sprintf("pipeline_id=$%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status=$%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	where := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}
	return where, args
}

// Health returns the degraded-mode health view.
func (r *JobsRepo) Health() domain.RepoHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := domain.RepoHealth{
		Status:              domain.RepoHealthy,
		QueuedWrites:        len(r.queue),
		RecoveryAttempts:    r.recoveryAttempts,
		ConsecutiveFailures: r.consecFailures,
	}
	if !r.healthy {
		h.Status = domain.RepoDegraded
	}
	return h
}
