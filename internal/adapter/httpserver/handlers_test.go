package httpserver_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alephauto/alephauto/internal/adapter/httpserver"
	"github.com/alephauto/alephauto/internal/adapter/repo/memory"
	"github.com/alephauto/alephauto/internal/app"
	"github.com/alephauto/alephauto/internal/config"
	"github.com/alephauto/alephauto/internal/domain"
	"github.com/alephauto/alephauto/internal/events"
	"github.com/alephauto/alephauto/internal/executor"
	"github.com/alephauto/alephauto/internal/pipelines"
	"github.com/alephauto/alephauto/internal/registry"
	"github.com/alephauto/alephauto/internal/secrets"
)

type envelope struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data"`
	Error   *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
	Timestamp string `json:"timestamp"`
}

type failWorker struct{}

func (failWorker) Execute(context.Context, map[string]any) (map[string]any, error) {
	return nil, errors.New("always broken")
}

type fixture struct {
	handler http.Handler
	repo    domain.JobRepository
	broker  *events.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := memory.NewJobsRepo()
	broker := events.NewBroker(64)
	t.Cleanup(broker.Close)

	reg := registry.New()
	opts := executor.Options{MaxConcurrent: 2, MaxRetries: 0, BaseDelay: time.Millisecond, Timeout: 5 * time.Second}
	register := func(id string, w domain.Worker) {
		o := opts
		o.PipelineID = id
		require.NoError(t, reg.Register(id, func(context.Context) (*executor.Executor, error) {
			return executor.New(w, repo, broker, o), nil
		}))
	}
	register("echo", pipelines.NewEcho())
	register("flaky", failWorker{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		reg.ShutdownAll(ctx)
	})

	provider := secrets.NewProvider(&secrets.StaticSource{Values: map[string]string{"K": "v"}}, nil, secrets.Options{
		FailureThreshold: 3, SuccessThreshold: 2, Cooldown: 5 * time.Second,
		BaseDelay: time.Millisecond, BackoffMult: 1, MaxBackoff: time.Millisecond,
	})

	srv := httpserver.NewServer(reg, repo, broker, provider, "test")
	cfg := config.Config{CORSAllowOrigins: "*", EventBuffer: 64, PaginationMaxLimit: 1000}
	return &fixture{handler: app.NewRouter(cfg, srv), repo: repo, broker: broker}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return rec, env
}

func (f *fixture) waitTerminal(t *testing.T, jobID string) map[string]any {
	t.Helper()
	var data map[string]any
	require.Eventually(t, func() bool {
		rec, env := f.do(t, http.MethodGet, "/api/jobs/"+jobID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		data = env.Data
		st, _ := data["status"].(string)
		return st == "completed" || st == "failed"
	}, 5*time.Second, 5*time.Millisecond)
	return data
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec, env := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Equal(t, "ok", env.Data["status"])
	assert.Equal(t, "test", env.Data["version"])
	assert.NotEmpty(t, env.Timestamp)
}

func TestTriggerAndPoll(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec, env := f.do(t, http.MethodPost, "/api/pipelines/echo/trigger", map[string]any{
		"parameters": map[string]any{"x": float64(1)},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.True(t, env.Success)
	jobID, _ := env.Data["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "queued", env.Data["status"])
	assert.Equal(t, "echo", env.Data["pipeline_id"])

	final := f.waitTerminal(t, jobID)
	assert.Equal(t, "completed", final["status"])
	result, _ := final["result"].(map[string]any)
	require.NotNil(t, result)
	echoed, _ := result["echoed"].(map[string]any)
	assert.Equal(t, float64(1), echoed["x"])
}

func TestTriggerUnknownPipeline(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec, env := f.do(t, http.MethodPost, "/api/pipelines/ghost/trigger", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, httpserver.CodeUnknownPipeline, env.Error.Code)
}

func TestTriggerRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec, env := f.do(t, http.MethodPost, "/api/pipelines/echo/trigger", map[string]any{"bogus": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, httpserver.CodeInvalidRequest, env.Error.Code)
	assert.Contains(t, env.Error.Details, "errors")
}

func TestTriggerInvalidPipelineID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec, env := f.do(t, http.MethodPost, "/api/pipelines/bad!id/trigger", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, httpserver.CodeInvalidRequest, env.Error.Code)
}

func TestGetJobValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec, env := f.do(t, http.MethodGet, "/api/jobs/bad!id", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, httpserver.CodeInvalidJobID, env.Error.Code)

	rec, env = f.do(t, http.MethodGet, "/api/jobs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, httpserver.CodeNotFound, env.Error.Code)
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var ids []string
	for i := 0; i < 3; i++ {
		rec, env := f.do(t, http.MethodPost, "/api/pipelines/echo/trigger", nil)
		require.Equal(t, http.StatusCreated, rec.Code)
		id, _ := env.Data["job_id"].(string)
		ids = append(ids, id)
	}
	for _, id := range ids {
		f.waitTerminal(t, id)
	}

	rec, env := f.do(t, http.MethodGet, "/api/pipelines/echo/jobs?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "echo", env.Data["pipeline_id"])
	assert.Equal(t, float64(3), env.Data["total"])
	jobs, _ := env.Data["jobs"].([]any)
	assert.Len(t, jobs, 2)
	assert.Equal(t, true, env.Data["has_more"])

	rec, env = f.do(t, http.MethodGet, "/api/pipelines/echo/jobs?status=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), env.Data["total"])

	// The failed tab is equivalent to the status filter.
	rec, env = f.do(t, http.MethodGet, "/api/pipelines/echo/jobs?tab=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), env.Data["total"])
}

func TestListJobsValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec, env := f.do(t, http.MethodGet, "/api/pipelines/echo/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, httpserver.CodeInvalidRequest, env.Error.Code)

	rec, env = f.do(t, http.MethodGet, "/api/pipelines/echo/jobs?typo=1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)

	rec, _ = f.do(t, http.MethodGet, "/api/pipelines/ghost/jobs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTerminalJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, env := f.do(t, http.MethodPost, "/api/pipelines/echo/trigger", nil)
	jobID, _ := env.Data["job_id"].(string)
	f.waitTerminal(t, jobID)

	rec, env := f.do(t, http.MethodPost, "/api/jobs/"+jobID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, httpserver.CodeAlreadyTerminal, env.Error.Code)
}

func TestRetryFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, env := f.do(t, http.MethodPost, "/api/pipelines/flaky/trigger", nil)
	jobID, _ := env.Data["job_id"].(string)
	final := f.waitTerminal(t, jobID)
	require.Equal(t, "failed", final["status"])

	// Retry of a failed job creates a fresh one.
	rec, env := f.do(t, http.MethodPost, "/api/jobs/"+jobID+"/retry", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	freshID, _ := env.Data["job_id"].(string)
	assert.NotEmpty(t, freshID)
	assert.NotEqual(t, jobID, freshID)
	assert.Equal(t, jobID, env.Data["source_job_id"])

	// Retry of a completed job is refused.
	_, env = f.do(t, http.MethodPost, "/api/pipelines/echo/trigger", nil)
	okID, _ := env.Data["job_id"].(string)
	f.waitTerminal(t, okID)
	rec, env = f.do(t, http.MethodPost, "/api/jobs/"+okID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NotNil(t, env.Error)
}

func TestStatusAndPipelines(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec, env := f.do(t, http.MethodGet, "/api/pipelines", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list, _ := env.Data["pipelines"].([]any)
	require.Len(t, list, 2)

	rec, env = f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	repoHealth, _ := env.Data["repository"].(map[string]any)
	assert.Equal(t, "healthy", repoHealth["status"])
	assert.Contains(t, env.Data, "secrets")
}

func TestSecretsHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec, env := f.do(t, http.MethodGet, "/api/health/secrets", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "closed", env.Data["state"])
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/pipelines/echo/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		for {
			line, rerr := reader.ReadString('\n')
			require.NoError(t, rerr)
			if strings.HasPrefix(line, "event: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "event: "))
			}
		}
	}
	require.Equal(t, "connected", readEvent())

	_, env := f.do(t, http.MethodPost, "/api/pipelines/echo/trigger", nil)
	require.True(t, env.Success)

	seen := map[string]bool{}
	for !seen["job:completed"] {
		seen[readEvent()] = true
	}
	assert.True(t, seen["job:created"])
	assert.True(t, seen["job:started"])
}

func TestEventStreamUnknownPipeline(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec, env := f.do(t, http.MethodGet, "/api/pipelines/ghost/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, httpserver.CodeUnknownPipeline, env.Error.Code)
}
