// Command server runs the AlephAuto core: job executors, the event broker,
// the job repository and the HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alephauto/alephauto/internal/adapter/httpserver"
	"github.com/alephauto/alephauto/internal/adapter/repo/memory"
	"github.com/alephauto/alephauto/internal/adapter/repo/postgres"
	"github.com/alephauto/alephauto/internal/app"
	"github.com/alephauto/alephauto/internal/config"
	"github.com/alephauto/alephauto/internal/domain"
	"github.com/alephauto/alephauto/internal/events"
	"github.com/alephauto/alephauto/internal/executor"
	"github.com/alephauto/alephauto/internal/observability"
	"github.com/alephauto/alephauto/internal/pipelines"
	"github.com/alephauto/alephauto/internal/registry"
	"github.com/alephauto/alephauto/internal/secrets"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(observability.SetupLogger(cfg))
	observability.InitMetrics()

	traceShutdown, err := observability.SetupTracing(cfg)
	if err != nil {
		return fmt.Errorf("op=main tracing: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Repository: PostgreSQL when a DSN is configured, in-memory otherwise
	// (dev and tests).
	var (
		repo    domain.JobRepository
		repoPG  *postgres.JobsRepo
		cleanup []func()
	)
	if cfg.DBURL != "" {
		pool, perr := postgres.NewPool(ctx, cfg.DBURL)
		if perr != nil {
			return fmt.Errorf("op=main db connect: %w", perr)
		}
		cleanup = append(cleanup, pool.Close)
		if serr := postgres.EnsureSchema(ctx, pool); serr != nil {
			return fmt.Errorf("op=main db schema: %w", serr)
		}
		repoPG = postgres.NewJobsRepo(pool)
		repoPG.SetMaxLimit(cfg.PaginationMaxLimit)
		repo = repoPG
	} else {
		slog.Warn("DB_URL empty; using in-memory job repository")
		repoMem := memory.NewJobsRepo()
		repoMem.SetMaxLimit(cfg.PaginationMaxLimit)
		repo = repoMem
	}

	broker := events.NewBroker(cfg.EventBuffer)

	var secretProvider *secrets.Provider
	if cfg.SecretsURL != "" {
		var store secrets.SnapshotStore
		if cfg.RedisAddr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			cleanup = append(cleanup, func() { _ = rdb.Close() })
			store = secrets.NewRedisSnapshotStore(rdb, 0)
		}
		secretProvider = secrets.NewProvider(
			secrets.NewHTTPSource(cfg.SecretsURL, cfg.SecretsToken),
			store,
			secrets.Options{
				FailureThreshold: cfg.CBFailureThreshold,
				SuccessThreshold: cfg.CBSuccessThreshold,
				Cooldown:         cfg.CBCooldown(),
				BaseDelay:        cfg.CBBaseDelay(),
				BackoffMult:      cfg.CBBackoffMult,
				MaxBackoff:       cfg.CBMaxBackoff(),
				StaleAfter:       cfg.SecretStaleAfter,
			})
	}

	overrides, err := config.LoadPipelineOverrides(cfg.PipelinesFile)
	if err != nil {
		return err
	}

	reg := registry.New()
	if err := registerPipelines(reg, cfg, overrides, repo, broker); err != nil {
		return err
	}

	srv := httpserver.NewServer(reg, repo, broker, secretProvider, version)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.APIPort),
		Handler:           app.NewRouter(cfg, srv),
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		// WriteTimeout stays zero: the event stream is long-lived and its
		// heartbeat keeps the connection honest instead.
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.Int("port", cfg.APIPort), slog.String("version", version))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("op=main http: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	graceCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	// Order matters: stop taking work, drain executors, close the broker so
	// streams end, flush the repository, then stop the listener.
	reg.ShutdownAll(graceCtx)
	broker.Close()
	if repoPG != nil {
		if left := repoPG.Flush(); left > 0 {
			slog.Warn("shutdown left queued writes unflushed", slog.Int("queued_writes", left))
		}
		repoPG.Close()
	}
	if err := httpSrv.Shutdown(graceCtx); err != nil {
		slog.Warn("http shutdown incomplete", slog.Any("error", err))
	}
	if traceShutdown != nil {
		if err := traceShutdown(graceCtx); err != nil {
			slog.Warn("trace exporter shutdown failed", slog.Any("error", err))
		}
	}
	for _, fn := range cleanup {
		fn()
	}
	slog.Info("shutdown complete")
	return nil
}

// registerPipelines wires the built-in pipelines into the registry with
// per-pipeline overrides applied over the process defaults.
func registerPipelines(reg *registry.Registry, cfg config.Config, overrides map[string]config.PipelineOverride, repo domain.JobRepository, broker *events.Broker) error {
	register := func(id string, worker domain.Worker) error {
		opts := executorOptions(id, cfg, overrides)
		return reg.Register(id, func(ctx context.Context) (*executor.Executor, error) {
			return executor.New(worker, repo, broker, opts), nil
		})
	}
	return register("echo", pipelines.NewEcho())
}

func executorOptions(pipelineID string, cfg config.Config, overrides map[string]config.PipelineOverride) executor.Options {
	opts := executor.Options{
		PipelineID:    pipelineID,
		MaxConcurrent: cfg.MaxConcurrent,
		MaxRetries:    cfg.MaxRetries,
		Timeout:       cfg.JobTimeout,
	}
	gitEnabled := cfg.EnableGitWorkflow
	if ov, ok := overrides[pipelineID]; ok {
		if ov.MaxConcurrent > 0 {
			opts.MaxConcurrent = ov.MaxConcurrent
		}
		if ov.MaxRetries != nil {
			opts.MaxRetries = *ov.MaxRetries
		}
		if ov.Timeout > 0 {
			opts.Timeout = ov.Timeout
		}
		if ov.GitWorkflow != nil {
			gitEnabled = *ov.GitWorkflow
		}
	}
	if gitEnabled {
		opts.Git = executor.NewGitFlow(".", cfg.GitBranchPrefix)
	}
	return opts
}
