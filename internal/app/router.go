// Package app assembles the HTTP router from the handler set, middleware
// chain and cross-cutting policies.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alephauto/alephauto/internal/adapter/httpserver"
	"github.com/alephauto/alephauto/internal/config"
	"github.com/alephauto/alephauto/internal/observability"
)

// NewRouter builds the chi router. Mutating endpoints carry a per-IP rate
// limit; the SSE stream is mounted outside the request timeout middleware
// since it is long-lived on purpose.
func NewRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()

	r.Use(httpserver.RequestID)
	r.Use(httpserver.Recoverer)
	r.Use(httpserver.SecurityHeaders)
	r.Use(httpserver.AccessLog)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", srv.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Get("/health/secrets", srv.SecretsHealth)
		api.Get("/status", srv.Status)
		api.Get("/pipelines", srv.Pipelines)
		api.Get("/pipelines/{pipeline_id}/jobs", srv.PipelineJobs)
		api.Get("/pipelines/{pipeline_id}/events", srv.Events)
		api.Get("/jobs/{job_id}", srv.GetJob)

		api.Group(func(mut chi.Router) {
			if cfg.RateLimitPerMin > 0 {
				mut.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			}
			mut.Post("/pipelines/{pipeline_id}/trigger", srv.Trigger)
			mut.Post("/jobs/{job_id}/cancel", srv.CancelJob)
			mut.Post("/jobs/{job_id}/retry", srv.RetryJob)
		})
	})

	return r
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = []string{"*"}
	}
	return out
}
