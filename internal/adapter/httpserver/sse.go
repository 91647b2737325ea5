package httpserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alephauto/alephauto/internal/domain"
	"github.com/alephauto/alephauto/internal/events"
)

// heartbeatInterval keeps intermediaries from closing idle streams. The
// contract requires a heartbeat at most every 30s.
const heartbeatInterval = 25 * time.Second

// Events handles GET /api/pipelines/{pipeline_id}/events as a server-sent
// events stream. Delivery is per-pipeline publication ordered; a slow
// client loses oldest events first rather than stalling publishers.
func (s *Server) Events(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipeline_id")
	if errs := pathPipelineID(pipelineID); errs != nil {
		writeFieldErrors(w, errs)
		return
	}
	if !s.Registry.Known(pipelineID) {
		writeError(w, http.StatusNotFound, CodeUnknownPipeline, "unknown pipeline", nil)
		return
	}
	filter := events.Filter{PipelineID: pipelineID}
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			filter.Types = append(filter.Types, domain.EventType(strings.TrimSpace(t)))
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, CodeInternal, "streaming unsupported", nil)
		return
	}

	subID, ch := s.Broker.Subscribe(filter)
	defer s.Broker.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: {\"subscription_id\":%q}\n\n", subID)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				slog.Error("event marshal failed", slog.String("subscription_id", subID), slog.Any("error", err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}
