// Package httpserver implements the HTTP API: handlers, request
// validation, the response envelope and the SSE event stream.
package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alephauto/alephauto/internal/domain"
)

// Stable API error codes.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInvalidJobID        = "INVALID_JOB_ID"
	CodeUnknownPipeline     = "UNKNOWN_PIPELINE"
	CodeAlreadyTerminal     = "ALREADY_TERMINAL"
	CodeNotFound            = "NOT_FOUND"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeInternal            = "INTERNAL"
)

type envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *apiError `json:"error,omitempty"`
	Timestamp string    `json:"timestamp"`
}

type apiError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// FieldError is one entry of error.details.errors on validation failures.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	env.Timestamp = time.Now().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("response encode failed", slog.Any("error", err))
	}
}

// writeData writes the success envelope.
func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// writeError writes the error envelope with the given stable code.
func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, envelope{Success: false, Error: &apiError{Code: code, Message: message, Details: details}})
}

// writeFieldErrors writes a 400 with error.details.errors populated.
func writeFieldErrors(w http.ResponseWriter, fieldErrs []FieldError) {
	writeError(w, http.StatusBadRequest, CodeInvalidRequest, "request validation failed",
		map[string]any{"errors": fieldErrs})
}

// writeDomainError maps a domain error to its stable code and HTTP status.
// Unrecognized errors become 500 INTERNAL with a generic message so
// internals never leak to clients.
func writeDomainError(w http.ResponseWriter, err error) {
	var coded *domain.CodedError
	if errors.As(err, &coded) && coded.Status != 0 {
		writeError(w, coded.Status, coded.Code, coded.Msg, nil)
		return
	}
	switch {
	case errors.Is(err, domain.ErrInvalidJobID):
		writeError(w, http.StatusBadRequest, CodeInvalidJobID, "invalid job id", nil)
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), nil)
	case errors.Is(err, domain.ErrUnknownPipeline):
		writeError(w, http.StatusNotFound, CodeUnknownPipeline, "unknown pipeline", nil)
	case errors.Is(err, domain.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, CodeAlreadyTerminal, "job already in a terminal state", nil)
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", nil)
	case errors.Is(err, domain.ErrSecretUnavailable), errors.Is(err, domain.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "service temporarily unavailable", nil)
	default:
		slog.Error("internal error", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", nil)
	}
}
