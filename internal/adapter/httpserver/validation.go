package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/alephauto/alephauto/internal/domain"
)

const maxBodyBytes = 1 << 20 // 1 MiB

var validate = validator.New(validator.WithRequiredStructEnabled())

// triggerRequest is the POST trigger payload. Unknown fields are rejected.
type triggerRequest struct {
	Parameters map[string]any `json:"parameters" validate:"omitempty"`
}

// decodeStrict decodes a JSON body rejecting unknown fields and trailing
// garbage. An empty body decodes to the zero value.
func decodeStrict(r *http.Request, dst any) []FieldError {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return []FieldError{{Field: "body", Message: "unreadable request body", Code: "invalid_body"}}
	}
	if len(body) > maxBodyBytes {
		return []FieldError{{Field: "body", Message: "request body too large", Code: "too_large"}}
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return []FieldError{{Field: "body", Message: decodeErrMessage(err), Code: "invalid_json"}}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return []FieldError{{Field: "body", Message: "unexpected trailing content", Code: "invalid_json"}}
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			out := make([]FieldError, 0, len(verrs))
			for _, fe := range verrs {
				out = append(out, FieldError{
					Field:   strings.ToLower(fe.Field()),
					Message: fmt.Sprintf("failed %s validation", fe.Tag()),
					Code:    fe.Tag(),
				})
			}
			return out
		}
		return []FieldError{{Field: "body", Message: "validation failed", Code: "invalid"}}
	}
	return nil
}

func decodeErrMessage(err error) string {
	var ute *json.UnmarshalTypeError
	if errors.As(err, &ute) {
		return fmt.Sprintf("field %q has wrong type", ute.Field)
	}
	if strings.HasPrefix(err.Error(), "json: unknown field ") {
		return "unknown field " + strings.TrimPrefix(err.Error(), "json: unknown field ")
	}
	return "malformed JSON"
}

// listQuery is the parsed and sanitized job list query.
type listQuery struct {
	Status domain.JobStatus
	Limit  int
	Offset int
	Tab    string
}

// parseListQuery validates and clamps the job list parameters. Unknown
// query keys are rejected so typos fail loudly instead of silently
// returning an unfiltered list.
func parseListQuery(q url.Values) (listQuery, []FieldError) {
	out := listQuery{Limit: 10, Offset: 0, Tab: "recent"}
	var errs []FieldError

	for key := range q {
		switch key {
		case "status", "limit", "offset", "tab":
		default:
			errs = append(errs, FieldError{Field: key, Message: "unknown query parameter", Code: "unknown_param"})
		}
	}

	if v := q.Get("status"); v != "" {
		if !domain.ValidStatus(v) {
			errs = append(errs, FieldError{Field: "status", Message: "must be one of queued, running, completed, failed", Code: "invalid_enum"})
		} else {
			out.Status = domain.JobStatus(v)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		switch {
		case err != nil:
			errs = append(errs, FieldError{Field: "limit", Message: "must be an integer", Code: "invalid_int"})
		case n < 1:
			out.Limit = 10
		case n > 100:
			out.Limit = 100
		default:
			out.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		switch {
		case err != nil:
			errs = append(errs, FieldError{Field: "offset", Message: "must be an integer", Code: "invalid_int"})
		case n < 0:
			out.Offset = 0
		default:
			out.Offset = n
		}
	}
	if v := q.Get("tab"); v != "" {
		switch v {
		case "recent", "failed", "all":
			out.Tab = v
		default:
			errs = append(errs, FieldError{Field: "tab", Message: "must be one of recent, failed, all", Code: "invalid_enum"})
		}
	}
	return out, errs
}

// pathPipelineID validates the pipeline_id path segment.
func pathPipelineID(id string) []FieldError {
	if !domain.ValidPipelineID(id) {
		return []FieldError{{Field: "pipeline_id", Message: "must match [A-Za-z0-9_-]{1,64}", Code: "invalid_format"}}
	}
	return nil
}
