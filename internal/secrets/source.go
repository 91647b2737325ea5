// Package secrets wraps the external secret source behind a circuit
// breaker facade with a cached snapshot fallback.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Source is the upstream secret capability: one fetch returning the full
// secret map.
type Source interface {
	Fetch(ctx context.Context) (map[string]string, error)
}

// HTTPSource fetches the secret map from a JSON endpoint with an optional
// bearer token.
type HTTPSource struct {
	URL    string
	Token  string
	Client *http.Client
}

// NewHTTPSource constructs an HTTPSource with a bounded request timeout.
func NewHTTPSource(url, token string) *HTTPSource {
	return &HTTPSource{URL: url, Token: token, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Fetch retrieves the secret map. Non-2xx responses are errors.
func (s *HTTPSource) Fetch(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("op=secrets.fetch: %w", err)
	}
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=secrets.fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("op=secrets.fetch: upstream status %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("op=secrets.fetch decode: %w", err)
	}
	return out, nil
}

// StaticSource serves a fixed map. Used in dev mode and tests.
type StaticSource struct {
	Values map[string]string
	Err    error
}

// Fetch returns the configured map or error.
func (s *StaticSource) Fetch(_ context.Context) (map[string]string, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Values, nil
}
