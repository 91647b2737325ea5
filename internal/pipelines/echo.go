// Package pipelines holds the built-in workers. Real pipelines live out of
// tree and register through the same registry contract.
package pipelines

import (
	"context"
	"fmt"

	"github.com/alephauto/alephauto/internal/domain"
)

// Echo is the reference worker: it returns its input unchanged under the
// "echoed" key. Used for smoke tests and as the minimal Worker example.
type Echo struct{}

// NewEcho constructs the echo worker.
func NewEcho() *Echo { return &Echo{} }

// Execute returns {echoed: data}, honoring cancellation.
func (e *Echo) Execute(ctx context.Context, data map[string]any) (map[string]any, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("op=echo.execute: %w", ctx.Err())
	default:
	}
	return map[string]any{"echoed": data}, nil
}

var _ domain.Worker = (*Echo)(nil)
