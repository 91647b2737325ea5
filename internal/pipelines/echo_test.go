package pipelines

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoReturnsInput(t *testing.T) {
	t.Parallel()
	w := NewEcho()
	out, err := w.Execute(context.Background(), map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1}, out["echoed"])
}

func TestEchoHonorsCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEcho().Execute(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
