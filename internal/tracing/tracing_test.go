package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer("hookvault", "", zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracerWithEndpoint(t *testing.T) {
	// the exporter connects lazily, so an unused endpoint is fine
	shutdown, err := InitTracer("hookvault", "127.0.0.1:4318", zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, shutdown)
}
