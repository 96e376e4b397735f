package tracing

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zaptest"
)

func TestInitializeDisabled(t *testing.T) {
	require.NoError(t, Initialize(Config{Enabled: false}, zaptest.NewLogger(t)))

	// helpers stay usable with the no-op provider
	ctx, span := StartWorkflowSpan(context.Background(), "hierarchical", "task-1")
	span.End()
	assert.Empty(t, W3CTraceparent(ctx))

	// nothing to flush when the exporter was never set up
	assert.NoError(t, Shutdown(context.Background()))
}

func TestTraceparentFromRecordingSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "agent.execute")
	defer span.End()

	tpHeader := W3CTraceparent(ctx)
	require.NotEmpty(t, tpHeader)
	parts := strings.Split(tpHeader, "-")
	require.Len(t, parts, 4)
	assert.Equal(t, "00", parts[0])
	assert.Len(t, parts[1], 32)
	assert.Len(t, parts[2], 16)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://model-api.local/v1", nil)
	require.NoError(t, err)
	InjectTraceparent(ctx, req)
	assert.Equal(t, tpHeader, req.Header.Get("traceparent"))
}

func TestInjectTraceparentWithoutSpan(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "http://model-api.local/v1", nil)
	require.NoError(t, err)
	InjectTraceparent(context.Background(), req)
	assert.Empty(t, req.Header.Get("traceparent"))
}
