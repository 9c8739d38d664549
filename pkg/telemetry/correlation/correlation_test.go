package correlation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "cid-1")
	ctx, cid := EnsureCorrelationID(ctx)
	assert.Equal(t, "cid-1", cid)
	assert.Equal(t, "cid-1", ExtractCorrelationID(ctx))
}

func TestEnsureCorrelationIDGeneratesULID(t *testing.T) {
	ctx, cid := EnsureCorrelationID(context.Background())
	assert.Len(t, cid, 26)
	assert.Equal(t, cid, ExtractCorrelationID(ctx))
}

func TestInjectTraceIntoMetadata(t *testing.T) {
	ctx := ContextWithRemoteSpan(context.Background(), "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7")
	ctx = ContextWithCorrelationID(ctx, "cid-2")

	metadata := InjectTraceIntoMetadata(ctx, map[string]any{"payment_ref": "P1"})
	assert.Equal(t, "P1", metadata["payment_ref"])
	assert.Equal(t, "cid-2", metadata["correlation_id"])
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", metadata["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", metadata["span_id"])
	assert.NotEmpty(t, metadata["recorded_at"])
}

func TestContextWithRemoteSpanIgnoresInvalidIDs(t *testing.T) {
	ctx := ContextWithRemoteSpan(context.Background(), "zz", "00f067aa0ba902b7")
	require.False(t, trace.SpanContextFromContext(ctx).IsValid())
}
