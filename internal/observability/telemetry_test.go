package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, NewLogger("DEBUG", "svc").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, NewLogger("chatty", "svc").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, NewLogger("", "svc").GetLevel())
}

func TestLoggerWithTraceAddsSpanFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	plainLogger := LoggerWithTrace(context.Background(), logger)
	plainLogger.Info().Msg("plain")
	var plain map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &plain))
	assert.NotContains(t, plain, "trace_id")

	buf.Reset()
	provider := sdktrace.NewTracerProvider()
	ctx, span := provider.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	tracedLogger := LoggerWithTrace(ctx, logger)
	tracedLogger.Info().Msg("traced")
	var traced map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &traced))
	assert.Equal(t, span.SpanContext().TraceID().String(), traced["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), traced["span_id"])
}
