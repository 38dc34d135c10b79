package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDisabledProvider(t *testing.T) {
	p, err := InitTracer(Config{Enabled: false}, nil)
	require.NoError(t, err)

	_, span := p.StartSpan(context.Background(), "noop")
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSpansAreRecorded(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	p := NewProvider(tp, "test")

	ctx, span := p.StartSpan(context.Background(), "prefetch.run", attribute.String("clip.id", "c1"))
	AddEvent(ctx, "frame.inserted", attribute.Int("frame", 3))
	SetStatus(ctx, codes.Ok, "")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "prefetch.run", ended[0].Name())
	require.Len(t, ended[0].Events(), 1)
	assert.Equal(t, "frame.inserted", ended[0].Events()[0].Name)
}

func TestNilProviderStartSpan(t *testing.T) {
	var p *Provider
	ctx, span := p.StartSpan(context.Background(), "x")
	assert.NotNil(t, ctx)
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}
