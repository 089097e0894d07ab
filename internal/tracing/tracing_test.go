package tracing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"phobos.org.uk/relay/internal/config"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	t.Parallel()

	p, err := NewProvider(config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.False(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), SpanInvoke)
	require.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestWithExporterRecordsSpans(t *testing.T) {
	t.Parallel()

	exp := tracetest.NewInMemoryExporter()
	p := WithExporter(exp, "relay-test", 1)

	ctx, parent := p.Tracer().Start(context.Background(), SpanInvoke)
	_, child := p.Tracer().Start(ctx, SpanAttempt)
	child.SetAttributes(AttrAttempt.Int(1))
	child.End()
	parent.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	require.Equal(t, SpanAttempt, spans[0].Name)
	require.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestFileExporter(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "traces.jsonl")
	p, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "file", FilePath: path})
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), SpanInvoke)
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), SpanInvoke)
}

func TestUnknownExporter(t *testing.T) {
	t.Parallel()

	_, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "zipkin"})
	require.Error(t, err)
}
