// Package tracing wires OpenTelemetry spans for invocations and attempts.
// When disabled it hands out a no-op tracer.
package tracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"phobos.org.uk/relay/internal/config"
)

// Span names.
const (
	SpanInvoke  = "relay.invoke"
	SpanAttempt = "relay.attempt"
)

// Attribute keys.
const (
	AttrResponseID = attribute.Key("relay.response_id")
	AttrProvider   = attribute.Key("relay.provider")
	AttrMode       = attribute.Key("relay.mode")
	AttrAttempt    = attribute.Key("relay.attempt")
	AttrFallback   = attribute.Key("relay.fallback")
	AttrState      = attribute.Key("relay.state")
	AttrReason     = attribute.Key("relay.reason")
	AttrExitCode   = attribute.Key("relay.exit_code")
	AttrHadOutput  = attribute.Key("relay.had_output")
)

// Provider owns the tracer provider and any file it writes to.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	file     *os.File
}

// Noop returns a provider whose spans are discarded.
func Noop() *Provider {
	return &Provider{tracer: noop.NewTracerProvider().Tracer("noop")}
}

// NewProvider builds a provider from settings.
func NewProvider(cfg config.TracingConfig) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	var (
		exporter sdktrace.SpanExporter
		file     *os.File
		err      error
	)
	switch cfg.Exporter {
	case "stdout", "":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file_path required for file exporter")
		}
		file, err = os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(file))
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("create file exporter: %w", err)
		}
	case "none":
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.Exporter)
	}

	p := WithExporter(exporter, cfg.ServiceName, cfg.SampleRate)
	p.file = file
	return p, nil
}

// WithExporter builds an enabled provider around exporter, which may be nil.
func WithExporter(exporter sdktrace.SpanExporter, serviceName string, sampleRate float64) *Provider {
	if serviceName == "" {
		serviceName = config.DefaultServiceName
	}
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithSyncer(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	return &Provider{provider: tp, tracer: tp.Tracer(serviceName)}
}

// Tracer returns the tracer to start spans with. Never nil.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Enabled reports whether spans are recorded.
func (p *Provider) Enabled() bool {
	return p.provider != nil
}

// Shutdown flushes pending spans and closes the trace file.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	err := p.provider.Shutdown(ctx)
	if p.file != nil {
		if cerr := p.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
