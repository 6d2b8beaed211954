// Package tracing wires real OpenTelemetry tracing for the authority: one
// span per LLM request and one per tool invocation, parented under a
// per-run span, replacing the teacher's hand-rolled
// internal/agent/loop_tracing.go span-to-Postgres pipeline with the real
// OTel SDK (SPEC_FULL.md DOMAIN STACK).
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config selects the OTLP exporter and service identity.
type Config struct {
	Enabled      bool
	OTLPEndpoint string
	Protocol     string // "grpc" (default) or "http"
	ServiceName  string
}

// Provider owns the process-wide TracerProvider and a named Tracer for
// this authority's spans.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider builds and installs a TracerProvider per cfg. When
// cfg.Enabled is false it installs a no-op provider so callers never need
// a nil check.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		otel.SetTracerProvider(tp)
		return &Provider{tp: tp, tracer: tp.Tracer("ripd")}, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: build exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "ripd"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp, tracer: tp.Tracer("ripd")}, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
	}
	return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(cfg.OTLPEndpoint))
}

// Shutdown flushes and stops the exporter; call on process exit.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// StartRun opens the parent span for one session run (spec §4.8), and
// returns the context carrying it so LLM/tool spans nest underneath.
func (p *Provider) StartRun(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "session.run", trace.WithAttributes(attribute.String("ripd.session_id", sessionID)))
}

// StartProviderRequest opens a span for one outgoing LLM request.
func (p *Provider) StartProviderRequest(ctx context.Context, model string, iteration int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "provider.request", trace.WithAttributes(
		attribute.String("ripd.model", model),
		attribute.Int("ripd.iteration", iteration),
	))
}

// StartTool opens a span for one tool invocation.
func (p *Provider) StartTool(ctx context.Context, name, toolID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		attribute.String("ripd.tool_name", name),
		attribute.String("ripd.tool_id", toolID),
	))
}
