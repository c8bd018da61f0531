package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	// Tracer is nil while tracing is disabled
	Tracer trace.Tracer

	provider *tracesdk.TracerProvider
)

// Init exports spans to the Jaeger collector at endpoint
// (e.g. "http://jaeger:14268/api/traces"). An empty endpoint leaves tracing off.
func Init(serviceName, serviceVersion, endpoint string) error {
	if endpoint == "" {
		return nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	provider = tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter),
		tracesdk.WithResource(serviceResource(serviceName, serviceVersion)),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(sampleRatio(os.Getenv("TRACE_SAMPLE_RATIO"))))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	Tracer = provider.Tracer(serviceName)
	return nil
}

// serviceResource describes this process, adding pod identity from the K8s
// downward API when present
func serviceResource(name, version string) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(version),
	}
	for env, attr := range map[string]func(string) attribute.KeyValue{
		"POD_NAME":      semconv.ServiceInstanceID,
		"POD_NAMESPACE": semconv.ServiceNamespace,
		"NODE_NAME":     semconv.K8SNodeName,
	} {
		if v := os.Getenv(env); v != "" {
			attrs = append(attrs, attr(v))
		}
	}

	own := resource.NewWithAttributes(semconv.SchemaURL, attrs...)
	merged, err := resource.Merge(resource.Default(), own)
	if err != nil {
		// schema URL conflict with the SDK default
		return own
	}
	return merged
}

// sampleRatio parses a ratio in [0, 1], sampling everything when unset or invalid
func sampleRatio(v string) float64 {
	ratio, err := strconv.ParseFloat(v, 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return 1
	}
	return ratio
}

// StartSpan starts a span, or returns the span already in ctx when tracing is off
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return Tracer.Start(ctx, name)
}

// StartCommandSpan starts a span for one inbound command on a connection
func StartCommandSpan(ctx context.Context, command, connectionID string) (context.Context, trace.Span) {
	ctx, span := StartSpan(ctx, "gateway."+command)
	span.SetAttributes(
		attribute.String("push.command", command),
		attribute.String("push.connection_id", connectionID),
	)
	return ctx, span
}

// Shutdown flushes pending spans
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}
