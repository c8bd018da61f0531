package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestSampleRatio(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"", 1},
		{"0.25", 0.25},
		{"0", 0},
		{"1.5", 1},
		{"-1", 1},
		{"half", 1},
	}
	for _, tt := range tests {
		if got := sampleRatio(tt.in); got != tt.want {
			t.Errorf("sampleRatio(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStartSpan_Disabled(t *testing.T) {
	if err := Init("push-gateway", "test", ""); err != nil {
		t.Fatalf("Init with empty endpoint failed: %v", err)
	}
	if Tracer != nil {
		t.Fatal("Expected tracing to stay disabled")
	}

	ctx, span := StartCommandSpan(context.Background(), "connect", "c1")
	defer span.End()
	if span.SpanContext().IsValid() {
		t.Error("Expected a no-op span while tracing is disabled")
	}
	if trace.SpanFromContext(ctx) != span {
		t.Error("Expected the context span to be returned")
	}
	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestServiceResource(t *testing.T) {
	t.Setenv("POD_NAME", "gw-0")
	res := serviceResource("push-gateway", "1.0")
	found := false
	for _, kv := range res.Attributes() {
		if string(kv.Key) == "service.instance.id" && kv.Value.AsString() == "gw-0" {
			found = true
		}
	}
	if !found {
		t.Error("Expected pod name as service.instance.id")
	}
}
