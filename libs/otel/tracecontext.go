package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Metadata keys carrying W3C trace context on domain events.
const (
	MetadataTraceparent = "traceparent"
	MetadataTracestate  = "tracestate"
)

func TraceContextStrings(ctx context.Context) (traceparent string, tracestate string) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier[MetadataTraceparent], carrier[MetadataTracestate]
}

func ContextWithTraceContext(ctx context.Context, traceparent string, tracestate string) context.Context {
	if traceparent == "" && tracestate == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{
		MetadataTraceparent: traceparent,
		MetadataTracestate:  tracestate,
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// TraceMetadata returns event metadata holding the current trace context, or
// nil when ctx carries no sampled span.
func TraceMetadata(ctx context.Context) map[string]any {
	traceparent, tracestate := TraceContextStrings(ctx)
	if traceparent == "" {
		return nil
	}
	md := map[string]any{MetadataTraceparent: traceparent}
	if tracestate != "" {
		md[MetadataTracestate] = tracestate
	}
	return md
}

// ContextFromMetadata joins ctx to the trace recorded in event metadata.
func ContextFromMetadata(ctx context.Context, metadata map[string]any) context.Context {
	traceparent, _ := metadata[MetadataTraceparent].(string)
	tracestate, _ := metadata[MetadataTracestate].(string)
	return ContextWithTraceContext(ctx, traceparent, tracestate)
}
