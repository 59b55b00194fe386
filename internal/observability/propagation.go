package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TraceContext is the W3C trace context in wire-frame form. The Sentinel
// stamps it onto a claim response so the worker's execution span joins
// the trace that started at job submission, across the process boundary.
type TraceContext struct {
	TraceParent string `json:"traceparent,omitempty"`
	TraceState  string `json:"tracestate,omitempty"`
}

// Capture snapshots ctx's active trace for embedding in a frame payload.
// Returns the zero value when tracing is disabled or no span is active.
func Capture(ctx context.Context) TraceContext {
	if !Enabled() {
		return TraceContext{}
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return TraceContext{
		TraceParent: carrier.Get("traceparent"),
		TraceState:  carrier.Get("tracestate"),
	}
}

// Apply resumes a captured trace on the receiving side, returning a ctx
// whose spans parent into the captured one. A zero TraceContext returns
// ctx unchanged.
func (tc TraceContext) Apply(ctx context.Context) context.Context {
	if tc.TraceParent == "" {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier{
		"traceparent": tc.TraceParent,
		"tracestate":  tc.TraceState,
	})
}

// TraceID returns ctx's active trace id, or "" outside any trace.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// SpanID returns ctx's active span id, or "" outside any span.
func SpanID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasSpanID() {
		return ""
	}
	return sc.SpanID().String()
}
