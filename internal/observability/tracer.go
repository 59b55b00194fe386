package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new internal span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError marks the span as errored.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for Casparian Flow spans.
var (
	AttrJobID       = attribute.Key("cf.job.id")
	AttrJobType     = attribute.Key("cf.job.type")
	AttrPlugin      = attribute.Key("cf.plugin.name")
	AttrPluginVer   = attribute.Key("cf.plugin.version")
	AttrWorkerID    = attribute.Key("cf.worker.id")
	AttrDurationMs  = attribute.Key("cf.duration_ms")
	AttrRowsDone    = attribute.Key("cf.rows_done")
	AttrScopeID     = attribute.Key("cf.scope.id")
)
