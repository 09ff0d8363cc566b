package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan opens an internal span under the current trace.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SpanFromContext returns the current span.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError records err and marks the span failed.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Attribute keys for hal spans.
var (
	AttrTaskID   = attribute.Key("hal.task.id")
	AttrTaskSlug = attribute.Key("hal.task.slug")
	AttrAgent    = attribute.Key("hal.agent")
	AttrRepoURL  = attribute.Key("hal.repo.url")
	AttrVMID     = attribute.Key("hal.vm.id")
	AttrSlot     = attribute.Key("hal.slot")
)
