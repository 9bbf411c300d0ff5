package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by coordinator spans and metrics.
var (
	AttrSessionID = attribute.Key("cortex.session.id")
	AttrRole      = attribute.Key("cortex.worker.role")
	AttrItemID    = attribute.Key("cortex.item.id")
	AttrItemKind  = attribute.Key("cortex.item.kind")
	AttrStatus    = attribute.Key("cortex.item.status")
	AttrOutcome   = attribute.Key("cortex.worker.outcome")
	AttrModel     = attribute.Key("cortex.llm.model")
	AttrCostUSD   = attribute.Key("cortex.worker.cost_usd")
	AttrVersion   = attribute.Key("cortex.compaction.version")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound agent backend call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
