package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for knowledge-base spans and metrics.
var (
	AttrOp          = attribute.Key("kb.op")
	AttrTaskID      = attribute.Key("kb.task.id")
	AttrOperationID = attribute.Key("kb.operation.id")
	AttrStatus      = attribute.Key("kb.operation.status")
	AttrKind        = attribute.Key("kb.record.kind")
	AttrProvider    = attribute.Key("kb.cache.provider")
	AttrArtifactID  = attribute.Key("kb.artifact.id")
	AttrResult      = attribute.Key("kb.result")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
